package evalrt

import (
	"context"
	"regexp"
	"strings"

	"github.com/synacktraa/cillow/internal/installer"
	"github.com/synacktraa/cillow/internal/shell"
	"github.com/synacktraa/cillow/internal/wire"
)

// moduleToPackage maps module names to the installable package name when
// they differ, mirroring modutils.py's MODULE_TO_PACKAGE_MAP.
var moduleToPackage = map[string]string{
	"bs4":      "beautifulsoup4",
	"cv2":      "opencv-python",
	"dotenv":   "python-dotenv",
	"PIL":      "pillow",
	"psycopg2": "psycopg2-binary",
	"sklearn":  "scikit-learn",
	"yaml":     "pyyaml",
	"zmq":      "pyzmq",
}

var importLineRE = regexp.MustCompile(`(?m)^\s*(?:import\s+([A-Za-z_][\w.]*)|from\s+([A-Za-z_][\w.]*)\s+import)`)

// ShellImportResolver is a line-pattern approximation of modutils.py's
// AST-based import scanner: it is a best-effort top-level module finder,
// not a full parser, since static analysis of arbitrary source is out of
// scope here. Install shells out to ShellImportResolver's installer.
type ShellImportResolver struct {
	Shell *shell.Shell
}

// NewShellImportResolver builds a ShellImportResolver that runs pip/uv
// through sh.
func NewShellImportResolver(sh *shell.Shell) *ShellImportResolver {
	return &ShellImportResolver{Shell: sh}
}

// Analyse implements ImportResolver with a regex scan over import/from
// lines, mapped through moduleToPackage.
func (r *ShellImportResolver) Analyse(code string) []string {
	seen := make(map[string]struct{})
	var modules []string
	for _, match := range importLineRE.FindAllStringSubmatch(code, -1) {
		name := match[1]
		if name == "" {
			name = match[2]
		}
		root := name
		if i := strings.IndexByte(root, '.'); i >= 0 {
			root = root[:i]
		}
		if pkg, ok := moduleToPackage[root]; ok {
			root = pkg
		}
		if _, ok := seen[root]; ok {
			continue
		}
		seen[root] = struct{}{}
		modules = append(modules, root)
	}
	return modules
}

// Install implements ImportResolver by delegating to internal/installer.
func (r *ShellImportResolver) Install(ctx context.Context, env wire.Environment, packages []string, onStream StreamFunc) error {
	return installer.Install(ctx, r.Shell, env, packages, func(line string) {
		onStream(wire.ResponseFrame{Kind: wire.KindStream, Stream: &wire.StreamFrame{Kind: wire.StreamCmdExec, Text: line + "\n"}})
	})
}
