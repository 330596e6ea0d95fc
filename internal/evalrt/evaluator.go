// Package evalrt defines the pluggable code-evaluation strategy a worker
// uses to service run_code and the pluggable import-resolution strategy
// used for install-on-demand. Neither AST-level code interpretation nor
// import graph analysis is implemented in-process here: both are
// injectable seams, consistent with keeping language evaluation semantics
// out of the broker's own scope. ShellEvaluator, the default, delegates
// to the environment's own interpreter binary as a subprocess.
package evalrt

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/synacktraa/cillow/internal/wire"
)

// StreamFunc receives one response frame as a worker produces it.
type StreamFunc func(wire.ResponseFrame)

// Evaluator executes code inside an environment and streams its output.
// It returns exactly one of (result, exception).
type Evaluator interface {
	RunCode(ctx context.Context, env wire.Environment, code string, onStream StreamFunc) (*wire.ResultFrame, *wire.ExceptionInfoFrame)
}

// ImportResolver discovers the packages a piece of code imports and
// installs them. It does not check which of them are already installed.
type ImportResolver interface {
	// Analyse returns the package names code imports. ShellImportResolver
	// finds them with a line-pattern scan; the no-op resolver
	// (NewNoopImportResolver) returns nil, which disables auto-install.
	Analyse(code string) []string
	// Install installs the named packages into env, streaming output.
	Install(ctx context.Context, env wire.Environment, packages []string, onStream StreamFunc) error
}

// InterpreterBinary maps an environment to the executable ShellEvaluator
// should invoke for it. The zero value resolves every environment to
// "python3" on PATH for the system environment, or
// "<env>/bin/python3" for a filesystem environment.
type InterpreterBinary func(env wire.Environment) string

// DefaultInterpreterBinary is the InterpreterBinary ShellEvaluator uses
// when none is configured.
func DefaultInterpreterBinary(env wire.Environment) string {
	if env.IsSystem() {
		return "python3"
	}
	return string(env) + "/bin/python3"
}

// ArtifactDir maps an environment to the scratch directory its evaluated
// code may drop rendered output into (a chart, an image, a recording).
type ArtifactDir func(env wire.Environment) string

// DefaultArtifactDir scopes each environment to its own subdirectory of a
// per-process directory under the OS temp dir, so concurrent workers
// never collide.
func DefaultArtifactDir(env wire.Environment) string {
	name := string(env)
	if env.IsSystem() {
		name = "system"
	}
	return filepath.Join(os.TempDir(), "cillow-artifacts", fmt.Sprint(os.Getpid()), filepath.Base(name))
}

// byteStreamKindForExt classifies a file extension into the ByteStream
// kind RunCode should tag it with. Unrecognized extensions are skipped.
func byteStreamKindForExt(ext string) (wire.ByteStreamKind, bool) {
	switch strings.ToLower(ext) {
	case ".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp":
		return wire.ByteStreamImage, true
	case ".wav", ".mp3", ".ogg", ".flac":
		return wire.ByteStreamAudio, true
	case ".mp4", ".webm", ".mov":
		return wire.ByteStreamVideo, true
	default:
		return "", false
	}
}

// ShellEvaluator runs code by piping it to an interpreter subprocess's
// stdin and reading its stdout/stderr back as stream frames, matching
// the run_code wire contract without embedding a language runtime. It
// also watches the environment's artifact directory for the duration of
// the run, emitting a ByteStream frame for every recognizable file the
// evaluated code writes there.
type ShellEvaluator struct {
	Binary   InterpreterBinary
	Artifact ArtifactDir
}

// NewShellEvaluator returns a ShellEvaluator using binary to resolve an
// environment to an executable. A nil binary uses DefaultInterpreterBinary.
func NewShellEvaluator(binary InterpreterBinary) *ShellEvaluator {
	if binary == nil {
		binary = DefaultInterpreterBinary
	}
	return &ShellEvaluator{Binary: binary, Artifact: DefaultArtifactDir}
}

// RunCode implements Evaluator.
func (s *ShellEvaluator) RunCode(ctx context.Context, env wire.Environment, code string, onStream StreamFunc) (*wire.ResultFrame, *wire.ExceptionInfoFrame) {
	binary := s.Binary
	if binary == nil {
		binary = DefaultInterpreterBinary
	}
	cmd := exec.CommandContext(ctx, binary(env))
	cmd.Stdin = strings.NewReader(code)

	artifactDir := s.Artifact
	if artifactDir == nil {
		artifactDir = DefaultArtifactDir
	}
	dir := artifactDir(env)
	cmd.Env = append(cmd.Environ(), "CILLOW_ARTIFACT_DIR="+dir)

	stopWatch := s.watchArtifacts(dir, onStream)
	defer stopWatch()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &wire.ExceptionInfoFrame{TypeName: "EvaluatorError", Message: err.Error()}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &wire.ExceptionInfoFrame{TypeName: "EvaluatorError", Message: err.Error()}
	}
	if err := cmd.Start(); err != nil {
		return nil, &wire.ExceptionInfoFrame{TypeName: "EvaluatorError", Message: fmt.Sprintf("start interpreter: %v", err)}
	}

	var lastStderr string
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			lastStderr = line
			onStream(wire.ResponseFrame{Kind: wire.KindStream, Stream: &wire.StreamFrame{Kind: wire.StreamStderr, Text: line + "\n"}})
		}
	}()

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		onStream(wire.ResponseFrame{Kind: wire.KindStream, Stream: &wire.StreamFrame{Kind: wire.StreamStdout, Text: scanner.Text() + "\n"}})
	}
	<-done

	if err := cmd.Wait(); err != nil {
		msg := err.Error()
		if lastStderr != "" {
			msg = lastStderr
		}
		return nil, &wire.ExceptionInfoFrame{TypeName: "EvaluationError", Message: msg}
	}

	value, err := wire.Encode(nil)
	if err != nil {
		return nil, &wire.ExceptionInfoFrame{TypeName: "EvaluatorError", Message: err.Error()}
	}
	return &wire.ResultFrame{Value: value}, nil
}

// watchArtifacts watches dir for files created or written while a RunCode
// call is in flight. The returned stop func closes the watcher and then
// emits one ByteStream frame per recognized file via onStream, so each
// file is read once its writer is done with it. It is safe to
// call even if dir could not be created or watched, in which case
// RunCode proceeds without artifact capture rather than failing the
// evaluation.
func (s *ShellEvaluator) watchArtifacts(dir string, onStream StreamFunc) (stop func()) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return func() {}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return func() {}
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return func() {}
	}

	seen := make(map[string]struct{})
	var paths []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				if _, dup := seen[event.Name]; !dup {
					seen[event.Name] = struct{}{}
					paths = append(paths, event.Name)
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return func() {
		_ = watcher.Close()
		<-done
		for _, path := range paths {
			s.emitArtifact(path, onStream)
		}
	}
}

// emitArtifact reads path and, if its extension is recognized, emits it
// as a ByteStream frame and removes it so a later RunCode call in the
// same environment doesn't re-report it.
func (s *ShellEvaluator) emitArtifact(path string, onStream StreamFunc) {
	kind, ok := byteStreamKindForExt(filepath.Ext(path))
	if !ok {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	onStream(wire.ResponseFrame{
		Kind:       wire.KindByteStream,
		ByteStream: &wire.ByteStreamFrame{Kind: kind, Bytes: data, ID: filepath.Base(path)},
	})
	_ = os.Remove(path)
}

// noopResolver is the ImportResolver a worker swaps in when auto-install
// is disabled: Analyse reports no modules, Install is never called as a
// result.
type noopResolver struct{}

// NewNoopImportResolver returns an ImportResolver that never attempts
// auto-install, matching a worker run with CILLOW_DISABLE_AUTO_INSTALL set.
func NewNoopImportResolver() ImportResolver { return noopResolver{} }

func (noopResolver) Analyse(string) []string { return nil }

func (noopResolver) Install(context.Context, wire.Environment, []string, StreamFunc) error {
	return nil
}
