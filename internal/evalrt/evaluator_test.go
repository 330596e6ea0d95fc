package evalrt

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synacktraa/cillow/internal/wire"
)

// shEvaluator builds a ShellEvaluator that runs /bin/sh instead of a
// real language interpreter, so these tests need nothing beyond a POSIX
// shell to exercise the streaming and artifact-capture paths.
func shEvaluator(t *testing.T) *ShellEvaluator {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	dir := t.TempDir()
	return &ShellEvaluator{
		Binary:   func(wire.Environment) string { return "/bin/sh" },
		Artifact: func(wire.Environment) string { return dir },
	}
}

func TestShellEvaluatorStreamsStdoutAndStderr(t *testing.T) {
	s := shEvaluator(t)

	var stdout, stderr []string
	result, exc := s.RunCode(context.Background(), wire.SystemEnvironment, "echo out; echo err >&2", func(f wire.ResponseFrame) {
		if f.Stream == nil {
			return
		}
		switch f.Stream.Kind {
		case wire.StreamStdout:
			stdout = append(stdout, f.Stream.Text)
		case wire.StreamStderr:
			stderr = append(stderr, f.Stream.Text)
		}
	})

	require.Nil(t, exc)
	require.NotNil(t, result)
	assert.Equal(t, []string{"out\n"}, stdout)
	assert.Equal(t, []string{"err\n"}, stderr)
}

func TestShellEvaluatorReportsNonZeroExitAsException(t *testing.T) {
	s := shEvaluator(t)

	result, exc := s.RunCode(context.Background(), wire.SystemEnvironment, "echo boom >&2; exit 1", func(wire.ResponseFrame) {})

	assert.Nil(t, result)
	require.NotNil(t, exc)
	assert.Equal(t, "boom", exc.Message)
}

func TestShellEvaluatorCapturesArtifactAsByteStream(t *testing.T) {
	s := shEvaluator(t)

	var byteStreams []*wire.ByteStreamFrame
	code := `printf '\211PNG' > "$CILLOW_ARTIFACT_DIR/out.png"; sleep 0.2`
	_, exc := s.RunCode(context.Background(), wire.SystemEnvironment, code, func(f wire.ResponseFrame) {
		if f.ByteStream != nil {
			byteStreams = append(byteStreams, f.ByteStream)
		}
	})

	require.Nil(t, exc)
	require.Len(t, byteStreams, 1)
	assert.Equal(t, wire.ByteStreamImage, byteStreams[0].Kind)
	assert.Equal(t, "out.png", byteStreams[0].ID)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, byteStreams[0].Bytes)
}

func TestDefaultArtifactDirScopesBySystemAndFilesystemEnvironment(t *testing.T) {
	sysDir := DefaultArtifactDir(wire.SystemEnvironment)
	fsDir := DefaultArtifactDir(wire.Environment("/opt/envs/foo"))

	assert.Equal(t, filepath.Base(sysDir), "system")
	assert.Equal(t, filepath.Base(fsDir), "foo")
	assert.NotEqual(t, sysDir, fsDir)
}
