// Package dockerbackend spawns each worker inside its own Docker
// container instead of as a bare child process, for callers that want
// container-level isolation per interpreter. A worker environment maps
// to a container image via the "docker_image:" prefix convention (see
// wire.Environment.ImageName); environments without that prefix are
// rejected.
package dockerbackend

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog/log"

	"github.com/synacktraa/cillow/internal/wire"
	"github.com/synacktraa/cillow/internal/workerproc"
)

const (
	// Name is the backend identifier used in configuration and registration.
	Name = "docker"
	// ManagedLabel marks containers this backend owns, for orphan cleanup.
	ManagedLabel = "cillow.managed"
)

func init() {
	workerproc.RegisterBackend(Name, func(cfg map[string]any) (workerproc.Backend, error) {
		workerdPath, _ := cfg["workerd_path"].(string)
		if workerdPath == "" {
			workerdPath = "/usr/local/bin/cillow-workerd"
		}
		return New(workerdPath)
	})
}

// Backend spawns workers as Docker containers running cillow-workerd,
// adapted from boxed's DockerDriver container lifecycle.
type Backend struct {
	cli *client.Client
	// workerdPath is the path to the cillow-workerd binary inside the
	// image, bind-mounted in from the host.
	workerdPath string
}

// New builds a Backend from the ambient Docker environment (DOCKER_HOST
// and friends), performing a startup sweep of orphaned containers left
// behind by a prior crashed broker.
func New(workerdPath string) (*Backend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	go cleanupOrphans(cli)
	return &Backend{cli: cli, workerdPath: workerdPath}, nil
}

// Name implements workerproc.Backend.
func (b *Backend) Name() string { return Name }

func cleanupOrphans(cli *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	list, err := cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to list orphaned worker containers")
		return
	}
	for _, c := range list {
		if err := cli.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			log.Warn().Str("container_id", c.ID).Err(err).Msg("failed to remove orphaned worker container")
		}
	}
}

// Spawn implements workerproc.Backend. It creates a container that sleeps
// forever, execs cillow-workerd into it, and returns the demultiplexed
// stdin/stdout streams as Pipes.
func (b *Backend) Spawn(ctx context.Context, env wire.Environment) (*workerproc.Pipes, error) {
	if !env.IsDockerImage() {
		return nil, fmt.Errorf("docker backend requires a %q environment, got %q", wire.DockerImagePrefix+"<image>", env)
	}
	image := env.ImageName()

	if _, _, err := b.cli.ImageInspectWithRaw(ctx, image); client.IsErrNotFound(err) {
		reader, pullErr := b.cli.ImagePull(ctx, image, types.ImagePullOptions{})
		if pullErr != nil {
			return nil, fmt.Errorf("pull image %s: %w", image, pullErr)
		}
		_, _ = io.Copy(io.Discard, reader)
		_ = reader.Close()
	} else if err != nil {
		return nil, fmt.Errorf("inspect image %s: %w", image, err)
	}

	resp, err := b.cli.ContainerCreate(ctx,
		&container.Config{
			Image:  image,
			Cmd:    []string{"tail", "-f", "/dev/null"},
			Labels: map[string]string{ManagedLabel: "true"},
		},
		&container.HostConfig{
			Mounts: []mount.Mount{
				{Type: mount.TypeBind, Source: b.workerdPath, Target: "/usr/local/bin/cillow-workerd", ReadOnly: true},
				{Type: mount.TypeTmpfs, Target: "/tmp"},
			},
		},
		nil, nil, "",
	)
	if err != nil {
		return nil, fmt.Errorf("create worker container: %w", err)
	}
	if err := b.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		_ = b.cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return nil, fmt.Errorf("start worker container: %w", err)
	}

	execResp, err := b.cli.ContainerExecCreate(ctx, resp.ID, types.ExecConfig{
		Cmd:          []string{"/usr/local/bin/cillow-workerd"},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		_ = b.cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return nil, fmt.Errorf("create worker exec: %w", err)
	}
	hijacked, err := b.cli.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		_ = b.cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return nil, fmt.Errorf("attach to worker exec: %w", err)
	}

	stream := newStream(hijacked)

	return &workerproc.Pipes{
		Stdin:  stream,
		Stdout: stream,
		Terminate: func() error {
			timeout := 5
			return b.cli.ContainerStop(ctx, resp.ID, container.StopOptions{Timeout: &timeout})
		},
		Kill: func() error {
			return b.cli.ContainerRemove(context.Background(), resp.ID, types.ContainerRemoveOptions{Force: true})
		},
		Wait: func(waitCtx context.Context) error {
			statusCh, errCh := b.cli.ContainerWait(waitCtx, resp.ID, container.WaitConditionNotRunning)
			select {
			case err := <-errCh:
				return err
			case <-statusCh:
				return nil
			case <-waitCtx.Done():
				return waitCtx.Err()
			}
		},
	}, nil
}

// stream demultiplexes a Docker exec hijacked connection into a clean
// io.ReadWriteCloser: worker stdout frames pass through untouched, and
// stderr is forwarded to the broker's own stderr for diagnostics,
// adapted from boxed's DockerStream.demux.
type stream struct {
	hijacked types.HijackedResponse
	reader   *io.PipeReader
	writer   *io.PipeWriter
}

func newStream(hijacked types.HijackedResponse) *stream {
	pr, pw := io.Pipe()
	s := &stream{hijacked: hijacked, reader: pr, writer: pw}
	go s.demux()
	return s
}

func (s *stream) demux() {
	defer s.writer.Close()

	var header [8]byte
	for {
		if _, err := io.ReadFull(s.hijacked.Reader, header[:]); err != nil {
			return
		}
		size := int64(header[4])<<24 | int64(header[5])<<16 | int64(header[6])<<8 | int64(header[7])

		switch header[0] {
		case 1: // stdout
			if _, err := io.CopyN(s.writer, s.hijacked.Reader, size); err != nil {
				return
			}
		case 2: // stderr
			_, _ = io.CopyN(os.Stderr, s.hijacked.Reader, size)
		default:
			_, _ = io.CopyN(io.Discard, s.hijacked.Reader, size)
		}
	}
}

func (s *stream) Read(p []byte) (int, error)  { return s.reader.Read(p) }
func (s *stream) Write(p []byte) (int, error) { return s.hijacked.Conn.Write(p) }
func (s *stream) Close() error {
	s.hijacked.Close()
	return s.writer.Close()
}
