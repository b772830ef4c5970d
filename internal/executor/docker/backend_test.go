package docker_test

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/code-runner/internal/executor"
	"github.com/sakif/code-runner/internal/executor/docker"
	"github.com/sakif/code-runner/internal/logging"
	"github.com/sakif/code-runner/internal/protocol"
)

// fakeClient implements the calls the backend makes. Container creation is
// slow so that a run has to wait for the pool.
type fakeClient struct {
	client.APIClient
	createDelay time.Duration
	stdout      string
	exitCode    int
}

func (f *fakeClient) ImagePull(context.Context, string, image.PullOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeClient) ContainerCreate(ctx context.Context, _ *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	select {
	case <-time.After(f.createDelay):
	case <-ctx.Done():
		return container.CreateResponse{}, ctx.Err()
	}
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeClient) ContainerStart(context.Context, string, container.StartOptions) error {
	return nil
}

func (f *fakeClient) ContainerRemove(context.Context, string, container.RemoveOptions) error {
	return nil
}

func (f *fakeClient) ContainerExecCreate(context.Context, string, container.ExecOptions) (container.ExecCreateResponse, error) {
	return container.ExecCreateResponse{ID: "e1"}, nil
}

func (f *fakeClient) ContainerExecAttach(context.Context, string, container.ExecAttachOptions) (types.HijackedResponse, error) {
	local, remote := net.Pipe()
	go func() {
		defer remote.Close()
		_, _ = stdcopy.NewStdWriter(remote, stdcopy.Stdout).Write([]byte(f.stdout))
	}()
	return types.NewHijackedResponse(local, ""), nil
}

func (f *fakeClient) ContainerExecInspect(context.Context, string) (container.ExecInspect, error) {
	return container.ExecInspect{ExecID: "e1", ExitCode: f.exitCode}, nil
}

func (f *fakeClient) Close() error { return nil }

func TestExecuteElapsedExcludesPoolWait(t *testing.T) {
	cli := &fakeClient{createDelay: 300 * time.Millisecond, stdout: "5\n", exitCode: 3}

	cfg := docker.DefaultConfig()
	cfg.Images = map[protocol.Language]docker.Image{
		protocol.LanguagePython: cfg.Images[protocol.LanguagePython],
	}
	cfg.PoolSize = 1

	backend, err := docker.NewWithClient(context.Background(), cli, cfg, logging.Discard())
	require.NoError(t, err)
	defer backend.Close()

	reg := executor.NewRegistry()
	require.NoError(t, backend.Register(reg))
	exec, ok := reg.Lookup(protocol.LanguagePython)
	require.True(t, ok)

	start := time.Now()
	res, err := exec.Execute(context.Background(), "print(2+3)", "")
	require.NoError(t, err)
	waited := time.Since(start)

	assert.Equal(t, "5\n", res.Stdout)
	assert.Equal(t, 3, res.ExitCode)
	assert.GreaterOrEqual(t, waited, 300*time.Millisecond, "the run waited for a pooled container")
	assert.Less(t, res.ElapsedMs, float64(200), "pool wait must not count as run time")
}
