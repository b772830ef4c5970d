package docker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// Pool keeps a number of pre-warmed containers of one image ready to use.
type Pool struct {
	cli        client.APIClient
	image      string
	config     Config
	logger     *slog.Logger
	containers chan string
	done       chan struct{}
	wg         sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once
}

// NewPool initializes a pool for image. Nothing is created until Start.
func NewPool(cli client.APIClient, image string, cfg Config, logger *slog.Logger) *Pool {
	size := cfg.PoolSize
	if size < 1 {
		size = 1
	}
	return &Pool{
		cli:        cli,
		image:      image,
		config:     cfg,
		logger:     logger.With(slog.String("image", image)),
		containers: make(chan string, size),
		done:       make(chan struct{}),
	}
}

// Start begins filling the pool in the background.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("starting docker container pool", slog.Int("poolSize", cap(p.containers)))
		p.wg.Add(1)
		go p.manager()
	})
}

// Stop shuts down the manager and removes every idle container.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("shutting down docker container pool")
		close(p.done)
		p.wg.Wait()

		for {
			select {
			case id := <-p.containers:
				p.removeContainer(id)
			default:
				return
			}
		}
	})
}

// GetContainer returns a ready container ID, blocking until one is available
// or ctx is done. The caller owns the container and must remove it.
func (p *Pool) GetContainer(ctx context.Context) (string, error) {
	select {
	case id := <-p.containers:
		return id, nil
	case <-p.done:
		return "", fmt.Errorf("docker: pool for %s is stopped", p.image)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *Pool) manager() {
	defer p.wg.Done()

	for {
		id, err := p.createContainer()
		if err != nil {
			p.logger.Error("failed to create pre-warmed container", slog.String("error", err.Error()))
			select {
			case <-p.done:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		// blocks while the pool is full
		select {
		case p.containers <- id:
		case <-p.done:
			p.removeContainer(id)
			return
		}
	}
}

// createContainer starts a container running `sleep infinity`.
func (p *Pool) createContainer() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hostConfig := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:   p.config.MemoryLimit,
			NanoCPUs: int64(p.config.CPULimit * 1e9),
		},
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,size=16m"},
	}

	resp, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image: p.image,
		Cmd:   []string{"sleep", "infinity"},
		User:  "nobody",
	}, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("docker: creating container: %w", err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.removeContainer(resp.ID)
		return "", fmt.Errorf("docker: starting container: %w", err)
	}

	return resp.ID, nil
}

func (p *Pool) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		p.logger.Warn("failed to remove container", slog.String("id", id), slog.String("error", err.Error()))
	}
}
