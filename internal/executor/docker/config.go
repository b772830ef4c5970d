package docker

import (
	"github.com/sakif/code-runner/internal/protocol"
)

// Image describes the container used for one language.
type Image struct {
	// Image is the Docker image to use for execution.
	Image string `yaml:"image"`
	// Command is the interpreter invocation. The source code is appended as
	// the final argument.
	Command []string `yaml:"command"`
}

// Config holds the configuration for Docker execution.
type Config struct {
	// Images maps each language to its container image.
	Images map[protocol.Language]Image `yaml:"images"`
	// MemoryLimit is the maximum amount of memory a container can use (in bytes).
	MemoryLimit int64 `yaml:"memory_limit"`
	// CPULimit is the number of CPUs a container can use.
	CPULimit float64 `yaml:"cpu_limit"`
	// PoolSize is the number of pre-warmed containers kept per language.
	PoolSize int `yaml:"pool_size"`
	// OutputLimit caps stdout and stderr, in bytes. Zero means
	// executor.DefaultOutputLimit.
	OutputLimit int `yaml:"output_limit"`
}

// DefaultConfig provides sensible defaults using small alpine images.
func DefaultConfig() Config {
	return Config{
		Images: map[protocol.Language]Image{
			protocol.LanguageJavaScript: {Image: "node:22-alpine", Command: []string{"node", "-e"}},
			protocol.LanguagePython:     {Image: "python:3.12-alpine", Command: []string{"python", "-c"}},
			protocol.LanguageLua:        {Image: "nickblah/lua:5.4-alpine", Command: []string{"lua", "-e"}},
		},
		// 128 MB memory limit
		MemoryLimit: 128 * 1024 * 1024,
		// 0.5 CPU shares
		CPULimit: 0.5,
		PoolSize: 2,
	}
}
