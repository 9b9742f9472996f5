package supervisor

import (
	"fmt"
	"os"
	"time"

	"github.com/google/shlex"
)

// Config describes how to start and prime a forkserver.
type Config struct {
	// Command launches the forkserver. It is split like a shell would and
	// defaults to this executable with the forkserver stage argument.
	Command string `yaml:"command"`
	// ChildMain names the registered entry every child runs.
	ChildMain string `yaml:"childMain"`
	// PreloadModules are run once in the forkserver before the first spawn.
	PreloadModules []string `yaml:"preload"`
	// Environment is the complete environment of the forkserver and of
	// every child. Nothing from the caller's environment is inherited.
	Environment []string `yaml:"environment"`
	// StartTimeout bounds sending the import message.
	StartTimeout time.Duration `yaml:"startTimeout"`
}

func (c Config) argv(stageArg string) ([]string, error) {
	if c.Command == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve own executable: %w", err)
		}
		return []string{self, stageArg}, nil
	}
	fields, err := shlex.Split(c.Command)
	if err != nil {
		return nil, fmt.Errorf("parse forkserver command: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("forkserver command is empty")
	}
	return fields, nil
}

func (c Config) startTimeout() time.Duration {
	if c.StartTimeout <= 0 {
		return 10 * time.Second
	}
	return c.StartTimeout
}
