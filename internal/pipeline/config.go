// Package pipeline runs multi-stage pipelines over the executor. A pipeline
// is an ordered list of stages; each stage holds tasks that run sequentially
// or in parallel, and a stage must finish before the next one starts.
package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/NIAGADS/etl-engine/pkg/errors"
	"github.com/NIAGADS/etl-engine/pkg/plugin"
)

// TaskType identifies how a task is executed.
type TaskType string

const (
	// TaskPlugin runs a registered plugin through the executor.
	TaskPlugin TaskType = "plugin"

	// TaskShell runs a shell command on the host.
	TaskShell TaskType = "shell"
)

// Task is one unit of work within a stage.
type Task struct {
	// Name identifies the task within its stage.
	Name string `yaml:"name"`

	// Type selects the task runner; defaults to plugin.
	Type TaskType `yaml:"type"`

	// Plugin is the registered plugin name for plugin tasks.
	Plugin string `yaml:"plugin,omitempty"`

	// Command is the shell command line for shell tasks.
	Command string `yaml:"command,omitempty"`

	// Params are plugin parameters, merged over the pipeline-level params.
	Params plugin.Params `yaml:"params,omitempty"`

	// Skip excludes the task from planning without removing its definition.
	Skip bool `yaml:"skip,omitempty"`

	// Deprecated excludes the task like Skip but marks it for removal.
	Deprecated bool `yaml:"deprecated,omitempty"`
}

// Stage is an ordered group of tasks. Stages execute in definition order and
// act as barriers: no task of a stage starts before the previous stage ends.
type Stage struct {
	Name string `yaml:"name"`

	// Parallel runs the stage's tasks concurrently instead of in order.
	Parallel bool `yaml:"parallel,omitempty"`

	// MaxConcurrency caps concurrent tasks in a parallel stage; zero means
	// no cap beyond the task count.
	MaxConcurrency int `yaml:"max_concurrency,omitempty"`

	Skip       bool   `yaml:"skip,omitempty"`
	Deprecated bool   `yaml:"deprecated,omitempty"`
	Tasks      []Task `yaml:"tasks"`
}

// Config is a full pipeline definition.
type Config struct {
	Name string `yaml:"name"`

	// Params are shared plugin parameters applied to every plugin task,
	// overridden per task by the task's own params.
	Params plugin.Params `yaml:"params,omitempty"`

	Stages []Stage `yaml:"stages"`
}

// LoadConfig reads and validates a pipeline definition file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read pipeline file "+path)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse pipeline file "+path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural integrity: names present and unique, every task
// complete for its type.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New(errors.ErrorTypeConfig, "pipeline has no name")
	}
	if len(c.Stages) == 0 {
		return errors.Newf(errors.ErrorTypeConfig, "pipeline %s has no stages", c.Name)
	}

	stageNames := make(map[string]struct{}, len(c.Stages))
	for i := range c.Stages {
		s := &c.Stages[i]
		if s.Name == "" {
			return errors.Newf(errors.ErrorTypeConfig, "pipeline %s: stage %d has no name", c.Name, i+1)
		}
		if _, dup := stageNames[s.Name]; dup {
			return errors.Newf(errors.ErrorTypeConfig, "pipeline %s: duplicate stage %s", c.Name, s.Name)
		}
		stageNames[s.Name] = struct{}{}

		if len(s.Tasks) == 0 {
			return errors.Newf(errors.ErrorTypeConfig, "stage %s has no tasks", s.Name)
		}
		taskNames := make(map[string]struct{}, len(s.Tasks))
		for j := range s.Tasks {
			t := &s.Tasks[j]
			if t.Name == "" {
				return errors.Newf(errors.ErrorTypeConfig, "stage %s: task %d has no name", s.Name, j+1)
			}
			if _, dup := taskNames[t.Name]; dup {
				return errors.Newf(errors.ErrorTypeConfig, "stage %s: duplicate task %s", s.Name, t.Name)
			}
			taskNames[t.Name] = struct{}{}

			if t.Type == "" {
				t.Type = TaskPlugin
			}
			switch t.Type {
			case TaskPlugin:
				if t.Plugin == "" {
					return errors.Newf(errors.ErrorTypeConfig,
						"task %s.%s is a plugin task but names no plugin", s.Name, t.Name)
				}
			case TaskShell:
				if t.Command == "" {
					return errors.Newf(errors.ErrorTypeConfig,
						"task %s.%s is a shell task but has no command", s.Name, t.Name)
				}
			default:
				return errors.Newf(errors.ErrorTypeConfig,
					"task %s.%s has unknown type %q", s.Name, t.Name, t.Type)
			}
		}
	}
	return nil
}

// stage returns the named stage, or nil.
func (c *Config) stage(name string) *Stage {
	for i := range c.Stages {
		if c.Stages[i].Name == name {
			return &c.Stages[i]
		}
	}
	return nil
}

func (s *Stage) task(name string) *Task {
	for i := range s.Tasks {
		if s.Tasks[i].Name == name {
			return &s.Tasks[i]
		}
	}
	return nil
}

func (t *Task) ref(stage string) string { return fmt.Sprintf("%s.%s", stage, t.Name) }
