package pipeline

import (
	"fmt"
	"strings"

	"github.com/NIAGADS/etl-engine/pkg/errors"
)

// Selector names a stage or a single task within it, written on the command
// line as "stage" or "stage.task".
type Selector struct {
	Stage string
	Task  string
}

// ParseSelector splits a selector string on its first dot.
func ParseSelector(s string) (Selector, error) {
	stage, task, _ := strings.Cut(s, ".")
	if stage == "" {
		return Selector{}, errors.Newf(errors.ErrorTypeConfig, "invalid selector %q", s)
	}
	return Selector{Stage: stage, Task: task}, nil
}

// ParseSelectors parses a list of selector strings.
func ParseSelectors(raw []string) ([]Selector, error) {
	out := make([]Selector, 0, len(raw))
	for _, s := range raw {
		sel, err := ParseSelector(s)
		if err != nil {
			return nil, err
		}
		out = append(out, sel)
	}
	return out, nil
}

func (s Selector) String() string {
	if s.Task == "" {
		return s.Stage
	}
	return s.Stage + "." + s.Task
}

// matches reports whether the selector covers the given task. A bare stage
// selector covers every task in the stage.
func (s Selector) matches(stage, task string) bool {
	return s.Stage == stage && (s.Task == "" || s.Task == task)
}

func anyMatch(sels []Selector, stage, task string) bool {
	for _, s := range sels {
		if s.matches(stage, task) {
			return true
		}
	}
	return false
}

// Filters narrows a pipeline to the work one invocation should run.
type Filters struct {
	// Only restricts the plan to the selected stages and tasks.
	Only []Selector

	// Skip removes the selected stages and tasks. Mutually exclusive
	// with Only.
	Skip []Selector

	// ResumeFrom drops everything before the selected stage, and within that
	// stage everything before the selected task.
	ResumeFrom *Selector
}

func (f *Filters) validate(cfg *Config) error {
	if len(f.Only) > 0 && len(f.Skip) > 0 {
		return errors.New(errors.ErrorTypeConfig, "--only and --skip are mutually exclusive")
	}
	for _, sel := range append(append([]Selector{}, f.Only...), f.Skip...) {
		if err := resolveSelector(cfg, sel); err != nil {
			return err
		}
	}
	if f.ResumeFrom != nil {
		sel := *f.ResumeFrom
		if err := resolveSelector(cfg, sel); err != nil {
			return err
		}
		stage := cfg.stage(sel.Stage)
		if stage.Skip || stage.Deprecated {
			return errors.Newf(errors.ErrorTypeConfig,
				"resume point %s is in a skipped stage", sel)
		}
		if sel.Task != "" {
			if task := stage.task(sel.Task); task.Skip || task.Deprecated {
				return errors.Newf(errors.ErrorTypeConfig,
					"resume point %s is a skipped task", sel)
			}
		}
	}
	return nil
}

func resolveSelector(cfg *Config, sel Selector) error {
	stage := cfg.stage(sel.Stage)
	if stage == nil {
		return errors.Newf(errors.ErrorTypeConfig, "selector %s names unknown stage %s", sel, sel.Stage)
	}
	if sel.Task != "" && stage.task(sel.Task) == nil {
		return errors.Newf(errors.ErrorTypeConfig, "selector %s names unknown task %s", sel, sel.Task)
	}
	return nil
}

// PlannedStage is one stage of a run plan after filtering.
type PlannedStage struct {
	Name           string
	Parallel       bool
	MaxConcurrency int
	Tasks          []Task
}

// Plan resolves the pipeline and filters into the ordered list of stages to
// execute. Skipped and deprecated stages and tasks never enter the plan;
// stages left with no tasks are dropped.
func Plan(cfg *Config, filters Filters) ([]PlannedStage, error) {
	if err := filters.validate(cfg); err != nil {
		return nil, err
	}

	resuming := filters.ResumeFrom != nil
	var plan []PlannedStage
	for _, stage := range cfg.Stages {
		if resuming {
			if stage.Name != filters.ResumeFrom.Stage {
				continue
			}
			resuming = false
		}
		if stage.Skip || stage.Deprecated {
			continue
		}

		// Within the resume stage, tasks before the resume task are done.
		resumingTasks := filters.ResumeFrom != nil &&
			stage.Name == filters.ResumeFrom.Stage && filters.ResumeFrom.Task != ""

		planned := PlannedStage{
			Name:           stage.Name,
			Parallel:       stage.Parallel,
			MaxConcurrency: stage.MaxConcurrency,
		}
		for _, task := range stage.Tasks {
			if resumingTasks {
				if task.Name != filters.ResumeFrom.Task {
					continue
				}
				resumingTasks = false
			}
			if task.Skip || task.Deprecated {
				continue
			}
			if len(filters.Only) > 0 && !anyMatch(filters.Only, stage.Name, task.Name) {
				continue
			}
			if anyMatch(filters.Skip, stage.Name, task.Name) {
				continue
			}
			planned.Tasks = append(planned.Tasks, task)
		}
		if len(planned.Tasks) > 0 {
			plan = append(plan, planned)
		}
	}
	return plan, nil
}

// FormatPlan renders a plan for operator inspection.
func FormatPlan(name string, plan []PlannedStage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "pipeline %s\n", name)
	if len(plan) == 0 {
		b.WriteString("  (nothing to run)\n")
		return b.String()
	}
	for _, stage := range plan {
		fmt.Fprintf(&b, "stage %s", stage.Name)
		if stage.Parallel {
			b.WriteString(" (parallel")
			if stage.MaxConcurrency > 0 {
				fmt.Fprintf(&b, ", max %d", stage.MaxConcurrency)
			}
			b.WriteString(")")
		}
		b.WriteString("\n")
		for i, task := range stage.Tasks {
			switch task.Type {
			case TaskShell:
				fmt.Fprintf(&b, "  %d. %s [shell]\n", i+1, task.Name)
			default:
				fmt.Fprintf(&b, "  %d. %s [plugin %s]\n", i+1, task.Name, task.Plugin)
			}
		}
	}
	return b.String()
}
