package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/NIAGADS/etl-engine/internal/engine"
	"github.com/NIAGADS/etl-engine/internal/pipeline"
	"github.com/NIAGADS/etl-engine/pkg/checkpoint"
	"github.com/NIAGADS/etl-engine/pkg/config"
	"github.com/NIAGADS/etl-engine/pkg/logger"
	"github.com/NIAGADS/etl-engine/pkg/models"
	"github.com/NIAGADS/etl-engine/pkg/plugin"
	"github.com/NIAGADS/etl-engine/pkg/plugin/registry"
	"github.com/NIAGADS/etl-engine/pkg/session"

	// Import all bundled plugins to register them
	_ "github.com/NIAGADS/etl-engine/pkg/plugins/csvmeta"
	_ "github.com/NIAGADS/etl-engine/pkg/plugins/jsonlines"
	_ "github.com/NIAGADS/etl-engine/pkg/plugins/xmlrecords"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "etl",
		Short: "NIAGADS ETL engine - plugin-based pipeline runner",
		Long: `The NIAGADS ETL engine runs registered loader plugins against a target
data store with resumable checkpoints, per-batch commit control, and
dry-run support.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("etl v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered plugins",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Registered plugins:")
			for _, name := range registry.List() {
				d, _ := registry.Describe(name)
				fmt.Printf("  - %-16s %s\n", name, d.Description)
			}
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "describe <plugin>",
		Short: "Show a plugin's contract and parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := registry.Describe(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Plugin:          %s\n", d.Name)
			fmt.Printf("Description:     %s\n", d.Description)
			fmt.Printf("Operation:       %s\n", d.Operation)
			fmt.Printf("Load strategy:   %s\n", d.LoadStrategy)
			fmt.Printf("Affected tables: %s\n", strings.Join(d.AffectedTables, ", "))
			fmt.Printf("Preprocess:      %v\n", d.SupportsPreprocess)
			if len(d.Params) > 0 {
				fmt.Println("Parameters:")
				for _, p := range d.Params {
					req := ""
					if p.Required {
						req = " (required)"
					} else if p.Default != nil {
						req = fmt.Sprintf(" (default %v)", p.Default)
					}
					fmt.Printf("  %-20s %s%s\n", p.Name, p.Description, req)
				}
			}
			return nil
		},
	})

	var (
		configFile  string
		mode        string
		commitAfter int
		target      string
		runID       string
		paramsFile  string
		setParams   []string
	)

	runCmd := &cobra.Command{
		Use:   "run <plugin>",
		Short: "Run a plugin pipeline",
		Long: `Run a registered plugin against the configured target store.

Example:
  etl run csv-metadata --mode COMMIT --commit-after 5000 --params tracks.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), args[0], configFile, mode, commitAfter,
				target, runID, paramsFile, setParams)
		},
	}
	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "engine config file (YAML)")
	runCmd.Flags().StringVarP(&mode, "mode", "m", "", "execution mode: DRY_RUN, COMMIT, NON_COMMIT, PREPROCESS")
	runCmd.Flags().IntVar(&commitAfter, "commit-after", 0, "batch threshold for CHUNKED and BATCH plugins")
	runCmd.Flags().StringVarP(&target, "target", "t", "", "logical target name for checkpoint scoping")
	runCmd.Flags().StringVar(&runID, "run-id", "", "run identifier (generated when empty)")
	runCmd.Flags().StringVarP(&paramsFile, "params", "p", "", "plugin parameters file (YAML)")
	runCmd.Flags().StringArrayVar(&setParams, "set", nil, "plugin parameter override key=value, repeatable")
	root.AddCommand(runCmd)

	var (
		pipeConfigFile string
		pipeMode       string
		pipeCommit     int
		pipeTarget     string
		only           []string
		skip           []string
		resumeFrom     string
		planOnly       bool
	)

	pipelineCmd := &cobra.Command{
		Use:   "pipeline <file>",
		Short: "Run a multi-stage pipeline definition",
		Long: `Run the stages of a pipeline definition file in order. Stages act as
barriers; tasks within a stage run sequentially or in parallel as the
definition says.

Example:
  etl pipeline refresh.yaml --mode COMMIT --only staging.tracks`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipelineFile(cmd.Context(), args[0], pipeConfigFile, pipeMode,
				pipeCommit, pipeTarget, only, skip, resumeFrom, planOnly)
		},
	}
	pipelineCmd.Flags().StringVarP(&pipeConfigFile, "config", "c", "", "engine config file (YAML)")
	pipelineCmd.Flags().StringVarP(&pipeMode, "mode", "m", "", "execution mode: DRY_RUN, COMMIT, NON_COMMIT, PREPROCESS")
	pipelineCmd.Flags().IntVar(&pipeCommit, "commit-after", 0, "batch threshold for CHUNKED and BATCH plugins")
	pipelineCmd.Flags().StringVarP(&pipeTarget, "target", "t", "", "logical target name for checkpoint scoping")
	pipelineCmd.Flags().StringArrayVar(&only, "only", nil, "run only this stage or stage.task, repeatable")
	pipelineCmd.Flags().StringArrayVar(&skip, "skip", nil, "skip this stage or stage.task, repeatable")
	pipelineCmd.Flags().StringVar(&resumeFrom, "resume-from", "", "resume at this stage or stage.task")
	pipelineCmd.Flags().BoolVar(&planOnly, "plan", false, "print the run plan and exit")
	root.AddCommand(pipelineCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runPipeline(ctx context.Context, pluginName, configFile, mode string, commitAfter int,
	target, runID, paramsFile string, setParams []string) error {

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if mode != "" {
		m, err := models.ParseMode(mode)
		if err != nil {
			return err
		}
		cfg.Mode = m
	}
	if commitAfter > 0 {
		cfg.CommitAfter = commitAfter
	}
	if target != "" {
		cfg.Target = target
	}

	if err := logger.Init(logger.Config{
		Level:    cfg.LogLevel,
		Encoding: cfg.LogFormat,
	}); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Get()

	params, err := loadParams(paramsFile, setParams)
	if err != nil {
		return err
	}

	// A run that would write needs a store; without one it downgrades to a
	// dry run rather than failing.
	if cfg.Mode.WritesToStore() && cfg.DatabaseURI == "" {
		log.Warn("no database URI configured, downgrading to DRY_RUN",
			zap.String("requested_mode", string(cfg.Mode)))
		cfg.Mode = models.ModeDryRun
	}

	store, err := openCheckpointStore(cfg.CheckpointPath)
	if err != nil {
		return err
	}
	defer store.Close()

	coord, err := openCoordinator(ctx, cfg)
	if err != nil {
		return err
	}
	if coord != nil {
		defer coord.Close(ctx)
	}

	exec := engine.New(registry.Default(), store, coord)
	rep, runErr := exec.Run(ctx, pluginName, engine.Options{
		Mode:        cfg.Mode,
		CommitAfter: cfg.CommitAfter,
		Target:      cfg.Target,
		RunID:       runID,
		Params:      params,
	})

	out, err := rep.JSON()
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return runErr
}

// runPipelineFile plans and runs a pipeline definition.
func runPipelineFile(ctx context.Context, pipelineFile, configFile, mode string, commitAfter int,
	target string, only, skip []string, resumeFrom string, planOnly bool) error {

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if mode != "" {
		m, err := models.ParseMode(mode)
		if err != nil {
			return err
		}
		cfg.Mode = m
	}
	if commitAfter > 0 {
		cfg.CommitAfter = commitAfter
	}
	if target != "" {
		cfg.Target = target
	}

	if err := logger.Init(logger.Config{
		Level:    cfg.LogLevel,
		Encoding: cfg.LogFormat,
	}); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Get()

	def, err := pipeline.LoadConfig(pipelineFile)
	if err != nil {
		return err
	}

	filters := pipeline.Filters{}
	if filters.Only, err = pipeline.ParseSelectors(only); err != nil {
		return err
	}
	if filters.Skip, err = pipeline.ParseSelectors(skip); err != nil {
		return err
	}
	if resumeFrom != "" {
		sel, err := pipeline.ParseSelector(resumeFrom)
		if err != nil {
			return err
		}
		filters.ResumeFrom = &sel
	}

	plan, err := pipeline.Plan(def, filters)
	if err != nil {
		return err
	}
	if planOnly {
		fmt.Print(pipeline.FormatPlan(def.Name, plan))
		return nil
	}

	if cfg.Mode.WritesToStore() && cfg.DatabaseURI == "" {
		log.Warn("no database URI configured, downgrading to DRY_RUN",
			zap.String("requested_mode", string(cfg.Mode)))
		cfg.Mode = models.ModeDryRun
	}

	store, err := openCheckpointStore(cfg.CheckpointPath)
	if err != nil {
		return err
	}
	defer store.Close()

	// Each plugin task gets its own coordinator; see pipeline.CoordinatorFactory.
	var coords pipeline.CoordinatorFactory
	if cfg.Mode.WritesToStore() {
		uri := cfg.DatabaseURI
		coords = func(ctx context.Context) (session.Coordinator, error) {
			return openCoordinatorURI(ctx, uri)
		}
	}

	runner := pipeline.NewRunner(registry.Default(), store, coords)
	res, runErr := runner.Run(ctx, def, plan, pipeline.RunOptions{
		Mode:        cfg.Mode,
		CommitAfter: cfg.CommitAfter,
		Target:      cfg.Target,
	})

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return runErr
}

// loadParams reads the YAML parameters file and applies key=value overrides.
func loadParams(path string, overrides []string) (plugin.Params, error) {
	params := plugin.Params{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read params file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("failed to parse params file %s: %w", path, err)
		}
	}
	for _, kv := range overrides {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --set %q, expected key=value", kv)
		}
		params[key] = value
	}
	return params, nil
}

func openCheckpointStore(path string) (checkpoint.Store, error) {
	if path == "" {
		return checkpoint.NewMemoryStore(), nil
	}
	return checkpoint.NewSQLiteStore(path)
}

// openCoordinator selects the transaction coordinator by URI scheme. Modes
// that never write get no coordinator at all.
func openCoordinator(ctx context.Context, cfg *config.RuntimeConfig) (session.Coordinator, error) {
	if !cfg.Mode.WritesToStore() {
		return nil, nil
	}
	return openCoordinatorURI(ctx, cfg.DatabaseURI)
}

func openCoordinatorURI(ctx context.Context, uri string) (session.Coordinator, error) {
	switch {
	case strings.HasPrefix(uri, "postgres://"),
		strings.HasPrefix(uri, "postgresql://"):
		return session.NewPostgresCoordinator(ctx, uri)
	case strings.HasPrefix(uri, "memory://"):
		return session.NewMemoryCoordinator(), nil
	default:
		return nil, fmt.Errorf("unsupported database URI scheme in %q", uri)
	}
}
