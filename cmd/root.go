// Package cmd provides the relaunch command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/adalundhe/relaunch/core/config"
	rerrors "github.com/adalundhe/relaunch/core/errors"
	"github.com/adalundhe/relaunch/core/evaluator"
	"github.com/adalundhe/relaunch/core/journal"
	"github.com/adalundhe/relaunch/core/process"
	"github.com/adalundhe/relaunch/core/refresh"
	"github.com/adalundhe/relaunch/core/report"
	"github.com/adalundhe/relaunch/core/signal"
	"github.com/adalundhe/relaunch/core/statics"
	"github.com/adalundhe/relaunch/core/storage"
	"github.com/adalundhe/relaunch/core/supervisor"
	"github.com/adalundhe/relaunch/core/watcher"
)

// =============================================================================
// Root Command Flags
// =============================================================================

var (
	rootProject    string
	rootConfigFile string
	rootVerbose    bool
	rootJSONLog    bool

	runTarget       string
	runNoRefresh    bool
	runNoHistory    bool
	runNoGitignore  bool
	runDebounce     time.Duration
	runContentRoots []string
	runExclude      []string
	runBuildFlags   []string
	runFullEval     bool
)

var rootCmd = &cobra.Command{
	Use:   "relaunch [flags] [-- app args]",
	Short: "Rebuild and relaunch a Go application when its files change",
	Long: `relaunch runs a Go program with "go run", watches every file the program
is built from, and restarts it when one of them changes. Files under a
content root (CSS, JS, templates served from disk) are pushed to connected
browsers without a restart.

Examples:
  relaunch                                  # run the package in the current directory
  relaunch -t ./cmd/server -- --port 8080   # run a sub-package with arguments
  relaunch --content-root web/static        # hot reload assets under web/static
  relaunch history                          # list recent runs`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRelaunch,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootProject, "project", "p", ".", "Project directory")
	rootCmd.PersistentFlags().StringVar(&rootConfigFile, "config", "", "Additional YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&rootVerbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&rootJSONLog, "json-log", false, "Log as JSON")

	rootCmd.Flags().StringVarP(&runTarget, "target", "t", "", "Package to run (default \".\")")
	rootCmd.Flags().BoolVar(&runNoRefresh, "no-refresh", false, "Disable the browser refresh server")
	rootCmd.Flags().BoolVar(&runNoHistory, "no-history", false, "Do not record runs in the journal")
	rootCmd.Flags().BoolVar(&runNoGitignore, "no-gitignore", false, "Watch directories ignored by .gitignore")
	rootCmd.Flags().DurationVar(&runDebounce, "debounce", 0, "Quiet period before a change is reported (default 100ms)")
	rootCmd.Flags().StringSliceVar(&runContentRoots, "content-root", nil, "Directories of assets to hot reload")
	rootCmd.Flags().StringSliceVarP(&runExclude, "exclude", "E", nil, "Glob patterns of paths to ignore")
	rootCmd.Flags().StringSliceVar(&runBuildFlags, "build-flag", nil, "Flags passed to go run (e.g. '-tags=dev')")
	rootCmd.Flags().BoolVar(&runFullEval, "full-eval", false, "Re-evaluate the project on every restart")
}

// Execute runs the root command. Errors already reported by the supervisor
// are not printed again.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		if _, reported := rerrors.KindOf(err); !reported {
			fmt.Fprintf(os.Stderr, "%sError:%s %v\n", colorRed, colorReset, err)
		}
	}
	return err
}

// =============================================================================
// Configuration
// =============================================================================

// loadConfig resolves the project root and loads the layered configuration
// with flags applied last.
func loadConfig(dirs *storage.Dirs, args []string) (*config.Config, error) {
	projectRoot, err := filepath.Abs(rootProject)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project: %w", err)
	}
	info, err := os.Stat(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", projectRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project %s is not a directory", projectRoot)
	}

	var overrides []*config.Config
	if rootConfigFile != "" {
		fileCfg, err := readConfigFile(rootConfigFile)
		if err != nil {
			return nil, err
		}
		overrides = append(overrides, fileCfg)
	}
	overrides = append(overrides, flagOverrides(args))

	cfg, err := config.NewManager(dirs, projectRoot).Load(overrides...)
	if err != nil {
		return nil, err
	}

	// Flags that turn things off cannot be expressed as merge overrides.
	if runNoRefresh {
		cfg.Refresh.Enabled = false
	}
	if runNoHistory {
		cfg.History.Enabled = false
	}
	if runNoGitignore {
		cfg.Watch.UseGitignore = false
	}
	return cfg, nil
}

func readConfigFile(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg config.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &cfg, nil
}

func flagOverrides(args []string) *config.Config {
	return &config.Config{
		Target:                 runTarget,
		BuildFlags:             runBuildFlags,
		AppArgs:                args,
		ContentRoots:           runContentRoots,
		SuppressIncrementalism: runFullEval,
		Watch: config.WatchConfig{
			Debounce: runDebounce,
			Exclude:  runExclude,
		},
		Log: config.LogConfig{
			Verbose: rootVerbose,
			JSON:    rootJSONLog,
		},
	}
}

// =============================================================================
// Run
// =============================================================================

func runRelaunch(cmd *cobra.Command, args []string) error {
	dirs := storage.ResolveDirs()
	cfg, err := loadConfig(dirs, args)
	if err != nil {
		return err
	}

	logger := report.NewLogger(cmd.ErrOrStderr(), report.LoggerOptions{
		Verbose: cfg.Log.Verbose,
		JSON:    cfg.Log.JSON,
	})
	reporter := report.NewSlogReporter(logger, cmd.OutOrStdout())

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	runner := process.NewRunner(process.Config{
		KillSequence: process.KillSequenceConfig{
			SIGINTGrace:  cfg.Process.SIGINTGrace,
			SIGTERMGrace: cfg.Process.SIGTERMGrace,
		},
		Reporter: reporter,
	})

	shutdown := signal.NewShutdownHandler(cancel, func() { runner.KillAll() }, reporter)
	shutdown.Start()
	defer shutdown.Stop()

	opts := supervisor.Options{
		Evaluator: evaluator.New(evaluator.Options{
			Resolver: evaluator.NewGoResolver(evaluator.GoResolverConfig{
				ProjectDir:   cfg.Project,
				Target:       cfg.Target,
				BuildFlags:   cfg.BuildFlags,
				AppArgs:      cfg.AppArgs,
				ContentRoots: cfg.ContentRoots,
				GoBinary:     cfg.Process.GoBinary,
			}),
			SuppressIncrementalism: cfg.SuppressIncrementalism,
			Reporter:               reporter,
		}),
		Runner:     runner,
		NewWatcher: newWatcherFactory(cfg, reporter),
		Reporter:   reporter,
	}

	var transport statics.Transport
	if cfg.Refresh.Enabled {
		connector := refresh.NewConnector(cfg.Refresh.Addr, reporter)
		defer connector.Close(context.Background())
		opts.Refresh = connector
		transport = connector
	}
	opts.Statics = statics.NewHandler(transport, reporter)

	if cfg.History.Enabled {
		j, err := journal.Open(journal.Config{DBPath: cfg.JournalPath(dirs)})
		if err != nil {
			report.Warn(reporter, "run history disabled: "+err.Error())
		} else {
			defer j.Close()
			opts.Journal = j
		}
	}

	sup, err := supervisor.New(opts)
	if err != nil {
		return err
	}
	return sup.Run(ctx)
}

func newWatcherFactory(cfg *config.Config, reporter report.Reporter) supervisor.WatcherFactory {
	return func() (supervisor.ChangeWatcher, error) {
		w, err := watcher.New(watcher.Config{
			Debounce:        cfg.Watch.Debounce,
			ExcludePatterns: cfg.Watch.Exclude,
			UseGitignore:    cfg.Watch.UseGitignore,
			Reporter:        reporter,
		})
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}
