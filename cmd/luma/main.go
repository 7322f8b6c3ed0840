package main

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"luma/internal/analysis"
	"luma/internal/catalog"
	"luma/internal/config"
	lumaerrors "luma/internal/errors"
	"luma/internal/fatigue"
	"luma/internal/logging"
	"luma/internal/orchestrator"
	"luma/internal/ports"
	"luma/internal/store/memstore"
	"luma/internal/store/sqlite"
)

//go:embed questions.yaml
var starterCatalog []byte

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "luma",
		Short: "Conversational self-assessment sessions",
		Long: "Luma runs adaptive self-assessment conversations: it picks the next\n" +
			"best question each turn, watches for fatigue, and analyzes answers\n" +
			"in the background.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.luma/config.yaml)")

	sessionCmd := &cobra.Command{
		Use:   "session <user-id>",
		Short: "Run an interactive onboarding session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.close()
			return runSession(app, args[0])
		},
	}

	flagCmd := &cobra.Command{
		Use:   "flag <question-id> <reason>",
		Short: "Flag a question for moderation review",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.close()
			if err := app.orch.FlagQuestionForReview(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("question %s flagged\n", args[0])
			return nil
		},
	}

	root.AddCommand(sessionCmd, flagCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles the wired components behind the CLI commands.
type app struct {
	cfg   *config.Config
	orch  *orchestrator.Orchestrator
	close func()
}

func buildApp() (*app, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	logging.SetLevel(parseLevel(cfg.Logging.Level))
	logger := logging.NewComponentLogger("cli")

	cat, err := loadCatalog(cfg, logger)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	analysisSvc := analysis.NewRetryClient(
		&analysis.Heuristic{},
		lumaerrors.RetryConfig{
			MaxAttempts:  cfg.Analysis.MaxRetries,
			BaseDelay:    cfg.Analysis.RetryBaseDelay,
			MaxDelay:     cfg.Analysis.BreakerResetTimeout,
			JitterFactor: 0.25,
		},
		lumaerrors.NewCircuitBreaker("analysis", lumaerrors.CircuitBreakerConfig{
			FailureThreshold: cfg.Analysis.BreakerFailureThreshold,
			SuccessThreshold: 2,
			Timeout:          cfg.Analysis.BreakerResetTimeout,
		}),
	)

	orch := orchestrator.New(orchestrator.Deps{
		Store:     store,
		Catalog:   cat,
		Analysis:  analysisSvc,
		Aggregate: analysis.NewMemoryAggregate(),
		Vector:    analysis.NopVectorIndex{},
		Detector: fatigue.NewWithThresholds(fatigue.Thresholds{
			High:   cfg.Fatigue.HighThreshold,
			Medium: cfg.Fatigue.MediumThreshold,
		}),
		Logger: logging.NewComponentLogger("orchestrator"),
	}, orchestrator.Config{
		HeavyPerSession:    cfg.Session.HeavyPerSession,
		MaxAnalysisRetries: cfg.Analysis.MaxRetries,
	})

	return &app{cfg: cfg, orch: orch, close: closeStore}, nil
}

// loadCatalog reads the configured question catalog, seeding it with the
// embedded starter set on first run.
func loadCatalog(cfg *config.Config, logger logging.Logger) (*catalog.Catalog, error) {
	path := cfg.Catalog.Path
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, starterCatalog, 0o644); err != nil {
			return nil, fmt.Errorf("seed starter catalog: %w", err)
		}
		logger.Info("seeded starter catalog at %s", path)
	}
	return catalog.Load(path, logger)
}

func openStore(cfg *config.Config) (ports.SessionStore, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		return memstore.New(), func() {}, nil
	default:
		store, err := sqlite.New(cfg.Store.Path, logging.NewComponentLogger("store"))
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
}

func parseLevel(level string) logging.Level {
	switch level {
	case "debug":
		return logging.DEBUG
	case "warn":
		return logging.WARN
	case "error":
		return logging.ERROR
	default:
		return logging.INFO
	}
}
