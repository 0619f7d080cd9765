package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/rollcall/internal/capture"
	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/andresmejia3/rollcall/internal/worker"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Options holds shared configuration for capture and stream commands
type Options struct {
	SessionID  string
	OperatorID string
	SourceURL  string
	Threshold  float64
	LateMins   int
	CapturedAt string
}

var (
	// DB is the global database connection shared by subcommands
	DB *store.Store
	// Cfg is the loaded configuration
	Cfg *config.Config
	// Log is the structured logger shared by subcommands
	Log *zap.Logger

	dbURL      string
	configPath string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "rollcall",
	Short:   "Face-recognition attendance capture",
	Version: Version, // This enables the --version flag
	// Errors are reported once, by Execute.
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if dbURL != "" {
			Cfg.Database.URL = dbURL
		}

		Log, err = newLogger(Cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), Cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
		if Log != nil {
			_ = Log.Sync()
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		utils.ShowError(rootCmd.Name()+" failed", err, nil)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: $DATABASE_URL or postgres://localhost:5432/rollcall)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Optional YAML configuration file")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	if cfg.Format == "json" {
		zcfg = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level
	return zcfg.Build()
}

// newEncoder builds the configured face encoder and the model name stored with templates.
func newEncoder(cfg config.WorkerConfig, log *zap.Logger) (capture.Encoder, io.Closer, string, error) {
	switch cfg.Encoder {
	case "goface":
		enc, err := worker.NewGoFaceEncoder(cfg.Models, log)
		if err != nil {
			return nil, nil, "", err
		}
		return enc, enc, "dlib_resnet_v1", nil
	default:
		enc := worker.NewEncoder(cfg.Python, cfg.Script, cfg.Timeout, log)
		return enc, enc, "face_recognition", nil
	}
}
