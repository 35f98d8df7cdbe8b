package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/username/no-hidden-extensions/internal/config"
	"github.com/username/no-hidden-extensions/internal/daemon"
	"github.com/username/no-hidden-extensions/internal/flagstore"
	"github.com/username/no-hidden-extensions/internal/shell"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	configPath     string
	startMinimized bool
	noTray         bool
	cfg            *config.Config
	logger         *zap.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "no-hidden-extensions",
		Short: "Keep file extensions visible in Windows Explorer",
		Long: "Watches the Explorer setting that hides file extensions, warns when it gets enabled " +
			"and offers to turn it off again and restart Explorer",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				initLogger("info")
				return err
			}
			if startMinimized {
				cfg.Tray.StartMinimized = true
			}
			if noTray {
				cfg.Tray.Enabled = false
			}

			logFile := cfg.Logging.File
			// A tray process has no console to write to
			if logFile == "" && cmd.Parent() == nil && cfg.Tray.Enabled {
				logFile = config.DefaultLogFile()
			}
			if logFile == "" {
				initLogger(cfg.Logging.Level)
				return nil
			}
			logger, err = initFileLogger(logFile, cfg.Logging.Level)
			if err != nil {
				initLogger(cfg.Logging.Level) // Fallback to console
				logger.Warn("Failed to open log file, logging to console",
					zap.String("file", logFile),
					zap.Error(err))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (default: search working and user config directories)")
	rootCmd.Flags().BoolVar(&startMinimized, "start-minimized", false, "Do not announce the state on start when extensions are already shown")
	rootCmd.Flags().BoolVar(&noTray, "no-tray", false, "Run in the console without a tray icon")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(fixCmd())
	rootCmd.AddCommand(startupCmd())

	err := rootCmd.Execute()
	if logger != nil {
		_ = logger.Sync()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runMonitor() error {
	store, err := openStore()
	if err != nil {
		return err
	}

	logger.Info("Starting monitor",
		zap.String("backend", cfg.Monitor.Backend),
		zap.Bool("tray", cfg.Tray.Enabled),
		zap.Bool("start_minimized", cfg.Tray.StartMinimized))

	d := daemon.NewDaemon(cfg, store, shell.NewController(logger.Named("shell")), logger)
	if err := d.Start(); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			logger.Info("Monitor is already running, exiting")
			return nil
		}
		return fmt.Errorf("monitor failed: %w", err)
	}
	return nil
}

func openStore() (flagstore.Store, error) {
	store, err := flagstore.Open(flagstore.Options{
		Backend:     cfg.Monitor.Backend,
		RegistryKey: cfg.Monitor.RegistryKey,
		ValueName:   cfg.Monitor.ValueName,
		FilePath:    cfg.Monitor.FilePath,
	}, logger.Named("flagstore"))
	if err != nil {
		return nil, fmt.Errorf("failed to open flag store: %w", err)
	}
	return store, nil
}

func initLogger(level string) {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.Level = zap.NewAtomicLevelAt(parseLevel(level))

	var err error
	logger, err = config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
}

func initFileLogger(logFile string, level string) (*zap.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Setup lumberjack for log rotation
	logWriter := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(logWriter),
		parseLevel(level),
	)

	return zap.New(core), nil
}

func parseLevel(level string) zapcore.Level {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel
	}
	return zapLevel
}
