package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/speech-bridge/internal/config"
	"github.com/loqalabs/speech-bridge/internal/runtime"
	"gopkg.in/yaml.v3"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		logLevel    string
		checkOnly   bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "speech-bridge.yaml", "Path to configuration file")
	flag.StringVar(&logLevel, "log-level", "", "Override telemetry.log_level (debug, info, warn, error)")
	flag.BoolVar(&checkOnly, "check", false, "Validate the configuration, print the effective settings and exit")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if logLevel != "" {
		cfg.Telemetry.LogLevel = logLevel
	}

	if checkOnly {
		if err := yaml.NewEncoder(os.Stdout).Encode(redacted(cfg)); err != nil {
			fmt.Fprintf(os.Stderr, "print config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	level, err := parseLevel(cfg.Telemetry.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v, using info\n", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With(slog.String("node_id", cfg.Node.ID), slog.String("version", version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runtime.New(cfg, logger).Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func redacted(cfg config.Config) config.Config {
	if cfg.Bus.Password != "" {
		cfg.Bus.Password = "REDACTED"
	}
	if cfg.Bus.Token != "" {
		cfg.Bus.Token = "REDACTED"
	}
	return cfg
}

// parseLevel accepts slog level names such as "debug" or "WARN+2". Empty means
// info.
func parseLevel(name string) (slog.Level, error) {
	if name == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", name)
	}
	return level, nil
}
