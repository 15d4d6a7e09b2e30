package main

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/trellis/internal/logger"
	"github.com/samcharles93/trellis/pkg/lm"
)

var (
	modelPath  string
	modelsPath string
	threads    int64
	sosID      int64
	eosID      int64
	logLevel   string
	logFormat  string
	debug      bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to .tmf file",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "models-path",
			Aliases:     []string{"path"},
			Usage:       "path to directory containing .tmf models",
			Destination: &modelsPath,
		},
		&cli.Int64Flag{
			Name:        "threads",
			Aliases:     []string{"j"},
			Usage:       "matvec worker threads (1 = single-threaded)",
			Value:       1,
			Destination: &threads,
		},
		&cli.Int64Flag{
			Name:        "sos",
			Usage:       "override the artifact's start-of-sequence token id",
			Value:       -1,
			Destination: &sosID,
		},
		&cli.Int64Flag{
			Name:        "eos",
			Usage:       "override the artifact's end-of-sequence token id",
			Value:       -1,
			Destination: &eosID,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func newLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	switch logFormat {
	case "json":
		return logger.JSON(os.Stderr, level)
	case "text":
		return logger.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	default:
		return logger.Pretty(os.Stderr, level)
	}
}

// loadConfig builds the scorer load configuration from the shared flags.
func loadConfig() lm.Config {
	cfg := lm.DefaultConfig()
	cfg.Threads = int(threads)
	cfg.SOS = int(sosID)
	cfg.EOS = int(eosID)
	return cfg
}
