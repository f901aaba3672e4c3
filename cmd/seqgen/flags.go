package main

import "github.com/urfave/cli/v3"

var (
	modelPath   string
	backendName string
	deviceName  string
	precision   string
	logLevel    string
	logFormat   string
	debug       bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to a model config (.yaml, .toml or .json)",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "registered backend to run (overrides the config)",
			Destination: &backendName,
		},
		&cli.StringFlag{
			Name:        "device",
			Usage:       "device kind (auto, host, accelerator)",
			Destination: &deviceName,
		},
		&cli.StringFlag{
			Name:        "precision",
			Usage:       "backend output precision (fp16, fp32)",
			Destination: &precision,
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
