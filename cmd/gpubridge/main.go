package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/axonlabs/gpu-bridge/internal/config"
	"github.com/axonlabs/gpu-bridge/internal/logger"
)

func main() {
	var configPath string
	var cfg *config.Config
	var rootLogger *zap.Logger

	app := &cli.App{
		Name:  "gpubridge",
		Usage: "GPU execution bridge: device inventory, session contexts and GPU-language functions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Value:       "config.yaml",
				Usage:       "Path to the gpubridge config file",
				EnvVars:     []string{"GPUBRIDGE_CONFIG"},
				Destination: &configPath,
			},
		},
		Before: func(c *cli.Context) error {
			var err error
			cfg, err = config.LoadConfig(configPath)
			if os.IsNotExist(err) {
				cfg = config.Default()
				err = cfg.Validate()
			}
			if err != nil {
				return err
			}
			zapLogger, err := logger.New(cfg.Logger.Verbosity)
			if err != nil {
				return err
			}
			rootLogger = zapLogger.Named("gpubridge")
			return nil
		},
		Commands: []*cli.Command{
			startCommand(&cfg, &rootLogger),
			devinfoCommand(&cfg, &rootLogger),
		},
	}

	if err := app.Run(os.Args); err != nil {
		if rootLogger != nil {
			rootLogger.Fatal("failed to run app", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}
