// Package main is the stroker daemon and its command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.strokeengine.dev/stroker/command"
	"go.strokeengine.dev/stroker/components/actuator"
	_ "go.strokeengine.dev/stroker/components/actuator/register"
	"go.strokeengine.dev/stroker/components/faultline"
	"go.strokeengine.dev/stroker/config"
	"go.strokeengine.dev/stroker/engine"
	"go.strokeengine.dev/stroker/logging"
	"go.strokeengine.dev/stroker/serial"
	"go.strokeengine.dev/stroker/web/server"
)

const (
	flagConfig = "config"
	flagDebug  = "debug"

	shutdownTimeout = 5 * time.Second
)

func main() {
	logger := logging.NewLogger("stroker")

	app := &cli.App{
		Name:  "stroker",
		Usage: "drive a linear actuator through stroke patterns",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
				Value:   "stroker.json5",
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			config.InitLoggingSettings(logger, c.Bool(flagDebug))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run the engine and serve the remote control transports",
				Action: func(c *cli.Context) error { return runAction(c, logger) },
			},
			{
				Name:  "validate",
				Usage: "check a configuration file without touching the hardware",
				Action: func(c *cli.Context) error {
					cfg, err := config.Read(c.Context, c.String(flagConfig), logger)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "%s: ok (driver %q)\n", c.String(flagConfig), cfg.Driver.Model)
					return nil
				},
			},
			{
				Name:  "models",
				Usage: "list the registered actuator drivers",
				Action: func(c *cli.Context) error {
					for _, model := range actuator.RegisteredModels() {
						fmt.Fprintln(c.App.Writer, model)
					}
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}

func runAction(c *cli.Context, logger logging.Logger) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Read(ctx, c.String(flagConfig), logger)
	if err != nil {
		return err
	}
	if err := applyLogSettings(cfg, logger); err != nil {
		return err
	}

	var closers []func(context.Context) error
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var err error
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Combine(err, closers[i](closeCtx))
		}
		if err != nil {
			logger.Errorw("error shutting down", "error", err)
		}
	}()

	if cfg.LogFile != nil {
		fileAppender := logging.NewFileAppender(*cfg.LogFile)
		logger.AddAppender(fileAppender)
		closers = append(closers, func(context.Context) error {
			return multierr.Combine(logger.Sync(), fileAppender.Close())
		})
	}

	driver, err := actuator.NewDriver(ctx, cfg.Driver, cfg.Machine, logger)
	if err != nil {
		return err
	}
	closers = append(closers, driver.Close)

	opts, err := cfg.EngineOptions()
	if err != nil {
		return err
	}
	e, err := engine.New(driver, opts, logger.Sublogger("engine"))
	if err != nil {
		return err
	}
	closers = append(closers, e.Close)

	if cfg.FaultPin != "" {
		line, err := faultline.Open(cfg.FaultPin, !cfg.FaultActiveHigh, func(err error) {
			logger.Errorw("fault line tripped", "pin", cfg.FaultPin, "error", err)
			e.MotorFault()
		}, logger.Sublogger("faultline"))
		if err != nil {
			return err
		}
		closers = append(closers, func(context.Context) error {
			line.Close()
			return nil
		})
	}

	dispatcher := command.NewDispatcher(e, logger.Sublogger("command"))
	closers = append(closers, func(context.Context) error {
		dispatcher.Close()
		return nil
	})

	if cfg.Network != nil {
		srv := server.New(e, dispatcher, logger.Sublogger("web"))
		if err := srv.Start(cfg.Network.Listen); err != nil {
			return err
		}
		dispatcher.AddPublisher(srv)
		closers = append(closers, srv.Close)
	}

	if cfg.Serial != nil {
		port, err := serial.Open(cfg.Serial.Port, serial.Options{BaudRate: cfg.Serial.Baud})
		if err != nil {
			return errors.Wrapf(err, "opening serial port %s", cfg.Serial.Port)
		}
		transport := serial.NewTransport(port, dispatcher, logger.Sublogger("serial"))
		dispatcher.AddPublisher(transport)
		closers = append(closers, func(context.Context) error {
			return transport.Close()
		})
	}

	if err := dispatcher.PublishCatalog(); err != nil {
		logger.Warnw("failed to publish pattern list", "error", err)
	}
	logger.Infow("stroker ready", "driver", cfg.Driver.Model, "state", e.State().String())

	watcher, err := config.NewWatcher(cfg.ConfigFilePath, logger.Sublogger("config"))
	if err != nil {
		return err
	}
	closers = append(closers, func(context.Context) error {
		return watcher.Close()
	})

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case newCfg := <-watcher.Config():
			// Only logging follows the file; hardware and motion settings need a restart.
			if err := applyLogSettings(newCfg, logger); err != nil {
				logger.Warnw("failed to apply log settings", "error", err)
			}
		}
	}
}

// applyLogSettings sets the debug flag and per logger levels from cfg.
func applyLogSettings(cfg *config.Config, logger logging.Logger) error {
	config.UpdateFileConfigDebug(cfg.Debug)
	return logging.UpdateLoggerLevels(cfg.LogConfig, logger)
}
