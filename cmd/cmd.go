package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/urfave/cli/v2"

	"github.com/vmbusgo/client/config"
)

const (
	ServiceName      = "vmbusgo"
	ServiceNamespace = "vmbusgo"
)

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

// Run is the process entrypoint: parse flags, load configuration, build
// and start the fx app, and block until SIGINT/SIGTERM.
func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "Guest-side VMBus client harness",
		Commands: []*cli.Command{
			serverCmd(),
		},
	}
	return app.Run(os.Args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Connect to a VMBus host and serve the inspection endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config_file", Usage: "Path to the configuration file"},
			&cli.StringFlag{Name: "transport-addr", Usage: "Address of the synic transport proxy"},
			&cli.BoolFlag{Name: "relay-enabled", Usage: "Publish channel offers to AMQP"},
			&cli.StringFlag{Name: "relay-amqp-url", Usage: "AMQP connection URL for the relay sink"},
			&cli.StringFlag{Name: "inspect-addr", Usage: "Bind address for the inspection server"},
		},
		Action: func(c *cli.Context) error {
			fs := pflag.NewFlagSet(ServiceName, pflag.ContinueOnError)
			v := config.BindFlags(fs)
			if c.IsSet("config_file") {
				v.Set("config", c.String("config_file"))
			}
			if c.IsSet("transport-addr") {
				v.Set("transport.addr", c.String("transport-addr"))
			}
			if c.IsSet("relay-enabled") {
				v.Set("relay.enabled", c.Bool("relay-enabled"))
			}
			if c.IsSet("relay-amqp-url") {
				v.Set("relay.amqp_url", c.String("relay-amqp-url"))
			}
			if c.IsSet("inspect-addr") {
				v.Set("inspect.addr", c.String("inspect-addr"))
			}

			cfg, err := config.Load(v, nil)
			if err != nil {
				return err
			}

			app := NewApp(cfg)
			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("vmbusgo: shutting down")
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return app.Stop(stopCtx)
		},
	}
}
