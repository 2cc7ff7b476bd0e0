package cmd

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/fx"

	"github.com/vmbusgo/client/config"
	"github.com/vmbusgo/client/internal/inspect"
	"github.com/vmbusgo/client/internal/relay"
	"github.com/vmbusgo/client/internal/vmbus/client"
	"github.com/vmbusgo/client/internal/vmbus/protocol"
	"github.com/vmbusgo/client/internal/vmbus/transport"
)

// NewApp wires the harness: dial the synic transport, build the
// notification sinks config calls for, construct the Client, and start the
// inspection HTTP server — all under one fx.App so Start/Stop order follows
// fx's dependency graph instead of ad hoc sequencing.
func NewApp(cfg config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() config.Config { return cfg },
			provideLogger,
			provideTransport,
			provideNameCache,
			provideInspectServer,
			provideNotificationSink,
			provideClient,
		),
		fx.Invoke(registerClientLifecycle, registerInspectServer),
	)
}

func provideLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

type transportPair struct {
	fx.Out
	Client *transport.Client
	Source *transport.MessageSource
}

func provideTransport(lc fx.Lifecycle, cfg config.Config, logger *slog.Logger) (transportPair, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t, err := transport.Dial(ctx, transport.Config{Addr: cfg.Transport.Addr}, logger)
	if err != nil {
		return transportPair{}, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", cfg.Transport.Addr)
	if err != nil {
		return transportPair{}, err
	}
	source := transport.NewMessageSource(conn)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return t.Close()
		},
	})
	return transportPair{Client: t, Source: source}, nil
}

func provideNotificationSink(cfg config.Config, logger *slog.Logger, inspectServer *inspect.Server) (client.NotificationSink, error) {
	sinks := []client.NotificationSink{inspectServer}
	if cfg.Relay.Enabled {
		publisher, err := relay.NewAMQPPublisher(relay.AMQPConfig{URL: cfg.Relay.AMQPURL, Exchange: cfg.Relay.Exchange}, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, relay.NewSink(publisher, cfg.Relay.Exchange, logger))
	}
	return client.FanoutSink{Sinks: sinks}, nil
}

func provideNameCache() (*inspect.NameCache, error) {
	return inspect.NewNameCache(256)
}

func provideInspectServer(logger *slog.Logger, names *inspect.NameCache) *inspect.Server {
	return inspect.NewServer(logger, names)
}

func provideClient(t *transport.Client, src *transport.MessageSource, sink client.NotificationSink, logger *slog.Logger) *client.Client {
	return client.New(t, src, client.WithLogger(logger), client.WithNotificationSink(sink))
}

// registerClientLifecycle starts the engine's event loop on fx start, asks
// the host to negotiate a connection and deliver offers, and quiesces the
// engine on fx stop.
func registerClientLifecycle(lc fx.Lifecycle, c *client.Client, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			c.Start(ctx)
			params := client.ConnectParams{
				TargetInfo: protocol.NewTargetInfo(protocol.DefaultSINT, protocol.DefaultVTL, protocol.FeatureFlagsAll),
			}
			if _, err := c.Connect(ctx, params); err != nil {
				return err
			}
			offers, err := c.RequestOffers(ctx)
			if err != nil {
				return err
			}
			logger.Info("vmbus: initial offers delivered", "count", len(offers))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			c.Stop(ctx)
			return nil
		},
	})
}

func registerInspectServer(lc fx.Lifecycle, cfg config.Config, logger *slog.Logger, inspectServer *inspect.Server) {
	if !cfg.Inspect.Enabled {
		return
	}
	srv := &http.Server{Addr: cfg.Inspect.Addr, Handler: inspectServer.Router()}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", cfg.Inspect.Addr)
			if err != nil {
				return err
			}
			go func() {
				if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("inspect: server exited", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
