package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"omnicontact/internal/bus"
	"omnicontact/internal/channel"
	"omnicontact/internal/config"
	"omnicontact/internal/domain"
	"omnicontact/internal/relay"
	"omnicontact/internal/retry"
	"omnicontact/internal/server"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	busBufferSize     = 256
	senderMaxAttempts = 3
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server (relay, webhooks, APIs)",
		Long:  "Serves the voice relay WebSocket, the SMS/WhatsApp/email webhooks and the knowledge and conversation APIs. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.withModel(); err != nil {
		return err
	}
	warnEphemeralIndex(cfg)

	messageBus := bus.New(busBufferSize, logger)
	defer messageBus.Close()

	router := channel.NewRouter(channel.RouterConfig{
		Bus:   messageBus,
		Agent: a.service,
		Policy: retry.Policy{
			MaxAttempts: senderMaxAttempts,
			Backoff:     retry.Exponential(500*time.Millisecond, 5*time.Second),
			Logger:      logger,
		},
		Logger: logger,
	})
	webhooks := buildChannels(ctx, cfg, messageBus, router, a)

	registry := relay.NewRegistry(logger)
	relayHandler := relay.NewHandler(relay.HandlerConfig{
		Agent:          a.service,
		Registry:       registry,
		DefaultTenant:  cfg.General.DefaultTenant,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Metrics:        a.metrics,
		Logger:         logger,
	})

	srvCfg := server.Config{
		Addr:           cfg.Server.Addr(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Conversations:  a.service,
		Knowledge:      a.pipeline,
		Indexer:        a.indexer,
		Scheduler:      a.store,
		Relay:          relayHandler,
		Webhooks:       webhooks,
		Logger:         logger,
	}
	if a.metrics != nil {
		srvCfg.Metrics = a.metrics
		srvCfg.MetricsPath = cfg.Metrics.Endpoint
	}
	srv := server.New(srvCfg)

	dispatcher := bus.NewDispatcher(bus.DispatcherConfig{
		Bus:         messageBus,
		Handler:     router.Handle,
		Concurrency: cfg.General.MaxConcurrentMessages,
		Logger:      logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })

	logger.Info("omnicontact started. Press Ctrl+C to stop.", "version", version, "addr", cfg.Server.Addr())

	<-gctx.Done()
	logger.Info("shutting down...")
	registry.CloseAll("server_shutdown")

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// buildChannels creates the enabled text channels, attaches their senders to
// the router and returns them for webhook mounting.
func buildChannels(ctx context.Context, cfg *config.Config, b domain.MessageBus, router *channel.Router, a *app) []server.Routes {
	var routes []server.Routes
	cc := cfg.Channels
	tenant := cfg.General.DefaultTenant

	if cc.SMS.Enabled {
		sms := channel.NewSMS(channel.SMSChannelConfig{
			Config:        cc.SMS,
			PublicURL:     cfg.Server.PublicURL,
			DefaultTenant: tenant,
			Bus:           b,
			Logger:        logger,
		})
		if cfg.Server.PublicURL == "" {
			logger.Warn("server.publicUrl is empty; SMS webhook signatures are not verified")
		}
		router.Attach(ctx, sms)
		routes = append(routes, sms)
		logger.Info("sms channel enabled")
	}
	if cc.WhatsApp.Enabled {
		wa := channel.NewWhatsApp(channel.WhatsAppChannelConfig{
			Config:        cc.WhatsApp,
			DefaultTenant: tenant,
			Bus:           b,
			Logger:        logger,
		})
		router.Attach(ctx, wa)
		routes = append(routes, wa)
		logger.Info("whatsapp channel enabled")
	}
	if cc.Email.Enabled {
		email := channel.NewEmail(channel.EmailChannelConfig{
			Config:        cc.Email,
			SenderName:    a.agents.Lookup(tenant).WithDefaults().CompanyName,
			DefaultTenant: tenant,
			Bus:           b,
			Logger:        logger,
		})
		router.Attach(ctx, email)
		routes = append(routes, email)
		logger.Info("email channel enabled")
	}
	return routes
}
