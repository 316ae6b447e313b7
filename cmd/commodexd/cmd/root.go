// Package cmd hosts the commodexd command tree.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/openalpha/commodex/api"
	"github.com/openalpha/commodex/cache"
	"github.com/openalpha/commodex/config"
	"github.com/openalpha/commodex/matching"
	"github.com/openalpha/commodex/notify"
	"github.com/openalpha/commodex/orderbook"
	"github.com/openalpha/commodex/sessions"
	"github.com/openalpha/commodex/store"
)

// NewRootCmd builds the commodexd command tree.
func NewRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "commodexd",
		Short: "Commodity contract trading venue daemon",
		Long: `commodexd runs the order book service, matching engine, session fan-out
hub and HTTP API as a single process backed by SQLite.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the trading venue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
	root.AddCommand(serve)

	return root
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func runServe(cfg *config.Config) error {
	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	st, err := store.Open(cfg.Store.Path, log.Named("store"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	mc := cache.New(log.Named("cache"))
	defer mc.Bus().Close()

	books := orderbook.NewService(st, mc, orderbook.Config{
		MaxOrdersPerUser: cfg.Orders.MaxPerUser,
		OrderExpiry:      cfg.Orders.Expiry,
	}, log.Named("orderbook"))

	var sink notify.Sink = notify.LogSink{Log: log.Named("notify")}
	var natsSink *notify.NATSSink
	if cfg.NATS.Enabled {
		natsSink, err = notify.NewNATSSink(cfg.NATS.URL, cfg.NATS.Prefix, log.Named("nats"))
		if err != nil {
			return fmt.Errorf("messaging sink: %w", err)
		}
		defer natsSink.Close()
		sink = natsSink
	}

	engine := matching.New(st, mc, books, sink, matching.Config{
		Interval:            cfg.Matching.Interval,
		PassBudget:          cfg.Matching.PassBudget,
		CommissionRate:      decimal.NewFromFloat(cfg.Matching.CommissionRate),
		ConfirmDeadline:     cfg.Matching.ConfirmDeadline,
		NegotiationDeadline: cfg.Matching.NegotiationDeadline,
		SpreadAlertCap:      decimal.NewFromFloat(cfg.Matching.SpreadAlertCap),
		MirrorTTL:           cfg.Matching.MirrorTTL,
		SinkTimeout:         cfg.Matching.SinkTimeout,
	}, log.Named("matching"))
	books.SetMatcher(engine)

	hub := sessions.NewHub(st, mc, engine, log.Named("sessions"))

	server := api.NewServer(api.Config{
		Addr:         cfg.API.Addr,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}, st, books, engine, hub, log.Named("api"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go engine.Run(ctx)
	go hub.Run(ctx)

	if natsSink != nil {
		sub, err := natsSink.SubscribeInbound(func(from, text string) {
			if err := engine.HandleInboundText(context.Background(), from, text); err != nil {
				log.Debug("inbound reply discarded",
					zap.String("from", from),
					zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("inbound messaging: %w", err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown failed", zap.Error(err))
	}

	cancel()
	engine.Stop()
	log.Info("server exited")
	return nil
}
