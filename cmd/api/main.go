package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"repaircoin/internal/balance"
	"repaircoin/internal/chain"
	"repaircoin/internal/config"
	"repaircoin/internal/db"
	"repaircoin/internal/gateway"
	internalhttp "repaircoin/internal/http"
	"repaircoin/internal/notify"
	"repaircoin/internal/reconcile"
	"repaircoin/internal/redemption"
	"repaircoin/internal/settlement"
	"repaircoin/internal/store"
	"repaircoin/internal/worker"

	"github.com/rs/zerolog"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer pool.Close()

	st := store.New(pool)
	calc := balance.Calculator{Ledger: st}
	verifier := redemption.Verifier{
		Balances:         calc,
		CrossShopPercent: cfg.Redemption.CrossShopPercent,
	}

	var chainClient settlement.ChainClient
	if cfg.Chain.Enabled {
		mc, err := chain.NewMultiRPCClient(cfg.Chain.RPCEndpoints, cfg.Chain.FailoverThreshold)
		if err != nil {
			log.Fatal().Err(err).Msg("chain client init failed")
		}
		chainClient = mc
	}
	settler := &settlement.Settler{
		Chain:   chainClient,
		Sink:    chain.SinkDeriver{XPub: cfg.Chain.SinkXPub, Prefix: cfg.Chain.Bech32Prefix},
		Ledger:  st,
		Enabled: cfg.Chain.Enabled,
		Log:     log,
	}

	hub := notify.NewHub(log)
	sessions := &redemption.Manager{
		Sessions:  st,
		Customers: st,
		Shops:     st,
		Verifier:  verifier,
		Settler:   settler,
		Notifier:  hub,
		TTL:       time.Duration(cfg.Sessions.TTLMinutes) * time.Minute,
		Log:       log,
	}

	gw := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey,
		time.Duration(cfg.Gateway.TimeoutSeconds)*time.Second)
	reconciler := &reconcile.Reconciler{
		Gateway: gw,
		BeginBatch: func(ctx context.Context, olderThan time.Time) (reconcile.Batch, error) {
			return st.BeginReconcileBatch(ctx, olderThan)
		},
		StaleAfter: time.Duration(cfg.Reconcile.StaleMinutes) * time.Minute,
		Log:        log,
	}

	bg := &worker.Worker{
		Sessions:          sessions,
		Reconciler:        reconciler,
		SweepInterval:     time.Duration(cfg.Sessions.SweepSeconds) * time.Second,
		ReconcileInterval: time.Duration(cfg.Reconcile.IntervalMinutes) * time.Minute,
		Log:               log,
	}
	go bg.Run(ctx)

	h := internalhttp.NewHandler(sessions, verifier, calc, reconciler, hub, cfg.Chain.Bech32Prefix)
	srv := internalhttp.NewServer(h)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Router,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(ctxShutdown)
}
