package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exchange/bridge/internal/config"
	"github.com/exchange/bridge/internal/engine"
	"github.com/exchange/bridge/internal/ledger"
	"github.com/exchange/bridge/internal/liquidity"
	"github.com/exchange/bridge/internal/metrics"
	"github.com/exchange/bridge/internal/publisher"
	"github.com/exchange/bridge/internal/reconcile"
	"github.com/exchange/bridge/internal/repository"
	"github.com/exchange/bridge/internal/settlement"
	"github.com/exchange/bridge/internal/wallet"
	"github.com/exchange/bridge/pkg/health"
	"github.com/exchange/bridge/pkg/logger"
	pkgredis "github.com/exchange/bridge/pkg/redis"
	"github.com/exchange/bridge/pkg/snowflake"
	"github.com/exchange/bridge/pkg/tracing"
)

const (
	engineMaxAge = 10 * time.Second
	writerMaxAge = 5 * time.Second
)

// loopSet 汇总单个后台循环
type loopSet map[string]*health.LoopMonitor

func (s loopSet) Loops() map[string]*health.LoopMonitor { return s }

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("exchange-bridge", os.Stderr).WithError(err).Error("invalid config")
		os.Exit(1)
	}
	log := logger.New(cfg.ServiceName, os.Stdout).WithLevel(cfg.LogLevel)
	log.Infof("starting", map[string]interface{}{"markets": len(cfg.Markets), "addr": cfg.HTTPAddr})

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("exit")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.JaegerEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TraceSampleRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer tcancel()
		_ = shutdownTracing(tctx)
	}()

	ids, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		return err
	}
	m := metrics.NewDefault()

	// 连接数据库
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		return err
	}
	store := repository.New(db)
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	log.Info("connected to postgres")

	// 连接 Redis
	rdb, err := pkgredis.NewClient(ctx, pkgredis.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return err
	}
	defer rdb.Close()
	log.Infof("connected to redis", map[string]interface{}{"addr": cfg.RedisAddr})

	l := ledger.New(log, m)

	writer := repository.NewWriter(store, repository.WriterOptions{
		BatchSize:     cfg.PersistBatchSize,
		FlushInterval: cfg.PersistFlushInterval,
	}, log, m)
	writer.Start()
	l.AddListener(writer)

	if _, _, err := restoreBalances(ctx, store, l, log); err != nil {
		writer.Close()
		return err
	}

	pub := publisher.New(rdb, publisher.Options{
		UserChannel:  cfg.PrivateUserEventChannel,
		TradeChannel: cfg.TradeChannel,
		TradeStream:  cfg.TradeStream,
	}, log, m)
	pub.Start()
	l.AddListener(pub)

	settler := settlement.New(l, cfg.FeeRate, cfg.HouseAccountID, ids, m)
	x := engine.New(cfg.Markets, l, settler, ids, cfg.EngineOptions(), log, m)
	if cfg.LiquidityProvider == config.LiquidityTicker {
		x.SetLiquidity(liquidity.NewTicker(rdb))
	}
	x.AddListener(writer)
	x.AddListener(pub)

	walletSvc := wallet.New(l, ids, wallet.Options{
		Assets:          cfg.Assets,
		WithdrawFeeRate: cfg.WithdrawFeeRate,
		HouseID:         cfg.HouseAccountID,
	}, log)

	job := reconcile.New(l, store, log, m)
	if err := job.Start(ctx, cfg.ReconcileCron); err != nil {
		return err
	}

	h := health.New()
	h.Register(health.NewPostgresChecker(db))
	h.Register(health.NewRedisChecker(rdb))
	h.Register(health.NewLoopChecker("engines", x, engineMaxAge))
	h.Register(health.NewLoopChecker("writer", loopSet{"writer": writer.Loop()}, writerMaxAge))

	srv := &server{
		exchange:      x,
		trades:        store,
		ledger:        l,
		wallet:        walletSvc,
		reconcile:     job,
		health:        h,
		metrics:       m,
		log:           log,
		internalToken: cfg.InternalToken,
		allowReset:    cfg.AllowInternalReset,
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.routes(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("http server listening", map[string]interface{}{"addr": cfg.HTTPAddr})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	h.SetReady(true)

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Infof("shutting down", map[string]interface{}{"signal": sig.String()})
	case err = <-serveErr:
		log.WithError(err).Error("http server failed")
	}

	h.SetReady(false)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	cancel()
	job.Stop()
	x.Stop()
	writer.Close()
	pub.Close()
	log.Info("shutdown complete")
	return err
}
