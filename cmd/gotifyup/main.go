// gotifyupのエントリポイント。
// Gotifyサーバーに届いたメッセージをUnifiedPushのDistributorとして
// D-Busセッションバス上のアプリケーションへ中継する。
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/gotifyup/internal/admin"
	"github.com/nao1215/gotifyup/internal/bus"
	"github.com/nao1215/gotifyup/internal/config"
	"github.com/nao1215/gotifyup/internal/metrics"
	"github.com/nao1215/gotifyup/internal/reconcile"
	"github.com/nao1215/gotifyup/internal/registration"
	"github.com/nao1215/gotifyup/internal/relay"
	"github.com/nao1215/gotifyup/internal/store"
	"github.com/nao1215/gotifyup/internal/upstream"
	"github.com/nao1215/gotifyup/pkg/middleware"
)

const version = "0.1.0"

const (
	flagConfig    = "config"
	flagLogLevel  = "log-level"
	flagLogFormat = "log-format"
	flagSubject   = "subject"
	flagTTL       = "ttl"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "gotifyup",
		Usage:   "Gotifyを上流とするUnifiedPushのDistributor",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "設定ファイルのパス",
				EnvVars: []string{"GOTIFYUP_CONFIG"},
			},
			&cli.StringFlag{
				Name:    flagLogLevel,
				Usage:   "ログレベル (debug, info, warn, error)",
				Value:   "info",
				EnvVars: []string{"GOTIFYUP_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    flagLogFormat,
				Usage:   "ログ形式 (console, json)",
				Value:   "console",
				EnvVars: []string{"GOTIFYUP_LOG_FORMAT"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Distributorを起動する",
				Action: runDaemon,
			},
			{
				Name:  "admin-token",
				Usage: "管理APIのトークンを発行する",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagSubject, Usage: "トークンの主体", Value: "admin"},
					&cli.DurationFlag{Name: flagTTL, Usage: "有効期間", Value: middleware.DefaultTokenTTL},
				},
				Action: issueAdminToken,
			},
		},
	}
}

// issueAdminToken は設定のJWTシークレットで管理APIのトークンを発行して出力する。
func issueAdminToken(c *cli.Context) error {
	cfg, err := config.Load(c.String(flagConfig))
	if err != nil {
		return err
	}
	if cfg.Admin.JWTSecret == "" {
		return errors.New("admin.jwt_secret が設定されていません")
	}
	token, err := middleware.GenerateJWT(cfg.Admin.JWTSecret, c.String(flagSubject), c.Duration(flagTTL))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.App.Writer, token)
	return err
}

// runDaemon はシグナルを受け取るまでDistributorを動かす。
func runDaemon(c *cli.Context) error {
	logger, err := newLogger(c.String(flagLogLevel), c.String(flagLogFormat))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(c.String(flagConfig))
	if err != nil {
		return err
	}
	cred, err := config.LoadCredentials(cfg.CredentialPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o700); err != nil {
		return fmt.Errorf("データディレクトリの作成に失敗: %w", err)
	}
	st, err := store.Open(ctx, cfg.DatabasePath, logger.Named("store"))
	if err != nil {
		return err
	}
	defer st.Close()

	up, err := upstream.New(cred.BaseURL, cred.DeviceToken,
		upstream.WithHTTPTimeout(cfg.HTTPTimeout),
		upstream.WithIdleTimeout(cfg.Relay.IdleTimeout),
	)
	if err != nil {
		return err
	}

	conn, err := bus.ConnectSession(logger.Named("bus"))
	if err != nil {
		return err
	}
	defer conn.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	svc := registration.NewService(st, up, conn, logger.Named("registration"), m)
	if err := conn.Serve(ctx, cfg.BusName, svc); err != nil {
		return err
	}

	engine := relay.NewEngine(st, up, conn, logger.Named("relay"),
		relay.WithRetryDelay(cfg.Relay.RetryDelay),
		relay.WithMetrics(m),
	)
	loop := reconcile.NewLoop(st, up, conn, logger.Named("reconcile"),
		reconcile.WithInterval(cfg.Reconcile.Interval),
		reconcile.WithMetrics(m),
	)

	logger.Info("gotifyupを起動します",
		zap.String("version", version),
		zap.String("upstream", cred.BaseURL),
		zap.String("bus_name", cfg.BusName),
		zap.String("database", cfg.DatabasePath),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return loop.Run(ctx) })
	if cfg.Admin.ListenAddress != "" {
		gin.SetMode(gin.ReleaseMode)
		srv := admin.NewServer(admin.Config{
			ListenAddress: cfg.Admin.ListenAddress,
			JWTSecret:     cfg.Admin.JWTSecret,
			Gatherer:      reg,
		}, st, svc, loop, logger.Named("admin"))
		g.Go(func() error { return srv.Run(ctx) })
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("異常終了します", zap.Error(err))
		return err
	}
	logger.Info("gotifyupを停止しました")
	return nil
}
