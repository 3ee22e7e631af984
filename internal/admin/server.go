// Package admin はローカルの運用者向けHTTP API（管理API）を提供する。
//
// ヘルスチェックとメトリクスは常に公開し、/api/v1 以下はJWTシークレットが
// 設定されている場合のみ認証を要求する。
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nao1215/gotifyup/internal/store"
	"github.com/nao1215/gotifyup/pkg/middleware"
)

// shutdownTimeout はサーバー停止時に処理中のリクエストを待つ時間。
const shutdownTimeout = 5 * time.Second

// Store は管理APIが参照するストアの操作。
type Store interface {
	Ping(ctx context.Context) error
	All(ctx context.Context) ([]store.Registration, error)
	ListByToken(ctx context.Context, token string) ([]store.Registration, error)
	Watermark(ctx context.Context) (id int64, ok bool, err error)
}

// Unregisterer はトークンの登録を解除し、削除した行数を返す。
type Unregisterer interface {
	Remove(ctx context.Context, token string) (int64, error)
}

// Reconciler は突き合わせを1回実行する。
type Reconciler interface {
	Tick(ctx context.Context) (int, error)
}

// Config は管理APIの設定。
type Config struct {
	// ListenAddress はリッスンするアドレス（例: "127.0.0.1:8089"）。
	ListenAddress string
	// JWTSecret は /api/v1 の認証に使用するシークレット。空の場合は認証しない。
	JWTSecret string
	// Gatherer は /metrics で公開するメトリクスの取得元。nilの場合は既定のレジストリ。
	Gatherer prometheus.Gatherer
}

// Server は管理APIのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg は設定。
	cfg Config
	// store はRegistrationとウォーターマークのストア。
	store Store
	// unregisterer は登録解除を行う登録サービス。
	unregisterer Unregisterer
	// reconciler は突き合わせループ。
	reconciler Reconciler
	// logger はロガー。
	logger *zap.Logger
}

// NewServer は新しい管理サーバーを生成する。
func NewServer(cfg Config, st Store, u Unregisterer, r Reconciler, logger *zap.Logger) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(middleware.RequestLog(logger))
	router.Use(middleware.Recovery(logger))

	s := &Server{
		router:       router,
		cfg:          cfg,
		store:        st,
		unregisterer: u,
		reconciler:   r,
		logger:       logger,
	}
	s.setupRoutes()
	return s
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はctxがキャンセルされるまでHTTPサーバーを動かす。
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("管理APIのリッスンに失敗: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve はlnで接続を受け付ける。ctxがキャンセルされると処理中のリクエストを待って停止する。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("管理APIを起動します", zap.String("address", ln.Addr().String()),
			zap.Bool("auth", s.cfg.JWTSecret != ""))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("管理APIが停止しました: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("管理APIの停止に失敗: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("管理APIが停止しました: %w", err)
	}
	s.logger.Info("管理APIを停止しました")
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	if s.cfg.JWTSecret != "" {
		api.Use(middleware.JWTAuth(s.cfg.JWTSecret))
	}
	{
		registrations := api.Group("/registrations")
		{
			// Registration一覧取得
			registrations.GET("", s.handleListRegistrations())
			// トークンの登録解除
			registrations.DELETE("/:token", s.handleUnregister())
		}

		// ウォーターマーク取得
		api.GET("/watermark", s.handleWatermark())
		// 突き合わせの即時実行
		api.POST("/reconcile", s.handleReconcile())
	}

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
}

// registrationResponse はRegistrationのJSONレスポンス構造。上流のトークンは含めない。
type registrationResponse struct {
	// LocalAppID はローカルアプリケーションのID。
	LocalAppID string `json:"local_app_id"`
	// LocalToken はローカル購読のトークン。
	LocalToken string `json:"local_token"`
	// UpstreamAppID は上流アプリケーションのID。
	UpstreamAppID int64 `json:"upstream_app_id"`
}

func toRegistrationResponses(regs []store.Registration) []registrationResponse {
	responses := make([]registrationResponse, 0, len(regs))
	for _, r := range regs {
		responses = append(responses, registrationResponse{
			LocalAppID:    r.LocalAppID,
			LocalToken:    r.LocalToken,
			UpstreamAppID: r.UpstreamAppID,
		})
	}
	return responses
}

// handleHealth はストアが利用可能かを返すハンドラ。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.store.Ping(c.Request.Context()); err != nil {
			s.logger.Warn("ヘルスチェックに失敗", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "service": "gotifyup"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gotifyup"})
	}
}

// handleListRegistrations はRegistration一覧を返すハンドラ。
// クエリパラメータtokenを指定するとそのトークンの行だけを返す。
func (s *Server) handleListRegistrations() gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			regs []store.Registration
			err  error
		)
		if token := c.Query("token"); token != "" {
			regs, err = s.store.ListByToken(c.Request.Context(), token)
		} else {
			regs, err = s.store.All(c.Request.Context())
		}
		if err != nil {
			s.logger.Error("Registration一覧の取得に失敗", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Registration一覧の取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, toRegistrationResponses(regs))
	}
}

// handleUnregister はバスからの登録解除と同じ手順でトークンの登録を解除するハンドラ。
// 削除した行がなければ404を返す。
func (s *Server) handleUnregister() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := s.unregisterer.Remove(c.Request.Context(), c.Param("token"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "登録解除に失敗しました"})
			return
		}
		if n == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "Registrationが見つかりません"})
			return
		}
		s.logger.Info("管理APIから登録を解除しました",
			zap.String("subject", middleware.GetSubject(c)), zap.Int64("rows", n))
		c.Status(http.StatusNoContent)
	}
}

// handleWatermark は現在のウォーターマークを返すハンドラ。未設定の場合message_idはnull。
func (s *Server) handleWatermark() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok, err := s.store.Watermark(c.Request.Context())
		if err != nil {
			s.logger.Error("ウォーターマークの取得に失敗", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ウォーターマークの取得に失敗しました"})
			return
		}
		if !ok {
			c.JSON(http.StatusOK, gin.H{"message_id": nil})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message_id": id})
	}
}

// handleReconcile は突き合わせを即時に1回実行するハンドラ。
func (s *Server) handleReconcile() gin.HandlerFunc {
	return func(c *gin.Context) {
		removed, err := s.reconciler.Tick(c.Request.Context())
		if err != nil {
			s.logger.Warn("突き合わせに失敗", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "上流サーバーとの突き合わせに失敗しました"})
			return
		}
		s.logger.Info("管理APIから突き合わせを実行しました",
			zap.String("subject", middleware.GetSubject(c)), zap.Int("removed", removed))
		c.JSON(http.StatusOK, gin.H{"removed": removed})
	}
}
