// Package registration はバスから届く登録・登録解除要求を処理する。
//
// 登録では既存のRegistrationを優先して再利用し、存在しない場合のみ上流に
// アプリケーションを作成する。保存に失敗した場合は作成した上流アプリケーションを
// 削除して補償する。登録解除はローカルの削除を優先し、上流の削除は失敗しても無視する。
package registration

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nao1215/gotifyup/internal/bus"
	"github.com/nao1215/gotifyup/internal/metrics"
	"github.com/nao1215/gotifyup/internal/store"
	"github.com/nao1215/gotifyup/internal/upstream"
)

// REGISTRATION_FAILED の理由。
const (
	ReasonInvalidRequest = "アプリケーションIDとトークンが必要です"
	ReasonUpstream       = "上流サーバーでの登録に失敗しました"
	ReasonUnauthorized   = "上流サーバーの認証に失敗しました。再ログインが必要です"
	ReasonStore          = "登録情報の保存に失敗しました"
)

// Store はServiceが使用するRegistrationストアの操作。
type Store interface {
	Lock(token string) (unlock func())
	GetByAppAndToken(ctx context.Context, appID, token string) (store.Registration, error)
	ListByToken(ctx context.Context, token string) ([]store.Registration, error)
	Insert(ctx context.Context, r store.Registration) (store.Registration, bool, error)
	Delete(ctx context.Context, token string) (int64, error)
}

// Upstream はServiceが使用する上流サーバーの操作。
type Upstream interface {
	CreateApp(ctx context.Context, name string) (upstream.App, error)
	DeleteApp(ctx context.Context, id int64) error
	EndpointURL(appToken string) string
}

// Service は登録サービス。bus.Handlerを実装する。
type Service struct {
	// store はRegistrationストア。
	store Store
	// upstream は上流サーバーのクライアント。
	upstream Upstream
	// notifier は購読者への通知の送信先。
	notifier bus.Notifier
	// logger はロガー。
	logger *zap.Logger
	// metrics はメトリクス。nilでもよい。
	metrics *metrics.Metrics
}

var _ bus.Handler = (*Service)(nil)

// NewService は新しい登録サービスを生成する。
func NewService(s Store, u Upstream, n bus.Notifier, logger *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{store: s, upstream: u, notifier: n, logger: logger, metrics: m}
}

// Register はappIDのtokenによる購読を登録し、エンドポイントURLを返す。
// 同じ(appID, token)が既に登録済みの場合は上流を呼ばずに既存のエンドポイントを返す。
// 成功した場合は購読者にNewEndpointを通知する。
func (s *Service) Register(ctx context.Context, appID, token string) bus.RegisterResult {
	res := s.register(ctx, appID, token)
	s.metrics.Registration(res.Status)
	if !res.OK() {
		return res
	}

	if err := s.notifier.NewEndpoint(ctx, appID, token, res.Detail); err != nil {
		s.logger.Warn("NewEndpointの通知に失敗", zap.String("app_id", appID), zap.Error(err))
	}
	return res
}

func (s *Service) register(ctx context.Context, appID, token string) bus.RegisterResult {
	if appID == "" || token == "" {
		return failed(ReasonInvalidRequest)
	}
	log := s.logger.With(zap.String("app_id", appID))

	unlock := s.store.Lock(token)
	defer unlock()

	existing, err := s.store.GetByAppAndToken(ctx, appID, token)
	switch {
	case err == nil:
		log.Info("登録済みのため既存のエンドポイントを返します", zap.Int64("upstream_app_id", existing.UpstreamAppID))
		return endpoint(s.upstream.EndpointURL(existing.UpstreamAppToken))
	case !errors.Is(err, store.ErrNotFound):
		log.Error("Registrationの検索に失敗", zap.Error(err))
		return failed(ReasonStore)
	}

	app, err := s.upstream.CreateApp(ctx, appID)
	if err != nil {
		log.Error("上流アプリケーションの作成に失敗", zap.Error(err))
		if errors.Is(err, upstream.ErrUnauthorized) {
			return failed(ReasonUnauthorized)
		}
		return failed(ReasonUpstream)
	}

	stored, created, err := s.store.Insert(ctx, store.Registration{
		LocalAppID:       appID,
		LocalToken:       token,
		UpstreamAppID:    app.ID,
		UpstreamAppToken: app.Token,
	})
	if err != nil {
		log.Error("Registrationの保存に失敗。上流アプリケーションを削除します",
			zap.Int64("upstream_app_id", app.ID), zap.Error(err))
		s.compensate(ctx, app.ID)
		return failed(ReasonStore)
	}
	if !created {
		// ロックの外（別プロセスなど）で先に保存されていた場合は、作成した側を破棄する。
		s.compensate(ctx, app.ID)
	}

	log.Info("登録しました", zap.Int64("upstream_app_id", stored.UpstreamAppID))
	return endpoint(s.upstream.EndpointURL(stored.UpstreamAppToken))
}

// compensate は対応するローカル記録のない上流アプリケーションを削除する。
func (s *Service) compensate(ctx context.Context, upstreamAppID int64) {
	if err := s.upstream.DeleteApp(ctx, upstreamAppID); err != nil {
		s.logger.Error("上流アプリケーションの削除に失敗",
			zap.Int64("upstream_app_id", upstreamAppID), zap.Error(err))
	}
}

// Unregister はtokenに対応する全てのRegistrationを削除する。
// 失敗はログに記録するだけで呼び出し元には返さない。
func (s *Service) Unregister(ctx context.Context, token string) {
	_, _ = s.Remove(ctx, token)
}

// Remove はtokenに対応する全てのRegistrationを削除し、削除した行数を返す。
// 上流アプリケーションの削除は失敗しても無視し、ローカルの削除を必ず試みる。
// 行の確認から削除までをトークンのロック内で行う。
func (s *Service) Remove(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	log := s.logger.With(zap.String("token_hint", hint(token)))

	unlock := s.store.Lock(token)
	defer unlock()

	regs, err := s.store.ListByToken(ctx, token)
	if err != nil {
		log.Error("Registrationの取得に失敗", zap.Error(err))
	}
	for _, r := range regs {
		if err := s.upstream.DeleteApp(ctx, r.UpstreamAppID); err != nil {
			log.Warn("上流アプリケーションの削除に失敗。ローカルの削除は続行します",
				zap.Int64("upstream_app_id", r.UpstreamAppID), zap.Error(err))
		}
	}

	n, err := s.store.Delete(ctx, token)
	if err != nil {
		log.Error("Registrationの削除に失敗", zap.Error(err))
		return 0, fmt.Errorf("Registrationの削除に失敗: %w", err)
	}
	log.Info("登録を解除しました", zap.Int64("rows", n))
	return n, nil
}

func endpoint(url string) bus.RegisterResult {
	return bus.RegisterResult{Status: bus.StatusNewEndpoint, Detail: url}
}

func failed(reason string) bus.RegisterResult {
	return bus.RegisterResult{Status: bus.StatusRegistrationFailed, Detail: reason}
}

// hint はログ用にトークンの先頭だけを返す。
func hint(token string) string {
	if len(token) <= 4 {
		return token
	}
	return token[:4] + "…"
}
