// Package reconcile は上流で削除されたアプリケーションに対応するRegistrationを
// 定期的に検出し、購読者に登録解除を通知してローカルから削除する。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/gotifyup/internal/bus"
	"github.com/nao1215/gotifyup/internal/metrics"
	"github.com/nao1215/gotifyup/internal/store"
	"github.com/nao1215/gotifyup/internal/upstream"
)

// DefaultInterval は突き合わせの間隔。
const DefaultInterval = 120 * time.Second

// Store はLoopが使用するストアの操作。
type Store interface {
	Lock(token string) (unlock func())
	All(ctx context.Context) ([]store.Registration, error)
	GetByUpstreamID(ctx context.Context, upstreamAppID int64) (store.Registration, error)
	DeleteByUpstreamID(ctx context.Context, upstreamAppID int64) (int64, error)
}

// Upstream はLoopが使用する上流サーバーの操作。
type Upstream interface {
	ListApps(ctx context.Context) ([]upstream.App, error)
}

// Loop は突き合わせループ。
type Loop struct {
	store    Store
	upstream Upstream
	notifier bus.Notifier
	logger   *zap.Logger
	metrics  *metrics.Metrics
	interval time.Duration

	// mu は定期実行と手動実行のTickが重ならないようにする。
	mu sync.Mutex
}

// Option はLoopの設定を変更する関数。
type Option func(*Loop)

// WithInterval は突き合わせの間隔を設定する。
func WithInterval(d time.Duration) Option {
	return func(l *Loop) { l.interval = d }
}

// WithMetrics はメトリクスを設定する。
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// NewLoop は新しいLoopを生成する。
func NewLoop(s Store, u Upstream, n bus.Notifier, logger *zap.Logger, opts ...Option) *Loop {
	l := &Loop{
		store:    s,
		upstream: u,
		notifier: n,
		logger:   logger,
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run はctxがキャンセルされるまで一定間隔でTickを実行する。最初のTickは即座に実行する。
// Tickの失敗はログに記録して次回に持ち越す。
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("突き合わせを開始します", zap.Duration("interval", l.interval))
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		if _, err := l.Tick(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn("突き合わせに失敗", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			l.logger.Info("突き合わせを停止しました")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick は1回分の突き合わせを行い、削除したRegistrationの数を返す。
// 上流のアプリケーション一覧の取得に失敗した場合は何も変更せずにエラーを返す。
// 削除の対象になるのは一覧の取得より前に存在していた行だけである。
// 取得中に登録が完了した行は、そのアプリケーションが一覧に含まれていなくても削除しない。
func (l *Loop) Tick(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	regs, err := l.store.All(ctx)
	if err != nil {
		l.metrics.ReconcileFailed()
		return 0, fmt.Errorf("Registration一覧の取得に失敗: %w", err)
	}

	apps, err := l.upstream.ListApps(ctx)
	if err != nil {
		l.metrics.ReconcileFailed()
		return 0, fmt.Errorf("上流アプリケーション一覧の取得に失敗: %w", err)
	}
	live := make(map[int64]struct{}, len(apps))
	for _, a := range apps {
		live[a.ID] = struct{}{}
	}

	removed := 0
	for _, r := range regs {
		if _, ok := live[r.UpstreamAppID]; ok {
			continue
		}
		ok, err := l.remove(ctx, r)
		if err != nil {
			l.logger.Error("Registrationの削除に失敗",
				zap.String("app_id", r.LocalAppID), zap.Int64("upstream_app_id", r.UpstreamAppID), zap.Error(err))
			continue
		}
		if ok {
			removed++
		}
	}
	if removed > 0 {
		l.logger.Info("上流で削除されたRegistrationを削除しました", zap.Int("count", removed))
	}
	return removed, nil
}

// remove はトークンのロックを取得して行がまだ存在することを確かめ、
// 購読者に登録解除を通知してから削除する。既に削除されていた場合はfalseを返す。
func (l *Loop) remove(ctx context.Context, r store.Registration) (bool, error) {
	unlock := l.store.Lock(r.LocalToken)
	defer unlock()

	if _, err := l.store.GetByUpstreamID(ctx, r.UpstreamAppID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	if err := l.notifier.Unregister(ctx, r.LocalAppID, r.LocalToken); err != nil {
		l.logger.Warn("登録解除の通知に失敗", zap.String("app_id", r.LocalAppID), zap.Error(err))
	}
	n, err := l.store.DeleteByUpstreamID(ctx, r.UpstreamAppID)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	l.metrics.ReconcileRemoved()
	return true, nil
}
