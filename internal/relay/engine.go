// Package relay は上流のメッセージをローカル購読者へ中継する。
//
// Engineは起動時と再接続のたびに一覧APIで取りこぼしを回収（キャッチアップ）してから
// ストリームに接続する。ストリームが閉じられると一定時間待って同じ手順を繰り返す。
// ウォーターマーク以下のIDのメッセージは配送しない。
package relay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nao1215/gotifyup/internal/bus"
	"github.com/nao1215/gotifyup/internal/metrics"
	"github.com/nao1215/gotifyup/internal/store"
	"github.com/nao1215/gotifyup/internal/upstream"
)

// DefaultRetryDelay はストリームが閉じてから再接続するまでの待ち時間。
const DefaultRetryDelay = 10 * time.Second

// ErrDeliveryFailed はバスがメッセージを受け付けなかったことを表す。
var ErrDeliveryFailed = errors.New("メッセージの配送に失敗")

// errHalted はキャッチアップが処理に失敗したメッセージで止まったことを表す。
var errHalted = errors.New("キャッチアップを中断")

// Store はEngineが使用するストアの操作。
type Store interface {
	GetByUpstreamID(ctx context.Context, upstreamAppID int64) (store.Registration, error)
	Watermark(ctx context.Context) (id int64, ok bool, err error)
	SetWatermark(ctx context.Context, id int64) error
}

// Upstream はEngineが使用する上流サーバーの操作。
type Upstream interface {
	ListMessages(ctx context.Context) ([]upstream.Message, error)
	DeleteMessage(ctx context.Context, id int64) error
	OpenStream(ctx context.Context) (upstream.Stream, error)
}

// Outcome はメッセージ1件の処理結果。
type Outcome int

const (
	// Delivered は購読者に配送したことを表す。
	Delivered Outcome = iota
	// Duplicate はウォーターマーク以下のため破棄したことを表す。
	Duplicate
	// Orphan は対応するRegistrationがないため配送せずにウォーターマークだけ進めたことを表す。
	Orphan
	// Failed は処理に失敗し、ウォーターマークを進めなかったことを表す。
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Duplicate:
		return "duplicate"
	case Orphan:
		return "orphan"
	default:
		return "failed"
	}
}

// Engine は中継エンジン。
type Engine struct {
	// store はRegistrationとウォーターマークのストア。
	store Store
	// upstream は上流サーバーのクライアント。
	upstream Upstream
	// notifier は購読者への配送先。
	notifier bus.Notifier
	// logger はロガー。
	logger *zap.Logger
	// metrics はメトリクス。nilでもよい。
	metrics *metrics.Metrics
	// retryDelay は再接続までの待ち時間。
	retryDelay time.Duration
}

// Option はEngineの設定を変更する関数。
type Option func(*Engine)

// WithRetryDelay は再接続までの待ち時間を設定する。
func WithRetryDelay(d time.Duration) Option {
	return func(e *Engine) { e.retryDelay = d }
}

// WithMetrics はメトリクスを設定する。
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine は新しいEngineを生成する。
func NewEngine(s Store, u Upstream, n bus.Notifier, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:      s,
		upstream:   u,
		notifier:   n,
		logger:     logger,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run はctxがキャンセルされるまで中継を続ける。キャンセルによる終了ではnilを返す。
// キャッチアップが処理に失敗したメッセージで止まった場合は、ストリームに接続せずに
// 待機してからキャッチアップをやり直す。
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("中継を開始します", zap.Duration("retry_delay", e.retryDelay))
	for {
		halted := false
		if err := e.CatchUp(ctx); err != nil {
			halted = errors.Is(err, errHalted)
			e.logger.Warn("キャッチアップに失敗", zap.Bool("halted", halted), zap.Error(err))
		}
		if !halted {
			e.stream(ctx)
		}
		if ctx.Err() != nil {
			e.logger.Info("中継を停止しました")
			return nil
		}
		if !halted {
			e.metrics.StreamDisconnected()
		}

		timer := time.NewTimer(e.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.logger.Info("中継を停止しました")
			return nil
		case <-timer.C:
		}
	}
}

// stream はストリームに接続し、閉じられるまでメッセージを処理する。
// 処理に失敗したメッセージがあればそこでストリームを閉じ、後続のIDでウォーターマークが
// 追い越さないようにする。
func (e *Engine) stream(ctx context.Context) {
	log := e.logger.With(zap.String("session_id", uuid.NewString()))

	s, err := e.upstream.OpenStream(ctx)
	if err != nil {
		if errors.Is(err, upstream.ErrUnauthorized) {
			log.Error("ストリームの認証に失敗。再ログインが必要です", zap.Error(err))
		} else {
			log.Warn("ストリームへの接続に失敗", zap.Error(err))
		}
		return
	}
	defer s.Close()

	e.metrics.StreamConnected()
	log.Info("ストリームに接続しました")

	for {
		m, err := s.Next()
		if err != nil {
			if ctx.Err() == nil {
				log.Info("ストリームが閉じられました", zap.Error(err))
			}
			return
		}
		if err := e.handle(ctx, log, m); err != nil {
			log.Info("処理に失敗したためストリームを閉じます", zap.Int64("message_id", m.ID))
			return
		}
	}
}

// CatchUp はウォーターマークより大きいIDのメッセージを一覧APIから取得し、ID昇順に処理する。
// ウォーターマークが未設定の場合は何もしない。一覧の取得に失敗した場合はエラーを返す。
// 処理に失敗したメッセージがあればそこで止め、そのメッセージのエラーを返す。
// 以降のメッセージは次回のキャッチアップで処理される。
func (e *Engine) CatchUp(ctx context.Context) error {
	wm, ok, err := e.store.Watermark(ctx)
	if err != nil {
		return fmt.Errorf("ウォーターマークの取得に失敗: %w", err)
	}
	if !ok {
		e.logger.Debug("ウォーターマークが未設定のためキャッチアップを省略します")
		return nil
	}

	msgs, err := e.upstream.ListMessages(ctx)
	if err != nil {
		return fmt.Errorf("メッセージ一覧の取得に失敗: %w", err)
	}
	slices.SortFunc(msgs, func(a, b upstream.Message) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	n := 0
	defer func() {
		if n > 0 {
			e.logger.Info("キャッチアップで処理しました", zap.Int("count", n), zap.Int64("since", wm))
		}
	}()
	for _, m := range msgs {
		if m.ID <= wm {
			continue
		}
		if err := e.handle(ctx, e.logger, m); err != nil {
			return fmt.Errorf("%w: message_id=%d: %w", errHalted, m.ID, err)
		}
		n++
	}
	return nil
}

func (e *Engine) handle(ctx context.Context, log *zap.Logger, m upstream.Message) error {
	out, err := e.Process(ctx, m)
	if err != nil {
		log.Warn("メッセージの処理に失敗", zap.Int64("message_id", m.ID), zap.Int64("upstream_app_id", m.AppID), zap.Error(err))
		return err
	}
	log.Debug("メッセージを処理しました", zap.Int64("message_id", m.ID), zap.Stringer("outcome", out))
	return nil
}

// Process はメッセージ1件を処理する。
//
// IDがウォーターマーク以下なら破棄する。所属アプリケーションのRegistrationがあれば
// 購読者に配送し、成功した場合に上流のメッセージを削除してウォーターマークを進める。
// Registrationがなければ上流のメッセージは残したままウォーターマークだけを進める。
// 配送に失敗した場合はウォーターマークを変更せず、後のキャッチアップに任せる。
func (e *Engine) Process(ctx context.Context, m upstream.Message) (Outcome, error) {
	wm, ok, err := e.store.Watermark(ctx)
	if err != nil {
		return Failed, fmt.Errorf("ウォーターマークの取得に失敗: %w", err)
	}
	if ok && m.ID <= wm {
		e.metrics.MessageDiscarded(metrics.DiscardDuplicate)
		return Duplicate, nil
	}

	reg, err := e.store.GetByUpstreamID(ctx, m.AppID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := e.advance(ctx, m.ID); err != nil {
			return Failed, err
		}
		e.metrics.MessageDiscarded(metrics.DiscardOrphan)
		return Orphan, nil
	case err != nil:
		return Failed, fmt.Errorf("Registrationの検索に失敗: %w", err)
	}

	if err := e.notifier.Message(ctx, reg.LocalAppID, reg.LocalToken, m.Message); err != nil {
		e.metrics.DeliveryFailed()
		return Failed, fmt.Errorf("%w: app_id=%s: %w", ErrDeliveryFailed, reg.LocalAppID, err)
	}
	e.metrics.MessageDelivered()

	if err := e.upstream.DeleteMessage(ctx, m.ID); err != nil {
		e.logger.Warn("上流メッセージの削除に失敗", zap.Int64("message_id", m.ID), zap.Error(err))
	}
	if err := e.advance(ctx, m.ID); err != nil {
		return Failed, err
	}
	return Delivered, nil
}

func (e *Engine) advance(ctx context.Context, id int64) error {
	if err := e.store.SetWatermark(ctx, id); err != nil {
		return fmt.Errorf("ウォーターマークの更新に失敗: %w", err)
	}
	e.metrics.SetWatermark(id)
	return nil
}
