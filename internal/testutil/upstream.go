package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nao1215/gotifyup/internal/upstream"
)

// 失敗させる操作の名前。
const (
	OpCreateApp     = "CreateApp"
	OpDeleteApp     = "DeleteApp"
	OpListApps      = "ListApps"
	OpListMessages  = "ListMessages"
	OpDeleteMessage = "DeleteMessage"
	OpOpenStream    = "OpenStream"
)

// ErrStreamClosed は偽ストリームが閉じられたことを表す。
var ErrStreamClosed = errors.New("stream closed")

// Upstream はメモリ上で動作する上流サーバーの偽実装。
type Upstream struct {
	mu              sync.Mutex
	nextAppID       int64
	apps            []upstream.App
	messages        []upstream.Message
	calls           map[string]int
	failures        map[string]error
	deletedApps     []int64
	deletedMessages []int64
	streams         chan *Stream
}

// NewUpstream は空の偽上流サーバーを生成する。
func NewUpstream() *Upstream {
	return &Upstream{
		nextAppID: 1,
		calls:     make(map[string]int),
		failures:  make(map[string]error),
		streams:   make(chan *Stream, 64),
	}
}

// Fail はopを以後errで失敗させる。errがnilなら失敗を解除する。
func (u *Upstream) Fail(op string, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err == nil {
		delete(u.failures, op)
		return
	}
	u.failures[op] = err
}

// Calls はopが呼ばれた回数を返す。
func (u *Upstream) Calls(op string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls[op]
}

// AddApp はアプリケーションを直接追加する。
func (u *Upstream) AddApp(app upstream.App) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.apps = append(u.apps, app)
	if app.ID >= u.nextAppID {
		u.nextAppID = app.ID + 1
	}
}

// RemoveApp は上流側でアプリケーションが削除されたことを再現する。
func (u *Upstream) RemoveApp(id int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.removeAppLocked(id)
}

// Apps は現在のアプリケーションを返す。
func (u *Upstream) Apps() []upstream.App {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]upstream.App(nil), u.apps...)
}

// AddMessages はメッセージ一覧に追加する。順序はそのまま保持される。
func (u *Upstream) AddMessages(msgs ...upstream.Message) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.messages = append(u.messages, msgs...)
}

// Messages は削除されていないメッセージを返す。
func (u *Upstream) Messages() []upstream.Message {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]upstream.Message(nil), u.messages...)
}

// DeletedApps は削除されたアプリケーションIDを削除順に返す。
func (u *Upstream) DeletedApps() []int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]int64(nil), u.deletedApps...)
}

// DeletedMessages は削除されたメッセージIDを削除順に返す。
func (u *Upstream) DeletedMessages() []int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]int64(nil), u.deletedMessages...)
}

func (u *Upstream) begin(op string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls[op]++
	return u.failures[op]
}

func (u *Upstream) CreateApp(_ context.Context, name string) (upstream.App, error) {
	if err := u.begin(OpCreateApp); err != nil {
		return upstream.App{}, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	app := upstream.App{ID: u.nextAppID, Name: name, Token: fmt.Sprintf("A%d", u.nextAppID)}
	u.nextAppID++
	u.apps = append(u.apps, app)
	return app, nil
}

func (u *Upstream) DeleteApp(_ context.Context, id int64) error {
	if err := u.begin(OpDeleteApp); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.removeAppLocked(id)
	u.deletedApps = append(u.deletedApps, id)
	return nil
}

func (u *Upstream) removeAppLocked(id int64) {
	kept := u.apps[:0]
	for _, a := range u.apps {
		if a.ID != id {
			kept = append(kept, a)
		}
	}
	u.apps = kept
}

func (u *Upstream) ListApps(_ context.Context) ([]upstream.App, error) {
	if err := u.begin(OpListApps); err != nil {
		return nil, err
	}
	return u.Apps(), nil
}

func (u *Upstream) ListMessages(_ context.Context) ([]upstream.Message, error) {
	if err := u.begin(OpListMessages); err != nil {
		return nil, err
	}
	return u.Messages(), nil
}

func (u *Upstream) DeleteMessage(_ context.Context, id int64) error {
	if err := u.begin(OpDeleteMessage); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	kept := u.messages[:0]
	for _, m := range u.messages {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	u.messages = kept
	u.deletedMessages = append(u.deletedMessages, id)
	return nil
}

// EndpointURL はアプリケーショントークンを埋め込んだURLを返す。
func (u *Upstream) EndpointURL(appToken string) string {
	return "https://push.example.com/message?token=" + appToken
}

// OpenStream は偽ストリームを開く。開いたストリームはNextStreamで取り出せる。
func (u *Upstream) OpenStream(ctx context.Context) (upstream.Stream, error) {
	if err := u.begin(OpOpenStream); err != nil {
		return nil, err
	}
	s := &Stream{ch: make(chan upstream.Message, 64), done: make(chan struct{})}
	context.AfterFunc(ctx, func() { _ = s.Close() })
	u.streams <- s
	return s, nil
}

// NextStream は次に開かれたストリームを待って返す。timeout以内に開かれなければnil。
func (u *Upstream) NextStream(timeout time.Duration) *Stream {
	select {
	case s := <-u.streams:
		return s
	case <-time.After(timeout):
		return nil
	}
}

// Stream は偽ストリーム。Pushしたメッセージが順にNextから返る。
type Stream struct {
	ch   chan upstream.Message
	done chan struct{}
	once sync.Once
}

// Push はメッセージをストリームに流す。
func (s *Stream) Push(msgs ...upstream.Message) {
	for _, m := range msgs {
		s.ch <- m
	}
}

// Closed はストリームが閉じられたら閉じるチャネルを返す。
func (s *Stream) Closed() <-chan struct{} {
	return s.done
}

func (s *Stream) Next() (upstream.Message, error) {
	// 先にPush済みのメッセージを返し切る。
	select {
	case m := <-s.ch:
		return m, nil
	default:
	}
	select {
	case m := <-s.ch:
		return m, nil
	case <-s.done:
		return upstream.Message{}, ErrStreamClosed
	}
}

// Close はストリームを閉じる。無通信タイムアウトや切断の再現にも使う。
func (s *Stream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
