// Package testutil はテスト用のバス通知先と上流サーバーの偽実装を提供する。
package testutil

import (
	"context"
	"sync"
)

// 通知の種類。
const (
	KindMessage     = "Message"
	KindNewEndpoint = "NewEndpoint"
	KindUnregister  = "Unregister"
)

// Notification は送信された1件の通知。
type Notification struct {
	Kind  string
	AppID string
	Token string
	// Body はMessageの本文またはNewEndpointのURL。Unregisterでは空。
	Body string
}

// Notifier は送信された通知を記録するbus.Notifierの実装。
type Notifier struct {
	mu       sync.Mutex
	sent     []Notification
	failures map[string]error
}

// NewNotifier は空のNotifierを生成する。
func NewNotifier() *Notifier {
	return &Notifier{failures: make(map[string]error)}
}

// Fail はkindの通知を以後errで失敗させる。errがnilなら失敗を解除する。
func (n *Notifier) Fail(kind string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.failures, kind)
		return
	}
	n.failures[kind] = err
}

// Sent は成功した通知を送信順に返す。
func (n *Notifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

// SentOf はkindの通知だけを返す。
func (n *Notifier) SentOf(kind string) []Notification {
	var out []Notification
	for _, s := range n.Sent() {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

func (n *Notifier) record(kind, appID, token, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.failures[kind]; err != nil {
		return err
	}
	n.sent = append(n.sent, Notification{Kind: kind, AppID: appID, Token: token, Body: body})
	return nil
}

func (n *Notifier) Message(_ context.Context, appID, token, payload string) error {
	return n.record(KindMessage, appID, token, payload)
}

func (n *Notifier) NewEndpoint(_ context.Context, appID, token, endpoint string) error {
	return n.record(KindNewEndpoint, appID, token, endpoint)
}

func (n *Notifier) Unregister(_ context.Context, appID, token string) error {
	return n.record(KindUnregister, appID, token, "")
}
