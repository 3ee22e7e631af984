package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nao1215/gotifyup/pkg/httpclient"
)

// KeyHeader はデバイストークンを運ぶHTTPヘッダー。
const KeyHeader = "X-Gotify-Key"

// DefaultIdleTimeout はストリームでフレームを受信しないまま切断とみなすまでの時間。
const DefaultIdleTimeout = 50 * time.Second

// ErrUnauthorized はデバイストークンが無効または失効していることを表す。
var ErrUnauthorized = errors.New("上流サーバーの認証に失敗")

// App は上流のアプリケーション。
type App struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Token string `json:"token"`
}

// Message は上流のメッセージ。IDはサーバーが採番し、単調増加する。
type Message struct {
	// ID はメッセージID。
	ID int64 `json:"id"`
	// AppID は所属する上流アプリケーションのID。
	AppID int64 `json:"appid"`
	// Message は本文。ローカル購読者へそのまま渡す。
	Message string `json:"message"`
	// Title はタイトル。配送には使用しない。
	Title string `json:"title,omitempty"`
	// Priority は優先度。配送には使用しない。
	Priority int `json:"priority,omitempty"`
}

type createAppRequest struct {
	Name string `json:"name"`
}

type messagesResponse struct {
	Messages []Message `json:"messages"`
}

// Client は上流サーバーのクライアント。
type Client struct {
	// http はREST API用のクライアント。
	http *httpclient.Client
	// base はベースURL。
	base *url.URL
	// deviceToken はデバイストークン。
	deviceToken string
	// dialer はストリーム接続用のダイアラー。
	dialer *websocket.Dialer
	// idleTimeout はストリームの無通信タイムアウト。
	idleTimeout time.Duration
	// httpTimeout はREST APIのリクエストタイムアウト。
	httpTimeout time.Duration
}

// Option はClientの設定を変更する関数。
type Option func(*Client)

// WithHTTPTimeout はREST APIのリクエストタイムアウトを設定する。
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpTimeout = d }
}

// WithIdleTimeout はストリームの無通信タイムアウトを設定する。
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) { c.idleTimeout = d }
}

// New はbaseURLの上流サーバーに対するクライアントを生成する。
// baseURLのスキームはhttpまたはhttpsでなければならない。
func New(baseURL, deviceToken string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ベースURLの解析に失敗: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("ベースURLのスキームはhttpまたはhttpsのみ対応: %q", base.Scheme)
	}
	if deviceToken == "" {
		return nil, errors.New("デバイストークンが空です")
	}

	c := &Client{
		base:        base,
		deviceToken: deviceToken,
		dialer:      websocket.DefaultDialer,
		idleTimeout: DefaultIdleTimeout,
		httpTimeout: httpclient.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http = httpclient.New(baseURL,
		httpclient.WithTimeout(c.httpTimeout),
		httpclient.WithHeader(KeyHeader, deviceToken),
	)
	return c, nil
}

// CreateApp は上流にアプリケーションを作成する。冪等ではないため、
// 呼び出し元は既存のRegistrationを先に確認すること。
func (c *Client) CreateApp(ctx context.Context, name string) (App, error) {
	var app App
	if err := c.http.PostJSON(ctx, "/application", createAppRequest{Name: name}, &app); err != nil {
		return App{}, classify(fmt.Errorf("アプリケーションの作成に失敗: %w", err))
	}
	if app.Token == "" {
		return App{}, fmt.Errorf("アプリケーションの作成に失敗: トークンが空のレスポンス (id=%d)", app.ID)
	}
	return app, nil
}

// DeleteApp は上流のアプリケーションを削除する。
func (c *Client) DeleteApp(ctx context.Context, id int64) error {
	if err := c.http.Delete(ctx, fmt.Sprintf("/application/%d", id)); err != nil {
		return classify(fmt.Errorf("アプリケーション %d の削除に失敗: %w", id, err))
	}
	return nil
}

// ListApps は上流の全アプリケーションを返す。
func (c *Client) ListApps(ctx context.Context) ([]App, error) {
	var apps []App
	if err := c.http.GetJSON(ctx, "/application", &apps); err != nil {
		return nil, classify(fmt.Errorf("アプリケーション一覧の取得に失敗: %w", err))
	}
	return apps, nil
}

// ListMessages は上流の全メッセージを返す。順序は保証されない。
func (c *Client) ListMessages(ctx context.Context) ([]Message, error) {
	var resp messagesResponse
	if err := c.http.GetJSON(ctx, "/message", &resp); err != nil {
		return nil, classify(fmt.Errorf("メッセージ一覧の取得に失敗: %w", err))
	}
	return resp.Messages, nil
}

// DeleteMessage は上流のメッセージを削除する。
func (c *Client) DeleteMessage(ctx context.Context, id int64) error {
	if err := c.http.Delete(ctx, fmt.Sprintf("/message/%d", id)); err != nil {
		return classify(fmt.Errorf("メッセージ %d の削除に失敗: %w", id, err))
	}
	return nil
}

// EndpointURL はアプリケーショントークン宛てにメッセージを投稿するためのURLを返す。
// ローカル購読者はこのURLをアプリケーションサーバーに渡す。
func (c *Client) EndpointURL(appToken string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/message"
	u.RawQuery = url.Values{"token": {appToken}}.Encode()
	return u.String()
}

// StreamURL はストリーム接続先のURLを返す。
// スキームをhttp→ws、https→wssに変換し、パスに/streamを付け、tokenクエリにデバイストークンを載せる。
func (c *Client) StreamURL() string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/stream"
	u.RawQuery = url.Values{"token": {c.deviceToken}}.Encode()
	return u.String()
}

// classify は認証エラーをErrUnauthorizedとして識別できるようにする。
func classify(err error) error {
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) && isAuthStatus(statusErr.StatusCode) {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return err
}

func isAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}
