package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"go.uber.org/zap"
)

const (
	// DefaultBusName はDistributorとして取得するバス名。
	DefaultBusName = "org.unifiedpush.Distributor.gotify"
	// DistributorPath はDistributorオブジェクトのパス。
	DistributorPath = dbus.ObjectPath("/org/unifiedpush/Distributor")
	// DistributorInterface はDistributorのインターフェース名。
	DistributorInterface = "org.unifiedpush.Distributor1"
	// ConnectorPath は購読者側Connectorオブジェクトのパス。
	ConnectorPath = dbus.ObjectPath("/org/unifiedpush/Connector")
	// ConnectorInterface はConnectorのインターフェース名。
	ConnectorInterface = "org.unifiedpush.Connector1"

	// callTimeout は受信した1呼び出しを処理する時間の上限。
	callTimeout = 60 * time.Second
)

// Conn はD-Busセッションバスへの接続。Notifierを実装する。
type Conn struct {
	// conn は内部のD-Bus接続。
	conn *dbus.Conn
	// logger はロガー。
	logger *zap.Logger
}

// ConnectSession はセッションバスに接続する。
func ConnectSession(logger *zap.Logger) (*Conn, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("セッションバスへの接続に失敗: %w", err)
	}
	return &Conn{conn: conn, logger: logger}, nil
}

// Close は接続を閉じる。
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Serve はhをDistributorとして公開し、nameのバス名を取得する。
// バス名を取得できない場合はエラーを返す。受信した呼び出しはctxを親として処理される。
func (c *Conn) Serve(ctx context.Context, name string, h Handler) error {
	d := &distributor{ctx: ctx, handler: h, logger: c.logger}
	if err := c.conn.Export(d, DistributorPath, DistributorInterface); err != nil {
		return fmt.Errorf("Distributorの公開に失敗: %w", err)
	}

	node := &introspect.Node{
		Name: string(DistributorPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{Name: DistributorInterface, Methods: introspect.Methods(d)},
		},
	}
	if err := c.conn.Export(introspect.NewIntrospectable(node), DistributorPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("イントロスペクションの公開に失敗: %w", err)
	}

	reply, err := c.conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("バス名 %s の取得に失敗: %w", name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("バス名 %s は既に使用されています", name)
	}
	c.logger.Info("Distributorを公開しました", zap.String("name", name))
	return nil
}

// Message はappIDのConnectorにプッシュメッセージを送る。
func (c *Conn) Message(ctx context.Context, appID, token, payload string) error {
	return c.call(ctx, appID, "Message", token, payload, "")
}

// NewEndpoint はappIDのConnectorにエンドポイントURLを送る。
func (c *Conn) NewEndpoint(ctx context.Context, appID, token, endpoint string) error {
	return c.call(ctx, appID, "NewEndpoint", token, endpoint)
}

// Unregister はappIDのConnectorに登録解除を送る。
func (c *Conn) Unregister(ctx context.Context, appID, token string) error {
	return c.call(ctx, appID, "Unregister", token)
}

// call は応答を待たずにメソッド呼び出しを送信する。
// バスが送信を受け付けた時点で成功とする。
func (c *Conn) call(ctx context.Context, appID, method string, args ...any) error {
	if appID == "" {
		return errors.New("送信先のバス名が空です")
	}
	obj := c.conn.Object(appID, ConnectorPath)
	call := obj.GoWithContext(ctx, ConnectorInterface+"."+method, dbus.FlagNoReplyExpected, nil, args...)
	if call.Err != nil {
		return fmt.Errorf("%s への %s の送信に失敗: %w", appID, method, call.Err)
	}
	return nil
}

// distributor はD-Busに公開するDistributorオブジェクト。
// メソッド名とシグネチャがそのままD-Busのメソッドになる。
type distributor struct {
	ctx     context.Context
	handler Handler
	logger  *zap.Logger
}

// Register はorg.unifiedpush.Distributor1.Register。
func (d *distributor) Register(appID, token string) (string, string, *dbus.Error) {
	ctx, cancel := context.WithTimeout(d.ctx, callTimeout)
	defer cancel()

	res := d.handler.Register(ctx, appID, token)
	return res.Status, res.Detail, nil
}

// Unregister はorg.unifiedpush.Distributor1.Unregister。
func (d *distributor) Unregister(token string) *dbus.Error {
	ctx, cancel := context.WithTimeout(d.ctx, callTimeout)
	defer cancel()

	d.handler.Unregister(ctx, token)
	return nil
}
