package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// controlWriteWait は制御フレーム送信の期限。
const controlWriteWait = 5 * time.Second

// Stream は上流から届くメッセージの列。
// 無通信タイムアウトと接続断は区別されず、どちらもNextのエラーとして現れる。
type Stream interface {
	// Next は次のメッセージを受信するまでブロックする。
	// エラーを返した後のStreamは再利用できない。
	Next() (Message, error)
	// Close は接続を閉じる。複数回呼んでもよい。
	Close() error
}

// OpenStream はストリームに接続する。ctxがキャンセルされると接続は閉じられる。
func (c *Client) OpenStream(ctx context.Context) (Stream, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.StreamURL(), nil)
	if err != nil {
		if resp != nil && isAuthStatus(resp.StatusCode) {
			return nil, fmt.Errorf("%w: ストリーム接続が拒否された: status=%d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("ストリーム接続に失敗: %w", err)
	}

	s := &wsStream{conn: conn, idleTimeout: c.idleTimeout}
	// Pingも受信とみなして期限を延長する。
	conn.SetPingHandler(func(appData string) error {
		s.extendDeadline()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(controlWriteWait))
		var netErr net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil
		}
		return err
	})
	s.stop = context.AfterFunc(ctx, func() { _ = conn.Close() })
	return s, nil
}

type wsStream struct {
	conn        *websocket.Conn
	idleTimeout time.Duration
	stop        func() bool
}

func (s *wsStream) extendDeadline() {
	if s.idleTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	}
}

func (s *wsStream) Next() (Message, error) {
	for {
		s.extendDeadline()
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			return Message{}, fmt.Errorf("ストリームの受信に失敗: %w", err)
		}
		if typ != websocket.TextMessage {
			continue
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		return m, nil
	}
}

func (s *wsStream) Close() error {
	if s.stop != nil {
		s.stop()
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(controlWriteWait))
	return s.conn.Close()
}
