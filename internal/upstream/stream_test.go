package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
)

// newStreamServer はWebSocketで接続を受け付けるテスト用サーバーを起動する。
// serveは接続ごとに呼ばれ、戻ると接続を閉じる。
func newStreamServer(t *testing.T, serve func(conn *websocket.Conn)) (*Client, <-chan *http.Request) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	requests := make(chan *http.Request, 8)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stream" || r.URL.Query().Get("token") != "device-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		requests <- r
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(ts.Close)

	c, err := New(ts.URL, "device-token", WithIdleTimeout(200*time.Millisecond))
	if err != nil {
		t.Fatalf("New()でエラーが発生: %v", err)
	}
	return c, requests
}

func TestOpenStream(t *testing.T) {
	t.Parallel()

	t.Run("テキストフレームのみデコードして返すこと", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		c, _ := newStreamServer(t, func(conn *websocket.Conn) {
			conn.WriteMessage(websocket.BinaryMessage, []byte(`{"id":1,"appid":1,"message":"bin"}`))
			conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
			conn.WriteMessage(websocket.TextMessage, []byte(`{"id":4,"appid":2,"message":"hello"}`))
			conn.WriteMessage(websocket.TextMessage, []byte(`{"id":6,"appid":2,"message":"world"}`))
			<-release
		})
		defer close(release)

		s, err := c.OpenStream(t.Context())
		if err != nil {
			t.Fatalf("OpenStream()でエラーが発生: %v", err)
		}
		defer s.Close()

		var got []Message
		for range 2 {
			m, err := s.Next()
			if err != nil {
				t.Fatalf("Next()でエラーが発生: %v", err)
			}
			got = append(got, m)
		}
		want := []Message{{ID: 4, AppID: 2, Message: "hello"}, {ID: 6, AppID: 2, Message: "world"}}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("messages (-want +got):\n%s", diff)
		}
	})

	t.Run("無通信が続くとNextがエラーを返すこと", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		c, _ := newStreamServer(t, func(_ *websocket.Conn) { <-release })
		defer close(release)

		s, err := c.OpenStream(t.Context())
		if err != nil {
			t.Fatalf("OpenStream()でエラーが発生: %v", err)
		}
		defer s.Close()

		start := time.Now()
		if _, err := s.Next(); err == nil {
			t.Fatal("Next()がエラーを返すべきだが、nilが返った")
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("タイムアウトまでの時間が長すぎる: %v", elapsed)
		}
	})

	t.Run("Pingを受信している間はタイムアウトしないこと", func(t *testing.T) {
		t.Parallel()

		c, _ := newStreamServer(t, func(conn *websocket.Conn) {
			for range 5 {
				time.Sleep(100 * time.Millisecond)
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
			}
			conn.WriteMessage(websocket.TextMessage, []byte(`{"id":9,"appid":1,"message":"late"}`))
			time.Sleep(time.Second)
		})

		s, err := c.OpenStream(t.Context())
		if err != nil {
			t.Fatalf("OpenStream()でエラーが発生: %v", err)
		}
		defer s.Close()

		m, err := s.Next()
		if err != nil {
			t.Fatalf("Next()でエラーが発生: %v", err)
		}
		if m.ID != 9 {
			t.Errorf("ID = %d, want 9", m.ID)
		}
	})

	t.Run("サーバーが接続を閉じるとNextがエラーを返すこと", func(t *testing.T) {
		t.Parallel()

		c, _ := newStreamServer(t, func(_ *websocket.Conn) {})
		s, err := c.OpenStream(t.Context())
		if err != nil {
			t.Fatalf("OpenStream()でエラーが発生: %v", err)
		}
		defer s.Close()

		if _, err := s.Next(); err == nil {
			t.Fatal("Next()がエラーを返すべきだが、nilが返った")
		}
	})

	t.Run("コンテキストをキャンセルするとNextが戻ること", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		c, _ := newStreamServer(t, func(_ *websocket.Conn) { <-release })
		defer close(release)

		ctx, cancel := context.WithCancel(t.Context())
		s, err := c.OpenStream(ctx)
		if err != nil {
			t.Fatalf("OpenStream()でエラーが発生: %v", err)
		}
		defer s.Close()

		s.(*wsStream).idleTimeout = 0
		done := make(chan error, 1)
		go func() {
			_, err := s.Next()
			done <- err
		}()
		cancel()

		select {
		case err := <-done:
			if err == nil {
				t.Error("Next()がエラーを返すべきだが、nilが返った")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("キャンセル後もNextが戻らない")
		}
	})

	t.Run("トークンが拒否された場合はErrUnauthorizedになること", func(t *testing.T) {
		t.Parallel()

		c, _ := newStreamServer(t, func(_ *websocket.Conn) {})
		c.deviceToken = "wrong"
		_, err := c.OpenStream(t.Context())
		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("err = %v, want ErrUnauthorized", err)
		}
	})
}
