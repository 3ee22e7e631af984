package registration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/nao1215/gotifyup/internal/bus"
	"github.com/nao1215/gotifyup/internal/store"
	"github.com/nao1215/gotifyup/internal/testutil"
	"github.com/nao1215/gotifyup/internal/upstream"
)

// setupTestService はインメモリストアと偽の上流・通知先で登録サービスを生成する。
func setupTestService(t *testing.T) (*Service, *store.Store, *testutil.Upstream, *testutil.Notifier) {
	t.Helper()

	st, err := store.Open(t.Context(), ":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("インメモリストアの作成に失敗: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	up := testutil.NewUpstream()
	n := testutil.NewNotifier()
	return NewService(st, up, n, zap.NewNop(), nil), st, up, n
}

// failingInsertStore はInsertだけが失敗するストア。
type failingInsertStore struct {
	*store.Store
}

func (failingInsertStore) Insert(context.Context, store.Registration) (store.Registration, bool, error) {
	return store.Registration{}, false, errors.New("disk full")
}

func TestRegister(t *testing.T) {
	t.Parallel()

	t.Run("新規登録で上流アプリケーションが作成されエンドポイントが返ること", func(t *testing.T) {
		t.Parallel()

		svc, st, up, n := setupTestService(t)

		res := svc.Register(t.Context(), "chat", "tok1")
		if !res.OK() {
			t.Fatalf("Register() = %+v, want NEW_ENDPOINT", res)
		}
		want := up.EndpointURL("A1")
		if res.Detail != want {
			t.Errorf("endpoint = %q, want %q", res.Detail, want)
		}

		got, err := st.GetByAppAndToken(t.Context(), "chat", "tok1")
		if err != nil {
			t.Fatalf("GetByAppAndToken()でエラーが発生: %v", err)
		}
		if got.UpstreamAppID != 1 || got.UpstreamAppToken != "A1" {
			t.Errorf("保存された行 = %+v", got)
		}

		wantSent := []testutil.Notification{
			{Kind: testutil.KindNewEndpoint, AppID: "chat", Token: "tok1", Body: want},
		}
		if diff := cmp.Diff(wantSent, n.Sent()); diff != "" {
			t.Errorf("通知 (-want +got):\n%s", diff)
		}
	})

	t.Run("同じ要求を繰り返しても上流アプリケーションは1つだけ作成されること", func(t *testing.T) {
		t.Parallel()

		svc, st, up, n := setupTestService(t)

		first := svc.Register(t.Context(), "chat", "tok1")
		second := svc.Register(t.Context(), "chat", "tok1")
		if first != second {
			t.Errorf("2回目の結果 = %+v, want %+v", second, first)
		}
		if got := up.Calls(testutil.OpCreateApp); got != 1 {
			t.Errorf("CreateApp呼び出し回数 = %d, want 1", got)
		}
		all, err := st.All(t.Context())
		if err != nil {
			t.Fatalf("All()でエラーが発生: %v", err)
		}
		if len(all) != 1 {
			t.Errorf("行数 = %d, want 1", len(all))
		}
		if got := len(n.SentOf(testutil.KindNewEndpoint)); got != 2 {
			t.Errorf("NewEndpoint通知数 = %d, want 2", got)
		}
	})

	t.Run("並行して同じ要求が来ても上流アプリケーションは1つだけ作成されること", func(t *testing.T) {
		t.Parallel()

		svc, _, up, _ := setupTestService(t)

		var wg sync.WaitGroup
		results := make([]bus.RegisterResult, 8)
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = svc.Register(context.Background(), "chat", "tok1")
			}()
		}
		wg.Wait()

		for i, r := range results {
			if r != results[0] {
				t.Errorf("results[%d] = %+v, want %+v", i, r, results[0])
			}
		}
		if got := up.Calls(testutil.OpCreateApp); got != 1 {
			t.Errorf("CreateApp呼び出し回数 = %d, want 1", got)
		}
	})

	t.Run("同じトークンで別のアプリケーションIDなら別の行になること", func(t *testing.T) {
		t.Parallel()

		svc, st, _, _ := setupTestService(t)

		a := svc.Register(t.Context(), "chat", "tok1")
		b := svc.Register(t.Context(), "mail", "tok1")
		if a.Detail == b.Detail {
			t.Errorf("エンドポイントが同一: %q", a.Detail)
		}
		regs, err := st.ListByToken(t.Context(), "tok1")
		if err != nil {
			t.Fatalf("ListByToken()でエラーが発生: %v", err)
		}
		if len(regs) != 2 {
			t.Errorf("行数 = %d, want 2", len(regs))
		}
	})

	t.Run("上流の失敗でREGISTRATION_FAILEDになり何も保存されないこと", func(t *testing.T) {
		t.Parallel()

		svc, st, up, n := setupTestService(t)
		up.Fail(testutil.OpCreateApp, errors.New("connection refused"))

		res := svc.Register(t.Context(), "chat", "tok1")
		want := bus.RegisterResult{Status: bus.StatusRegistrationFailed, Detail: ReasonUpstream}
		if res != want {
			t.Errorf("Register() = %+v, want %+v", res, want)
		}
		if _, err := st.GetByAppAndToken(t.Context(), "chat", "tok1"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("GetByAppAndToken() error = %v, want ErrNotFound", err)
		}
		if got := len(n.Sent()); got != 0 {
			t.Errorf("通知数 = %d, want 0", got)
		}
	})

	t.Run("上流の認証失敗は理由で区別されること", func(t *testing.T) {
		t.Parallel()

		svc, _, up, _ := setupTestService(t)
		up.Fail(testutil.OpCreateApp, fmt.Errorf("%w: 401", upstream.ErrUnauthorized))

		res := svc.Register(t.Context(), "chat", "tok1")
		if res.Status != bus.StatusRegistrationFailed || res.Detail != ReasonUnauthorized {
			t.Errorf("Register() = %+v", res)
		}
	})

	t.Run("保存に失敗すると作成した上流アプリケーションが削除されること", func(t *testing.T) {
		t.Parallel()

		_, st, up, n := setupTestService(t)
		svc := NewService(failingInsertStore{st}, up, n, zap.NewNop(), nil)

		res := svc.Register(t.Context(), "chat", "tok1")
		if res.Status != bus.StatusRegistrationFailed || res.Detail != ReasonStore {
			t.Errorf("Register() = %+v", res)
		}
		if diff := cmp.Diff([]int64{1}, up.DeletedApps()); diff != "" {
			t.Errorf("削除された上流アプリケーション (-want +got):\n%s", diff)
		}
		if got := len(up.Apps()); got != 0 {
			t.Errorf("残った上流アプリケーション数 = %d, want 0", got)
		}
	})

	t.Run("NewEndpointの通知に失敗しても登録は成功すること", func(t *testing.T) {
		t.Parallel()

		svc, st, _, n := setupTestService(t)
		n.Fail(testutil.KindNewEndpoint, errors.New("bus gone"))

		if res := svc.Register(t.Context(), "chat", "tok1"); !res.OK() {
			t.Fatalf("Register() = %+v", res)
		}
		if _, err := st.GetByAppAndToken(t.Context(), "chat", "tok1"); err != nil {
			t.Errorf("GetByAppAndToken()でエラーが発生: %v", err)
		}
	})

	t.Run("空の入力は上流を呼ばずに失敗すること", func(t *testing.T) {
		t.Parallel()

		svc, _, up, _ := setupTestService(t)

		for _, in := range [][2]string{{"", "tok"}, {"chat", ""}} {
			res := svc.Register(t.Context(), in[0], in[1])
			if res.Status != bus.StatusRegistrationFailed || res.Detail != ReasonInvalidRequest {
				t.Errorf("Register(%q, %q) = %+v", in[0], in[1], res)
			}
		}
		if got := up.Calls(testutil.OpCreateApp); got != 0 {
			t.Errorf("CreateApp呼び出し回数 = %d, want 0", got)
		}
	})
}

func TestUnregister(t *testing.T) {
	t.Parallel()

	t.Run("トークンの全ての行と上流アプリケーションが削除されること", func(t *testing.T) {
		t.Parallel()

		svc, st, up, _ := setupTestService(t)
		svc.Register(t.Context(), "chat", "tok1")
		svc.Register(t.Context(), "mail", "tok1")
		svc.Register(t.Context(), "chat", "tok2")

		svc.Unregister(t.Context(), "tok1")

		regs, err := st.ListByToken(t.Context(), "tok1")
		if err != nil {
			t.Fatalf("ListByToken()でエラーが発生: %v", err)
		}
		if len(regs) != 0 {
			t.Errorf("tok1の行数 = %d, want 0", len(regs))
		}
		if diff := cmp.Diff([]int64{1, 2}, up.DeletedApps()); diff != "" {
			t.Errorf("削除された上流アプリケーション (-want +got):\n%s", diff)
		}
		if _, err := st.GetByAppAndToken(t.Context(), "chat", "tok2"); err != nil {
			t.Errorf("tok2が削除された: %v", err)
		}
	})

	t.Run("上流の削除に失敗してもローカルの行は削除されること", func(t *testing.T) {
		t.Parallel()

		svc, st, up, _ := setupTestService(t)
		svc.Register(t.Context(), "chat", "tok1")
		up.Fail(testutil.OpDeleteApp, errors.New("503"))

		svc.Unregister(t.Context(), "tok1")

		if _, err := st.Get(t.Context(), "tok1"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
		if got := len(up.Apps()); got != 1 {
			t.Errorf("上流アプリケーション数 = %d, want 1", got)
		}
	})

	t.Run("Removeは削除した行数を返すこと", func(t *testing.T) {
		t.Parallel()

		svc, _, _, _ := setupTestService(t)
		svc.Register(t.Context(), "chat", "tok1")
		svc.Register(t.Context(), "mail", "tok1")

		n, err := svc.Remove(t.Context(), "tok1")
		if err != nil {
			t.Fatalf("Remove()でエラーが発生: %v", err)
		}
		if n != 2 {
			t.Errorf("Remove() = %d, want 2", n)
		}
		if n, err := svc.Remove(t.Context(), "tok1"); err != nil || n != 0 {
			t.Errorf("2回目のRemove() = (%d, %v), want (0, nil)", n, err)
		}
	})

	t.Run("未登録のトークンは何もしないこと", func(t *testing.T) {
		t.Parallel()

		svc, _, up, n := setupTestService(t)

		svc.Unregister(t.Context(), "unknown")
		svc.Unregister(t.Context(), "")

		if got := up.Calls(testutil.OpDeleteApp); got != 0 {
			t.Errorf("DeleteApp呼び出し回数 = %d, want 0", got)
		}
		if got := len(n.Sent()); got != 0 {
			t.Errorf("通知数 = %d, want 0", got)
		}
	})
}
