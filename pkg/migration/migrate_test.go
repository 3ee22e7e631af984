package migration

import (
	"database/sql"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRun(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"migrations/000002_add_index.up.sql": {Data: []byte("CREATE INDEX idx_items_name ON items(name);")},
		"migrations/000001_init.up.sql":      {Data: []byte("CREATE TABLE items (name TEXT NOT NULL);")},
		"migrations/000001_init.down.sql":    {Data: []byte("DROP TABLE items;")},
		"migrations/README.md":               {Data: []byte("ignored")},
		"migrations/abc_broken.up.sql":       {Data: []byte("THIS IS NOT SQL")},
	}

	t.Run("バージョン順に適用されること", func(t *testing.T) {
		t.Parallel()

		db := openMemoryDB(t)
		if err := Run(t.Context(), db, fsys, "migrations", nil); err != nil {
			t.Fatalf("Run()でエラーが発生: %v", err)
		}

		v, err := CurrentVersion(t.Context(), db)
		if err != nil {
			t.Fatalf("CurrentVersion()でエラーが発生: %v", err)
		}
		if v != 2 {
			t.Errorf("version = %d, want 2", v)
		}
	})

	t.Run("2回実行しても適用済みのものはスキップされること", func(t *testing.T) {
		t.Parallel()

		db := openMemoryDB(t)
		if err := Run(t.Context(), db, fsys, "migrations", nil); err != nil {
			t.Fatalf("1回目のRun()でエラーが発生: %v", err)
		}
		if err := Run(t.Context(), db, fsys, "migrations", nil); err != nil {
			t.Fatalf("2回目のRun()でエラーが発生: %v", err)
		}

		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
			t.Fatalf("件数取得に失敗: %v", err)
		}
		if count != 2 {
			t.Errorf("count = %d, want 2", count)
		}
	})

	t.Run("不正なSQLの場合はエラーが返りバージョンが記録されないこと", func(t *testing.T) {
		t.Parallel()

		broken := fstest.MapFS{
			"m/000001_bad.up.sql": {Data: []byte("CREATE TABLE")},
		}
		db := openMemoryDB(t)
		if err := Run(t.Context(), db, broken, "m", nil); err == nil {
			t.Fatal("Run()がエラーを返すべきだが、nilが返った")
		}

		v, err := CurrentVersion(t.Context(), db)
		if err != nil {
			t.Fatalf("CurrentVersion()でエラーが発生: %v", err)
		}
		if v != 0 {
			t.Errorf("version = %d, want 0", v)
		}
	})
}
