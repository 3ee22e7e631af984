package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nao1215/gotifyup/pkg/migration"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound は該当するRegistrationが存在しないことを表す。
var ErrNotFound = errors.New("registration not found")

// Registration はローカル購読と上流アプリケーションの対応を表す。
// 作成後に更新されることはなく、登録解除または突き合わせで削除される。
type Registration struct {
	// LocalAppID はローカルアプリケーションのID（通知先のバス名）。
	LocalAppID string `json:"local_app_id"`
	// LocalToken はローカル購読のトークン。
	LocalToken string `json:"local_token"`
	// UpstreamAppID は上流アプリケーションのID。Registration毎に一意。
	UpstreamAppID int64 `json:"upstream_app_id"`
	// UpstreamAppToken は上流アプリケーションのトークン。
	UpstreamAppToken string `json:"upstream_app_token"`
}

// Store はRegistrationとウォーターマークのSQLiteストア。
type Store struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
	// locks はトークン単位の排他制御。
	locks *keyedMutex
}

// Open はpathのSQLiteデータベースを開き、マイグレーションを適用する。
// pathが ":memory:" の場合はインメモリデータベースを使用する。
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// SQLiteは単一ライターのため接続を1本に絞り、トランザクションを直列化する。
	// インメモリDBでは接続ごとに別DBになるためこれが必須。
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if err := migration.Run(ctx, db, migrations, "migrations", logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	version, err := migration.CurrentVersion(ctx, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	logger.Info("データベースを開きました", zap.String("path", path), zap.Int("schema_version", version))

	return &Store{db: db, locks: newKeyedMutex()}, nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping はデータベースが利用可能か確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Lock はtokenに対する排他ロックを取得し、解放関数を返す。
// 参照してから書き込む一連の操作（登録、登録解除、突き合わせによる削除）は
// このロックの内側で行うこと。
func (s *Store) Lock(token string) (unlock func()) {
	return s.locks.lock(token)
}

const selectColumns = "SELECT local_app_id, local_token, upstream_app_id, upstream_app_token FROM registrations"

// Get はtokenに対応する最初のRegistrationを返す。存在しない場合はErrNotFound。
func (s *Store) Get(ctx context.Context, token string) (Registration, error) {
	return s.queryOne(ctx, selectColumns+" WHERE local_token = ? ORDER BY rowid LIMIT 1", token)
}

// GetByAppAndToken は(appID, token)に対応するRegistrationを返す。存在しない場合はErrNotFound。
func (s *Store) GetByAppAndToken(ctx context.Context, appID, token string) (Registration, error) {
	return s.queryOne(ctx, selectColumns+" WHERE local_app_id = ? AND local_token = ?", appID, token)
}

// GetByUpstreamID は上流アプリケーションIDに対応するRegistrationを返す。存在しない場合はErrNotFound。
func (s *Store) GetByUpstreamID(ctx context.Context, upstreamAppID int64) (Registration, error) {
	return s.queryOne(ctx, selectColumns+" WHERE upstream_app_id = ?", upstreamAppID)
}

// ListByToken はtokenに対応する全てのRegistrationを返す。
func (s *Store) ListByToken(ctx context.Context, token string) ([]Registration, error) {
	return s.queryAll(ctx, selectColumns+" WHERE local_token = ? ORDER BY rowid", token)
}

// All は全てのRegistrationを返す。
func (s *Store) All(ctx context.Context) ([]Registration, error) {
	return s.queryAll(ctx, selectColumns+" ORDER BY rowid")
}

// Insert はRegistrationを保存する。
// 同じ(LocalAppID, LocalToken)の行が既にある場合は挿入せず既存の行を返し、createdはfalseになる。
func (s *Store) Insert(ctx context.Context, r Registration) (stored Registration, created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Registration{}, false, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	existing, err := scanOne(tx.QueryRowContext(ctx,
		selectColumns+" WHERE local_app_id = ? AND local_token = ?", r.LocalAppID, r.LocalToken))
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, ErrNotFound):
		return Registration{}, false, err
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO registrations (local_app_id, local_token, upstream_app_id, upstream_app_token) VALUES (?, ?, ?, ?)",
		r.LocalAppID, r.LocalToken, r.UpstreamAppID, r.UpstreamAppToken,
	); err != nil {
		return Registration{}, false, fmt.Errorf("Registrationの保存に失敗: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Registration{}, false, fmt.Errorf("コミットに失敗: %w", err)
	}
	return r, true, nil
}

// Delete はtokenに対応する全ての行を削除し、削除件数を返す。
func (s *Store) Delete(ctx context.Context, token string) (int64, error) {
	return s.exec(ctx, "DELETE FROM registrations WHERE local_token = ?", token)
}

// DeleteByUpstreamID は上流アプリケーションIDに対応する行を削除し、削除件数を返す。
func (s *Store) DeleteByUpstreamID(ctx context.Context, upstreamAppID int64) (int64, error) {
	return s.exec(ctx, "DELETE FROM registrations WHERE upstream_app_id = ?", upstreamAppID)
}

// Watermark は処理済みメッセージIDの最大値を返す。未設定の場合okはfalse。
func (s *Store) Watermark(ctx context.Context) (id int64, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, "SELECT message_id FROM watermark WHERE singleton = 1").Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("ウォーターマークの取得に失敗: %w", err)
	}
	return id, true, nil
}

// SetWatermark はウォーターマークをmax(現在値, id)に更新する。
// 値が小さくなることはない。
func (s *Store) SetWatermark(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO watermark (singleton, message_id) VALUES (1, ?)
		ON CONFLICT(singleton) DO UPDATE SET message_id = MAX(message_id, excluded.message_id)
	`, id); err != nil {
		return fmt.Errorf("ウォーターマークの更新に失敗: %w", err)
	}
	return nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("Registrationの削除に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return n, nil
}

func (s *Store) queryOne(ctx context.Context, query string, args ...any) (Registration, error) {
	return scanOne(s.db.QueryRowContext(ctx, query, args...))
}

func (s *Store) queryAll(ctx context.Context, query string, args ...any) ([]Registration, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("Registrationの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var regs []Registration
	for rows.Next() {
		var r Registration
		if err := rows.Scan(&r.LocalAppID, &r.LocalToken, &r.UpstreamAppID, &r.UpstreamAppToken); err != nil {
			return nil, fmt.Errorf("Registrationの読み取りに失敗: %w", err)
		}
		regs = append(regs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Registrationの取得に失敗: %w", err)
	}
	return regs, nil
}

func scanOne(row *sql.Row) (Registration, error) {
	var r Registration
	err := row.Scan(&r.LocalAppID, &r.LocalToken, &r.UpstreamAppID, &r.UpstreamAppToken)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Registration{}, ErrNotFound
	case err != nil:
		return Registration{}, fmt.Errorf("Registrationの取得に失敗: %w", err)
	}
	return r, nil
}
