// Package config は設定ファイル（YAML）と上流サーバーの認証情報（login.json）を読み込む。
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nao1215/gotifyup/internal/bus"
	"github.com/nao1215/gotifyup/internal/reconcile"
	"github.com/nao1215/gotifyup/internal/relay"
	"github.com/nao1215/gotifyup/internal/upstream"
	"github.com/nao1215/gotifyup/pkg/httpclient"
)

// 既定のディレクトリ名とファイル名。
const (
	DirName        = "UnifiedPushGotify"
	ConfigFile     = "config.yaml"
	DatabaseFile   = "database.db"
	CredentialFile = "login.json"
)

// ErrNoCredentials は認証情報ファイルが存在しないことを表す。
var ErrNoCredentials = errors.New("認証情報がありません。先にログインしてください")

// Config はデーモンの設定。
type Config struct {
	// DatabasePath はSQLiteデータベースのパス。
	DatabasePath string `yaml:"database_path"`
	// CredentialPath は認証情報ファイルのパス。
	CredentialPath string `yaml:"credential_path"`
	// BusName はバス上で取得する名前。
	BusName string `yaml:"bus_name"`
	// HTTPTimeout は上流REST APIのリクエストタイムアウト。
	HTTPTimeout time.Duration `yaml:"http_timeout"`
	// Admin は管理APIの設定。
	Admin AdminConfig `yaml:"admin"`
	// Relay は中継の設定。
	Relay RelayConfig `yaml:"relay"`
	// Reconcile は突き合わせの設定。
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

// AdminConfig は管理APIの設定。
type AdminConfig struct {
	// ListenAddress はリッスンするアドレス。空の場合は管理APIを起動しない。
	ListenAddress string `yaml:"listen_address"`
	// JWTSecret は認証に使用するシークレット。空の場合は認証しない。
	JWTSecret string `yaml:"jwt_secret"`
}

// RelayConfig は中継の設定。
type RelayConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// ReconcileConfig は突き合わせの設定。
type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Credentials は上流サーバーの認証情報。
type Credentials struct {
	// BaseURL は上流サーバーのベースURL。末尾のスラッシュは除去される。
	BaseURL string `json:"gotify_base_url"`
	// DeviceToken はデバイストークン。
	DeviceToken string `json:"gotify_device_token"`
}

// DefaultDir は既定の設定ディレクトリを返す。
func DefaultDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("設定ディレクトリの取得に失敗: %w", err)
	}
	return filepath.Join(dir, DirName), nil
}

// Default はdirを基準にした既定の設定を返す。
func Default(dir string) Config {
	return Config{
		DatabasePath:   filepath.Join(dir, DatabaseFile),
		CredentialPath: filepath.Join(dir, CredentialFile),
		BusName:        bus.DefaultBusName,
		HTTPTimeout:    httpclient.DefaultTimeout,
		Relay: RelayConfig{
			IdleTimeout: upstream.DefaultIdleTimeout,
			RetryDelay:  relay.DefaultRetryDelay,
		},
		Reconcile: ReconcileConfig{
			Interval: reconcile.DefaultInterval,
		},
	}
}

// Load はpathの設定ファイルを既定値の上に読み込み、検証する。
// pathが空の場合は既定のディレクトリのconfig.yamlを読み、それもなければ既定値を返す。
// 未知のキーはエラーになる。
func Load(path string) (Config, error) {
	dir, err := DefaultDir()
	if err != nil {
		return Config{}, err
	}
	cfg := Default(dir)
	if path == "" {
		path = filepath.Join(dir, ConfigFile)
		if _, err := os.Stat(path); err != nil {
			return cfg, cfg.Validate()
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("設定ファイルの解析に失敗: %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate は設定値を検証する。
func (c Config) Validate() error {
	var errs []error
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path が空です"))
	}
	if c.CredentialPath == "" {
		errs = append(errs, errors.New("credential_path が空です"))
	}
	if c.BusName == "" {
		errs = append(errs, errors.New("bus_name が空です"))
	}
	for name, d := range map[string]time.Duration{
		"http_timeout":       c.HTTPTimeout,
		"relay.idle_timeout": c.Relay.IdleTimeout,
		"relay.retry_delay":  c.Relay.RetryDelay,
		"reconcile.interval": c.Reconcile.Interval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s は正の値である必要があります: %s", name, d))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("設定が不正です: %w", err)
	}
	return nil
}

// LoadCredentials はpathの認証情報ファイルを読み込む。
// ファイルが存在しない場合はErrNoCredentialsを返す。
func LoadCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Credentials{}, fmt.Errorf("%w: %s", ErrNoCredentials, path)
		}
		return Credentials{}, fmt.Errorf("認証情報の読み込みに失敗: %w", err)
	}

	var cred Credentials
	if err := json.Unmarshal(data, &cred); err != nil {
		return Credentials{}, fmt.Errorf("認証情報の解析に失敗: %s: %w", path, err)
	}
	cred.BaseURL = strings.TrimRight(strings.TrimSpace(cred.BaseURL), "/")
	cred.DeviceToken = strings.TrimSpace(cred.DeviceToken)
	if cred.BaseURL == "" || cred.DeviceToken == "" {
		return Credentials{}, fmt.Errorf("認証情報が不完全です: gotify_base_url と gotify_device_token が必要です: %s", path)
	}
	return cred, nil
}
