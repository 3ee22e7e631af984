// Package upstream は上流のプッシュサーバー（Gotify）のクライアントを提供する。
//
// アプリケーションの作成・削除・一覧、メッセージの一覧・削除をREST APIで行い、
// 新着メッセージはWebSocketのストリームで受信する。全ての呼び出しはデバイストークンを伴う。
// 認証エラーは ErrUnauthorized として返し、自動での再認証や再試行は行わない。
package upstream
