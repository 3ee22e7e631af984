// Package httpclient はJSONを送受信する小さなHTTPクライアントを提供する。
//
// 上流のプッシュサーバー（Gotify）のREST APIを呼び出す際に使用する。
// 全リクエストに固定ヘッダー（認証トークンなど）を付与し、
// 2xx以外のレスポンスは StatusError として返す。
package httpclient
