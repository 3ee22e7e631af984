// Package bus はローカルのプロセス間通信（D-Busセッションバス）との境界を提供する。
//
// 受信側はUnifiedPushのDistributorインターフェース（Register / Unregister）を公開し、
// 送信側はConnectorインターフェース（Message / NewEndpoint / Unregister）を
// 購読者のバス名に対して呼び出す。接続は明示的なハンドルとして各コンポーネントに渡す。
package bus
