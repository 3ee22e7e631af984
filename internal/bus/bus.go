package bus

import "context"

// Register呼び出しの結果ステータス。
const (
	// StatusNewEndpoint は登録に成功しエンドポイントが発行されたことを表す。
	StatusNewEndpoint = "NEW_ENDPOINT"
	// StatusRegistrationFailed は登録に失敗したことを表す。
	StatusRegistrationFailed = "REGISTRATION_FAILED"
)

// RegisterResult はRegister呼び出しへの応答。
type RegisterResult struct {
	// Status は StatusNewEndpoint または StatusRegistrationFailed。
	Status string `json:"status"`
	// Detail は成功時はエンドポイントURL、失敗時は理由。
	Detail string `json:"detail"`
}

// OK は登録に成功した結果かどうかを返す。
func (r RegisterResult) OK() bool {
	return r.Status == StatusNewEndpoint
}

// Handler はバスから届く登録・登録解除要求を処理する。
type Handler interface {
	// Register はappIDのtokenによる購読を登録する。
	Register(ctx context.Context, appID, token string) RegisterResult
	// Unregister はtokenの購読を解除する。結果は呼び出し元に返さない。
	Unregister(ctx context.Context, token string)
}

// Notifier は購読者への通知を送る。appIDは送信先のバス名。
type Notifier interface {
	// Message はプッシュメッセージを配送する。
	Message(ctx context.Context, appID, token, payload string) error
	// NewEndpoint はエンドポイントURLを通知する。
	NewEndpoint(ctx context.Context, appID, token, endpoint string) error
	// Unregister は上流側で登録が削除されたことを通知する。
	Unregister(ctx context.Context, appID, token string) error
}
