// Package store はローカル購読と上流アプリケーションの対応（Registration）と、
// 処理済みメッセージの最大ID（ウォーターマーク）をSQLiteに永続化する。
//
// 各操作はそれぞれ1つのトランザクションで実行される。登録・登録解除・
// 突き合わせが同じトークンに対して競合しないよう、トークン単位のロックを提供する。
// ストアは再試行を行わない。失敗は呼び出し元に返す。
package store
