// Package middleware は管理APIで使用するGinミドルウェアを提供する。
//
// JWT認証トークンの発行と検証、リクエストIDの付与とアクセスログ、
// パニックリカバリを含む。
package middleware
