// Package middleware はゲートウェイのGinミドルウェアを提供する。
//
// Bearerトークンの検証とルートポリシーに基づく認可を行うAuthorizerのほか、
// リクエストID付与、構造化アクセスログ、パニックリカバリ、CORS設定を含む。
package middleware
