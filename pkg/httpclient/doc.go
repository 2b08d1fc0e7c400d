// Package httpclient はゲートウェイから上流サービスへの転送を行うHTTPクライアントを提供する。
//
// 認可を通過したリクエストを、ホップバイホップヘッダーを除いたうえで
// 商品・カート・注文などの各サービスへ転送する。転送時には
// X-Forwarded-Forにクライアントのアドレスを追記する。
package httpclient
