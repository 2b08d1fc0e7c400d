// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// ECサイトの外部からアクセス可能な唯一の入口として、全てのリクエストを
// ルートポリシー表とBearerトークンで認可し、パスプレフィックスに応じて
// 認証・商品・カート・注文・在庫・カタログの各サービスへ転送する。
// 転送時にはX-User-Nameヘッダーで認証済みユーザー名を伝える。
package gateway
