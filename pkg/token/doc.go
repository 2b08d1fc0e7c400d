// Package token はゲートウェイに提示されるBearerトークン（HS256署名のJWT）を検証する。
//
// 署名鍵は設定された共有シークレットのSHA-256ダイジェストから一度だけ導出され、
// 以降は不変のまま全リクエストで共有される。検証に成功したトークンからは
// サブジェクトとロール集合のみを取り出す。ロールクレームは配列とカンマ区切り
// 文字列のどちらでも受け付け、境界で単一の集合表現に正規化する。
package token
