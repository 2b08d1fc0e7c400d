// Package tokentest はテスト用にゲートウェイが受け付ける形式のトークンを発行する。
//
// 本番のトークン発行は認証サービスの責務であり、ゲートウェイ自身は発行しない。
package tokentest

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Key は認証サービスと同じ手順（SHA-256）で共有シークレットから署名鍵を導出する。
// token.DeriveKeyを呼ばずに独立して実装しているのは、テストで両者の導出結果を
// 突き合わせるため。token.DeriveKeyに統合しないこと。
func Key(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// Claims はサブジェクト、ロール、有効期間からクレームを組み立てる。
// subjectが空の場合はsubクレームを含めない。rolesがnilの場合はrolesクレームを含めない。
func Claims(subject string, roles any, ttl time.Duration) jwt.MapClaims {
	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if subject != "" {
		claims["sub"] = subject
	}
	if roles != nil {
		claims["roles"] = roles
	}
	return claims
}

// Sign はHS256でクレームに署名したトークン文字列を返す。
func Sign(t testing.TB, secret string, claims jwt.MapClaims) string {
	t.Helper()
	return SignWith(t, jwt.SigningMethodHS256, Key(secret), claims)
}

// SignWith は任意の署名方式と鍵でクレームに署名したトークン文字列を返す。
func SignWith(t testing.TB, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()

	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("テスト用トークンの署名に失敗: %v", err)
	}
	return signed
}

// User はroles=["USER"]を持つ1時間有効なトークンを返す。
func User(t testing.TB, secret, subject string) string {
	t.Helper()
	return Sign(t, secret, Claims(subject, []string{"USER"}, time.Hour))
}

// Admin はroles=["ADMIN"]を持つ1時間有効なトークンを返す。
func Admin(t testing.TB, secret, subject string) string {
	t.Helper()
	return Sign(t, secret, Claims(subject, []string{"ADMIN"}, time.Hour))
}
