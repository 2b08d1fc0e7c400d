package token

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken はトークン文字列が空であることを表す。
	ErrInvalidToken = errors.New("トークンが空です")
	// ErrSignatureInvalid は署名が一致しない、または想定外の署名方式であることを表す。
	ErrSignatureInvalid = errors.New("トークンの署名が不正です")
	// ErrExpired はトークンの有効期間外であることを表す。
	ErrExpired = errors.New("トークンの有効期限が切れています")
	// ErrMalformedClaims はトークンまたはクレームを解析できないことを表す。
	ErrMalformedClaims = errors.New("トークンのクレームが不正です")
)

// Claims は検証済みトークンから取り出したゲートウェイが利用する情報。
type Claims struct {
	// Subject は呼び出し元ユーザーの識別子。クレームが無い場合は空文字列。
	Subject string
	// Roles は呼び出し元に付与されたロールの集合。
	Roles Roles
}

// tokenClaims はJWTペイロードのデコード先。
type tokenClaims struct {
	jwt.RegisteredClaims
	// Roles はロールクレーム。配列とカンマ区切り文字列の両方を受け付ける。
	Roles Roles `json:"roles"`
}

// Verifier はHS256署名のトークンを検証する。
// 複数のゴルーチンから同時に使用してよい。
type Verifier struct {
	// signingKey は署名鍵を初回呼び出し時に一度だけ導出して返す。
	signingKey func() []byte
	// parser はクレーム検証の設定を持つJWTパーサー。
	parser *jwt.Parser
}

// Option はVerifierの設定を変更する。
type Option func(*verifierConfig)

type verifierConfig struct {
	derive func(secret string) []byte
	leeway time.Duration
	now    func() time.Time
}

// WithKeyDerivation は署名鍵の導出関数を差し替える。
func WithKeyDerivation(fn func(secret string) []byte) Option {
	return func(c *verifierConfig) {
		c.derive = fn
	}
}

// WithLeeway は有効期間の検証で許容する時刻のずれを設定する。
func WithLeeway(d time.Duration) Option {
	return func(c *verifierConfig) {
		c.leeway = d
	}
}

// WithClock は有効期間の検証に使用する現在時刻の取得関数を設定する。
func WithClock(now func() time.Time) Option {
	return func(c *verifierConfig) {
		c.now = now
	}
}

// DeriveKey は共有シークレットのSHA-256ダイジェストをHMAC鍵として返す。
func DeriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// NewVerifier は共有シークレットからVerifierを生成する。
// 署名鍵の導出は最初のVerify呼び出しまで遅延され、並行呼び出しがあっても一度だけ行われる。
func NewVerifier(secret string, opts ...Option) *Verifier {
	cfg := verifierConfig{derive: DeriveKey}
	for _, opt := range opts {
		opt(&cfg)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(cfg.leeway),
	}
	if cfg.now != nil {
		parserOpts = append(parserOpts, jwt.WithTimeFunc(cfg.now))
	}

	derive := cfg.derive
	return &Verifier{
		signingKey: sync.OnceValue(func() []byte {
			return derive(secret)
		}),
		parser: jwt.NewParser(parserOpts...),
	}
}

// Verify はトークン文字列を検証し、サブジェクトとロールを返す。
// 失敗した場合はErrInvalidToken、ErrSignatureInvalid、ErrExpired、ErrMalformedClaimsの
// いずれかをラップしたエラーを返す。
func (v *Verifier) Verify(raw string) (Claims, error) {
	if strings.TrimSpace(raw) == "" {
		return Claims{}, ErrInvalidToken
	}

	claims := &tokenClaims{}
	tok, err := v.parser.ParseWithClaims(raw, claims, func(_ *jwt.Token) (any, error) {
		return v.signingKey(), nil
	})
	if err != nil {
		return Claims{}, classify(err)
	}
	if !tok.Valid {
		return Claims{}, fmt.Errorf("%w: 検証結果が無効です", ErrMalformedClaims)
	}

	roles := claims.Roles
	if roles == nil {
		roles = make(Roles)
	}
	return Claims{
		Subject: claims.Subject,
		Roles:   roles,
	}, nil
}

// classify はgolang-jwtのエラーを検証エラーの種別に変換する。
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return fmt.Errorf("%w: %w", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	default:
		return fmt.Errorf("%w: %w", ErrMalformedClaims, err)
	}
}
