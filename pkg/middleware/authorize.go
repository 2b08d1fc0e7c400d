package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nao1215/shopgate/pkg/policy"
	"github.com/nao1215/shopgate/pkg/token"
)

// HeaderUserName は認証済みユーザーのサブジェクトを下流サービスに伝えるヘッダー。
// 下流サービスはこのヘッダーを認証済みの身元として信頼する。
const HeaderUserName = "X-User-Name"

const (
	bearerPrefix      = "Bearer "
	contextKeySubject = "subject"
	contextKeyRoles   = "roles"
)

var (
	// ErrMissingAuthHeader はAuthorizationヘッダーが無い、またはBearer形式でないことを表す。
	ErrMissingAuthHeader = errors.New("Authorizationヘッダーが無いかBearer形式ではありません")
	// ErrInsufficientRole はトークンは有効だがルートが要求するロールを持たないことを表す。
	ErrInsufficientRole = errors.New("必要なロールがありません")
	// errVerifierPanic は検証中に発生したパニックを表す。
	errVerifierPanic = errors.New("トークン検証中にパニックが発生しました")
)

// TokenVerifier はBearerトークンを検証する。
type TokenVerifier interface {
	Verify(raw string) (token.Claims, error)
}

// Outcome は1リクエストに対する認可の結果。
type Outcome int

const (
	// OutcomeForward は検証に成功し、身元ヘッダーを付けて転送することを表す。
	OutcomeForward Outcome = iota
	// OutcomeBypass は公開パスのためトークンを検証せずにそのまま転送することを表す。
	OutcomeBypass
	// OutcomeUnauthorized は401で拒否することを表す。
	OutcomeUnauthorized
	// OutcomeForbidden は403で拒否することを表す。
	OutcomeForbidden
)

// String は結果の名前を返す。
func (o Outcome) String() string {
	switch o {
	case OutcomeForward:
		return "forward"
	case OutcomeBypass:
		return "bypass"
	case OutcomeUnauthorized:
		return "unauthorized"
	case OutcomeForbidden:
		return "forbidden"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Decision はAuthorizer.Decideの結果。
type Decision struct {
	// Outcome は認可の結果。
	Outcome Outcome
	// Status は拒否時のHTTPステータス。転送時は0。
	Status int
	// Subject は検証済みトークンのサブジェクト。
	Subject string
	// Roles は検証済みトークンのロール集合。
	Roles token.Roles
	// Requirement はパスに一致したポリシー。
	Requirement policy.Requirement
	// Err は拒否理由。クライアントには返さない。
	Err error
}

// Authorizer はBearerトークンとルートポリシー表でリクエストを認可する。
// 保持する状態は全て読み取り専用のため、並行に使用してよい。
type Authorizer struct {
	// verifier はトークンの検証器。
	verifier TokenVerifier
	// table はルートポリシー表。
	table *policy.Table
	// logger は拒否理由の出力先。
	logger zerolog.Logger
}

// NewAuthorizer は新しいAuthorizerを生成する。
func NewAuthorizer(verifier TokenVerifier, table *policy.Table, logger zerolog.Logger) *Authorizer {
	return &Authorizer{
		verifier: verifier,
		table:    table,
		logger:   logger,
	}
}

// Decide はパスとAuthorizationヘッダーの値から認可結果を決める。
// 検証エラーの種類に関わらずトークンの問題は全て401になる。
func (a *Authorizer) Decide(path, authorization string) Decision {
	req := a.table.Match(policy.NormalizePath(path))
	if req.Bypass {
		return Decision{Outcome: OutcomeBypass, Requirement: req}
	}

	raw, ok := strings.CutPrefix(authorization, bearerPrefix)
	if !ok {
		return Decision{Outcome: OutcomeUnauthorized, Status: http.StatusUnauthorized, Requirement: req, Err: ErrMissingAuthHeader}
	}

	claims, err := a.verify(raw)
	if err != nil {
		return Decision{Outcome: OutcomeUnauthorized, Status: http.StatusUnauthorized, Requirement: req, Err: err}
	}

	if !req.Role.SatisfiedBy(claims.Roles) {
		d := Decision{
			Outcome:     OutcomeUnauthorized,
			Status:      http.StatusUnauthorized,
			Subject:     claims.Subject,
			Roles:       claims.Roles,
			Requirement: req,
			Err:         fmt.Errorf("%w: %s", ErrInsufficientRole, req.Role),
		}
		if req.DenyStatus == http.StatusForbidden {
			d.Outcome = OutcomeForbidden
			d.Status = http.StatusForbidden
		}
		return d
	}

	return Decision{
		Outcome:     OutcomeForward,
		Subject:     claims.Subject,
		Roles:       claims.Roles,
		Requirement: req,
	}
}

// verify は検証器を呼び出し、パニックをエラーに変換する。
func (a *Authorizer) verify(raw string) (claims token.Claims, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errVerifierPanic, r)
		}
	}()
	return a.verifier.Verify(raw)
}

// Handler はAuthorizerをGinミドルウェアとして返す。
// 拒否時はボディ無しで401または403を返し、後続のハンドラーを実行しない。
// 転送時はX-User-Nameヘッダーをサブジェクト（無い場合は空文字列）で上書きする。
func (a *Authorizer) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		d := a.Decide(c.Request.URL.Path, c.GetHeader("Authorization"))

		switch d.Outcome {
		case OutcomeBypass:
			c.Next()
		case OutcomeForward:
			c.Request.Header.Set(HeaderUserName, d.Subject)
			c.Set(contextKeySubject, d.Subject)
			c.Set(contextKeyRoles, d.Roles)
			c.Next()
		default:
			a.logger.Debug().
				Err(d.Err).
				Str("outcome", d.Outcome.String()).
				Str("path", c.Request.URL.Path).
				Str("pattern", d.Requirement.Pattern).
				Str("required_role", string(d.Requirement.Role)).
				Str("request_id", GetRequestID(c)).
				Msg("リクエストを拒否しました")
			c.AbortWithStatus(d.Status)
		}
	}
}

// GetSubject はGinコンテキストから認証済みサブジェクトを取得する。
// Authorizerが転送を許可したリクエストでのみ値を持つ。
func GetSubject(c *gin.Context) string {
	return c.GetString(contextKeySubject)
}

// GetRoles はGinコンテキストから認証済みロール集合を取得する。
func GetRoles(c *gin.Context) token.Roles {
	if v, ok := c.Get(contextKeyRoles); ok {
		if roles, ok := v.(token.Roles); ok {
			return roles
		}
	}
	return token.NewRoles()
}
