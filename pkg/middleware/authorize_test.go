package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nao1215/shopgate/pkg/policy"
	"github.com/nao1215/shopgate/pkg/token"
	"github.com/nao1215/shopgate/pkg/token/tokentest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用の共有シークレット。
const testSecret = "test-secret-key-for-unit-tests"

// forwarded は認可を通過したリクエストを記録する。
type forwarded struct {
	mu sync.Mutex
	// called はハンドラーが呼ばれた回数。
	called int
	// userName はX-User-Nameヘッダーの値。
	userName string
	// hasUserName はX-User-Nameヘッダーが設定されていたか。
	hasUserName bool
	// subject はGetSubjectで取得した値。
	subject string
	// roles はGetRolesで取得した値。
	roles []string
}

// newAuthorizedRouter はAuthorizerを適用し、全パスを受け付けるテスト用ルーターを生成する。
func newAuthorizedRouter(t *testing.T, a *Authorizer) (*gin.Engine, *forwarded) {
	t.Helper()

	rec := &forwarded{}
	router := gin.New()
	router.Use(a.Handler())
	router.Any("/*path", func(c *gin.Context) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.called++
		_, rec.hasUserName = c.Request.Header[http.CanonicalHeaderKey(HeaderUserName)]
		rec.userName = c.Request.Header.Get(HeaderUserName)
		rec.subject = GetSubject(c)
		rec.roles = GetRoles(c).Slice()
		c.String(http.StatusOK, "ok")
	})
	return router, rec
}

// newDefaultAuthorizer は既定のポリシー表を使うAuthorizerを生成する。
func newDefaultAuthorizer() *Authorizer {
	return NewAuthorizer(token.NewVerifier(testSecret), policy.Default(), zerolog.Nop())
}

// serve はリクエストを実行してレスポンスを返す。authorizationが空の場合はヘッダーを付けない。
func serve(router http.Handler, method, path, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// TestAuthorizerHandler はAuthorizerミドルウェアの転送・拒否を検証する。
func TestAuthorizerHandler(t *testing.T) {
	t.Parallel()

	t.Run("公開パスはAuthorizationヘッダー無しで転送されること", func(t *testing.T) {
		t.Parallel()

		router, rec := newAuthorizedRouter(t, newDefaultAuthorizer())
		w := serve(router, http.MethodPost, "/api/auth/login", "")

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if rec.called != 1 {
			t.Errorf("ハンドラー呼び出し回数 = %d, want 1", rec.called)
		}
		if rec.hasUserName {
			t.Error("公開パスでX-User-Nameヘッダーが設定されるべきではない")
		}
	})

	t.Run("公開パスは不正なトークンでも転送されること", func(t *testing.T) {
		t.Parallel()

		router, rec := newAuthorizedRouter(t, newDefaultAuthorizer())
		w := serve(router, http.MethodPost, "/api/auth/register", "Bearer invalid-token-string")

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if rec.called != 1 {
			t.Errorf("ハンドラー呼び出し回数 = %d, want 1", rec.called)
		}
	})

	t.Run("トークン無しで注文参照すると401がボディ無しで返ること", func(t *testing.T) {
		t.Parallel()

		router, rec := newAuthorizedRouter(t, newDefaultAuthorizer())
		w := serve(router, http.MethodGet, "/api/orders/getOrderById/5", "")

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if w.Body.Len() != 0 {
			t.Errorf("ボディ = %q, want empty", w.Body.String())
		}
		if rec.called != 0 {
			t.Error("拒否されたリクエストでハンドラーが呼ばれるべきではない")
		}
	})

	t.Run("Bearer形式でないAuthorizationヘッダーは401になること", func(t *testing.T) {
		t.Parallel()

		raw := tokentest.User(t, testSecret, "alice")
		for _, header := range []string{raw, "Token " + raw, "bearer " + raw, "Bearer" + raw, "Basic dXNlcjpwYXNz"} {
			router, rec := newAuthorizedRouter(t, newDefaultAuthorizer())
			w := serve(router, http.MethodGet, "/api/cart/42", header)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("Authorization=%q: ステータスコード = %d, want %d", header, w.Code, http.StatusUnauthorized)
			}
			if rec.called != 0 {
				t.Errorf("Authorization=%q: ハンドラーが呼ばれるべきではない", header)
			}
		}
	})

	t.Run("空のトークンは401になること", func(t *testing.T) {
		t.Parallel()

		router, rec := newAuthorizedRouter(t, newDefaultAuthorizer())
		w := serve(router, http.MethodGet, "/api/products/getAllProducts", "Bearer ")

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if rec.called != 0 {
			t.Error("拒否されたリクエストでハンドラーが呼ばれるべきではない")
		}
	})

	t.Run("異なるシークレットで署名されたトークンは401になること", func(t *testing.T) {
		t.Parallel()

		router, rec := newAuthorizedRouter(t, newDefaultAuthorizer())
		w := serve(router, http.MethodGet, "/api/cart/42", "Bearer "+tokentest.User(t, "different-secret", "alice"))

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if w.Body.Len() != 0 {
			t.Errorf("ボディ = %q, want empty", w.Body.String())
		}
		if rec.called != 0 {
			t.Error("拒否されたリクエストでハンドラーが呼ばれるべきではない")
		}
	})

	t.Run("期限切れトークンは401になること", func(t *testing.T) {
		t.Parallel()

		raw := tokentest.Sign(t, testSecret, tokentest.Claims("alice", []string{"USER"}, -time.Hour))
		router, rec := newAuthorizedRouter(t, newDefaultAuthorizer())
		w := serve(router, http.MethodGet, "/api/cart/42", "Bearer "+raw)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if rec.called != 0 {
			t.Error("拒否されたリクエストでハンドラーが呼ばれるべきではない")
		}
	})

	t.Run("USERのaliceがカートに追加するとX-User-Name付きで転送されること", func(t *testing.T) {
		t.Parallel()

		router, rec := newAuthorizedRouter(t, newDefaultAuthorizer())
		w := serve(router, http.MethodPost, "/api/cart/add", "Bearer "+tokentest.User(t, testSecret, "alice"))

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if rec.userName != "alice" {
			t.Errorf("X-User-Name = %q, want %q", rec.userName, "alice")
		}
		if rec.subject != "alice" {
			t.Errorf("GetSubject() = %q, want %q", rec.subject, "alice")
		}
		if len(rec.roles) != 1 || rec.roles[0] != "USER" {
			t.Errorf("GetRoles() = %v, want [USER]", rec.roles)
		}
	})

	t.Run("USERのbobが商品を追加するとADMIN不足で401になること", func(t *testing.T) {
		t.Parallel()

		router, rec := newAuthorizedRouter(t, newDefaultAuthorizer())
		w := serve(router, http.MethodPost, "/api/products/addProduct", "Bearer "+tokentest.User(t, testSecret, "bob"))

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if w.Body.Len() != 0 {
			t.Errorf("ボディ = %q, want empty", w.Body.String())
		}
		if rec.called != 0 {
			t.Error("拒否されたリクエストでハンドラーが呼ばれるべきではない")
		}
	})

	t.Run("ROLE_USERのトークンはカートで転送され商品追加では401になること", func(t *testing.T) {
		t.Parallel()

		raw := tokentest.Sign(t, testSecret, tokentest.Claims("carol", []string{"ROLE_USER"}, time.Hour))

		router, rec := newAuthorizedRouter(t, newDefaultAuthorizer())
		if w := serve(router, http.MethodGet, "/api/cart/42", "Bearer "+raw); w.Code != http.StatusOK {
			t.Errorf("カート: ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if w := serve(router, http.MethodPost, "/api/products/addProduct", "Bearer "+raw); w.Code != http.StatusUnauthorized {
			t.Errorf("商品追加: ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if rec.called != 1 {
			t.Errorf("ハンドラー呼び出し回数 = %d, want 1", rec.called)
		}
	})

	t.Run("ADMINのみのトークンでカートにアクセスすると403になること", func(t *testing.T) {
		t.Parallel()

		router, rec := newAuthorizedRouter(t, newDefaultAuthorizer())
		w := serve(router, http.MethodGet, "/api/cart/42", "Bearer "+tokentest.Admin(t, testSecret, "root"))

		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
		}
		if w.Body.Len() != 0 {
			t.Errorf("ボディ = %q, want empty", w.Body.String())
		}
		if rec.called != 0 {
			t.Error("拒否されたリクエストでハンドラーが呼ばれるべきではない")
		}
	})

	t.Run("ロールの大文字小文字と接頭辞を区別せずADMINとみなすこと", func(t *testing.T) {
		t.Parallel()

		for _, role := range []string{"admin", "ADMIN", "ROLE_ADMIN", "Role_Admin"} {
			raw := tokentest.Sign(t, testSecret, tokentest.Claims("root", []string{role}, time.Hour))
			router, _ := newAuthorizedRouter(t, newDefaultAuthorizer())
			w := serve(router, http.MethodPost, "/api/products/addProduct", "Bearer "+raw)

			if w.Code != http.StatusOK {
				t.Errorf("roles=[%s]: ステータスコード = %d, want %d", role, w.Code, http.StatusOK)
			}
		}
	})

	t.Run("カンマ区切りのロールでADMINとUSERの両方を満たすこと", func(t *testing.T) {
		t.Parallel()

		raw := tokentest.Sign(t, testSecret, tokentest.Claims("dave", "ADMIN,USER", time.Hour))
		router, rec := newAuthorizedRouter(t, newDefaultAuthorizer())

		for _, path := range []string{"/api/products/addProduct", "/api/cart/42", "/api/inventory/updateInventory/1"} {
			if w := serve(router, http.MethodPost, path, "Bearer "+raw); w.Code != http.StatusOK {
				t.Errorf("%s: ステータスコード = %d, want %d", path, w.Code, http.StatusOK)
			}
		}
		if rec.called != 3 {
			t.Errorf("ハンドラー呼び出し回数 = %d, want 3", rec.called)
		}
	})

	t.Run("ロール要件の無いパスはロール無しの有効なトークンで転送されること", func(t *testing.T) {
		t.Parallel()

		raw := tokentest.Sign(t, testSecret, tokentest.Claims("erin", nil, time.Hour))
		router, rec := newAuthorizedRouter(t, newDefaultAuthorizer())
		w := serve(router, http.MethodGet, "/api/products/getAllProducts", "Bearer "+raw)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if rec.userName != "erin" {
			t.Errorf("X-User-Name = %q, want %q", rec.userName, "erin")
		}
	})

	t.Run("サブジェクトが無い場合X-User-Nameに空文字列が設定されること", func(t *testing.T) {
		t.Parallel()

		raw := tokentest.Sign(t, testSecret, tokentest.Claims("", []string{"USER"}, time.Hour))
		router, rec := newAuthorizedRouter(t, newDefaultAuthorizer())
		w := serve(router, http.MethodGet, "/api/cart/42", "Bearer "+raw)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if !rec.hasUserName {
			t.Fatal("X-User-Nameヘッダーが設定されていない")
		}
		if rec.userName != "" {
			t.Errorf("X-User-Name = %q, want empty string", rec.userName)
		}
	})

	t.Run("クライアントが送ったX-User-Nameはサブジェクトで上書きされること", func(t *testing.T) {
		t.Parallel()

		router, rec := newAuthorizedRouter(t, newDefaultAuthorizer())
		req := httptest.NewRequest(http.MethodGet, "/api/cart/42", nil)
		req.Header.Set("Authorization", "Bearer "+tokentest.User(t, testSecret, "alice"))
		req.Header.Add(HeaderUserName, "mallory")
		req.Header.Add(HeaderUserName, "root")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if rec.userName != "alice" {
			t.Errorf("X-User-Name = %q, want %q", rec.userName, "alice")
		}
	})

	t.Run("..を含むパスは正規化後のパスでポリシーが判定されること", func(t *testing.T) {
		t.Parallel()

		router, rec := newAuthorizedRouter(t, newDefaultAuthorizer())
		w := serve(router, http.MethodPost, "/api/auth/../products/addProduct", "Bearer "+tokentest.User(t, testSecret, "bob"))

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if rec.called != 0 {
			t.Error("拒否されたリクエストでハンドラーが呼ばれるべきではない")
		}
	})

	t.Run("検証器がパニックしても500ではなく401になること", func(t *testing.T) {
		t.Parallel()

		a := NewAuthorizer(panickingVerifier{}, policy.Default(), zerolog.Nop())
		router, rec := newAuthorizedRouter(t, a)
		w := serve(router, http.MethodGet, "/api/cart/42", "Bearer something")

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if rec.called != 0 {
			t.Error("拒否されたリクエストでハンドラーが呼ばれるべきではない")
		}
	})
}

// panickingVerifier は常にパニックするTokenVerifier。
type panickingVerifier struct{}

func (panickingVerifier) Verify(string) (token.Claims, error) {
	panic("unexpected verifier state")
}

// TestAuthorizerDecide はDecideが返す結果と理由を検証する。
func TestAuthorizerDecide(t *testing.T) {
	t.Parallel()

	t.Run("拒否理由がエラー種別で判別できること", func(t *testing.T) {
		t.Parallel()

		a := newDefaultAuthorizer()
		tests := []struct {
			name        string
			path        string
			auth        string
			wantOutcome Outcome
			wantStatus  int
			wantErr     error
		}{
			{
				name:        "ヘッダー無し",
				path:        "/api/cart/1",
				wantOutcome: OutcomeUnauthorized,
				wantStatus:  http.StatusUnauthorized,
				wantErr:     ErrMissingAuthHeader,
			},
			{
				name:        "空トークン",
				path:        "/api/cart/1",
				auth:        "Bearer ",
				wantOutcome: OutcomeUnauthorized,
				wantStatus:  http.StatusUnauthorized,
				wantErr:     token.ErrInvalidToken,
			},
			{
				name:        "署名不正",
				path:        "/api/cart/1",
				auth:        "Bearer " + tokentest.User(t, "other", "alice"),
				wantOutcome: OutcomeUnauthorized,
				wantStatus:  http.StatusUnauthorized,
				wantErr:     token.ErrSignatureInvalid,
			},
			{
				name:        "ADMIN不足",
				path:        "/api/orders/1",
				auth:        "Bearer " + tokentest.User(t, testSecret, "alice"),
				wantOutcome: OutcomeUnauthorized,
				wantStatus:  http.StatusUnauthorized,
				wantErr:     ErrInsufficientRole,
			},
			{
				name:        "USER不足",
				path:        "/api/cart/1",
				auth:        "Bearer " + tokentest.Admin(t, testSecret, "root"),
				wantOutcome: OutcomeForbidden,
				wantStatus:  http.StatusForbidden,
				wantErr:     ErrInsufficientRole,
			},
		}

		for _, tt := range tests {
			d := a.Decide(tt.path, tt.auth)
			if d.Outcome != tt.wantOutcome {
				t.Errorf("%s: Outcome = %v, want %v", tt.name, d.Outcome, tt.wantOutcome)
			}
			if d.Status != tt.wantStatus {
				t.Errorf("%s: Status = %d, want %d", tt.name, d.Status, tt.wantStatus)
			}
			if !errors.Is(d.Err, tt.wantErr) {
				t.Errorf("%s: Err = %v, want %v", tt.name, d.Err, tt.wantErr)
			}
		}
	})

	t.Run("転送時はサブジェクトとロールと一致したポリシーを返すこと", func(t *testing.T) {
		t.Parallel()

		d := newDefaultAuthorizer().Decide("/api/cart/42", "Bearer "+tokentest.User(t, testSecret, "alice"))

		if d.Outcome != OutcomeForward {
			t.Fatalf("Outcome = %v, want %v", d.Outcome, OutcomeForward)
		}
		if d.Status != 0 || d.Err != nil {
			t.Errorf("Status = %d, Err = %v, want 0, nil", d.Status, d.Err)
		}
		if d.Subject != "alice" || !d.Roles.Has("USER") {
			t.Errorf("Subject = %q, Roles = %v", d.Subject, d.Roles.Slice())
		}
		if d.Requirement.Pattern != "/api/cart/" || d.Requirement.Role != policy.RoleUser {
			t.Errorf("Requirement = %+v", d.Requirement)
		}
	})

	t.Run("公開パスでは検証器を呼ばないこと", func(t *testing.T) {
		t.Parallel()

		a := NewAuthorizer(panickingVerifier{}, policy.Default(), zerolog.Nop())
		d := a.Decide("/api/auth/login", "Bearer whatever")
		if d.Outcome != OutcomeBypass {
			t.Errorf("Outcome = %v, want %v", d.Outcome, OutcomeBypass)
		}
	})

	t.Run("差し替えたポリシー表で403を401に統一できること", func(t *testing.T) {
		t.Parallel()

		table := policy.Default()
		table.Tiers[1].DenyStatus = http.StatusUnauthorized
		a := NewAuthorizer(token.NewVerifier(testSecret), table, zerolog.Nop())

		d := a.Decide("/api/cart/1", "Bearer "+tokentest.Admin(t, testSecret, "root"))
		if d.Outcome != OutcomeUnauthorized || d.Status != http.StatusUnauthorized {
			t.Errorf("Outcome = %v, Status = %d, want unauthorized/401", d.Outcome, d.Status)
		}
	})
}

// TestOutcomeString はOutcome.Stringを検証する。
func TestOutcomeString(t *testing.T) {
	t.Parallel()

	for o, want := range map[Outcome]string{
		OutcomeForward:      "forward",
		OutcomeBypass:       "bypass",
		OutcomeUnauthorized: "unauthorized",
		OutcomeForbidden:    "forbidden",
		Outcome(99):         "Outcome(99)",
	} {
		if got := o.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

// TestAuthorizerConcurrent は並行リクエストでの認可を検証する。
func TestAuthorizerConcurrent(t *testing.T) {
	t.Parallel()

	t.Run("同じトークンの並行リクエストで鍵導出が1回だけ行われること", func(t *testing.T) {
		t.Parallel()

		var derivations atomic.Int32
		verifier := token.NewVerifier(testSecret, token.WithKeyDerivation(func(secret string) []byte {
			derivations.Add(1)
			return token.DeriveKey(secret)
		}))
		router, rec := newAuthorizedRouter(t, NewAuthorizer(verifier, policy.Default(), zerolog.Nop()))
		raw := tokentest.User(t, testSecret, "alice")

		const workers = 32
		codes := make([]int, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				codes[i] = serve(router, http.MethodGet, "/api/cart/42", "Bearer "+raw).Code
			}()
		}
		wg.Wait()

		for i, code := range codes {
			if code != http.StatusOK {
				t.Errorf("リクエスト%d: ステータスコード = %d, want %d", i, code, http.StatusOK)
			}
		}
		if got := derivations.Load(); got != 1 {
			t.Errorf("鍵導出回数 = %d, want 1", got)
		}
		if rec.called != workers {
			t.Errorf("ハンドラー呼び出し回数 = %d, want %d", rec.called, workers)
		}
	})
}
