package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/nao1215/shopgate/pkg/httpclient"
	"github.com/nao1215/shopgate/pkg/policy"
)

// devJWTSecret は開発環境でのみ使用するJWT秘密鍵。
const devJWTSecret = "dev-secret-key"

// ErrMissingJWTSecret は本番環境でJWT_SECRETが設定されていない場合のエラー。
var ErrMissingJWTSecret = errors.New("JWT_SECRETが設定されていません")

// Config はGatewayサービスの設定。
type Config struct {
	// Port はリッスンポート。
	Port string
	// JWTSecret はトークン検証に使用する共有秘密鍵。
	JWTSecret string
	// PolicyFile はルートポリシー表のYAMLファイルのパス。
	PolicyFile string
	// PolicyDB はルートポリシー表を保存するSQLiteファイルのパス。
	PolicyDB string
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
	// UpstreamTimeout は上流サービスへのリクエストのタイムアウト。
	UpstreamTimeout time.Duration
	// Upstreams はパスプレフィックスごとの転送先。長いプレフィックス順に並ぶ。
	Upstreams []Upstream
}

// Upstream はパスプレフィックスと転送先サービスの対応。
type Upstream struct {
	// Prefix は転送対象のパスプレフィックス（例: "/api/cart"）。
	Prefix string
	// URL は転送先サービスのベースURL。
	URL *url.URL
}

// upstreamEnv は転送先ごとの環境変数名とデフォルトURL。
var upstreamEnv = []struct {
	prefix   string
	key      string
	fallback string
}{
	{prefix: "/api/auth", key: "AUTH_SERVICE_URL", fallback: "http://localhost:8081"},
	{prefix: "/api/products", key: "PRODUCT_SERVICE_URL", fallback: "http://localhost:8082"},
	{prefix: "/api/cart", key: "CART_SERVICE_URL", fallback: "http://localhost:8083"},
	{prefix: "/api/orders", key: "ORDER_SERVICE_URL", fallback: "http://localhost:8084"},
	{prefix: "/api/inventory", key: "INVENTORY_SERVICE_URL", fallback: "http://localhost:8085"},
	{prefix: "/api/catalogues", key: "CATALOGUE_SERVICE_URL", fallback: "http://localhost:8086"},
	{prefix: "/api/subcatalogues", key: "SUBCATALOGUE_SERVICE_URL", fallback: "http://localhost:8087"},
}

// LoadConfig は環境変数から設定を読み込む。
func LoadConfig() (*Config, error) {
	return loadConfig(os.Getenv)
}

// loadConfig はgetenvから設定を読み込む。
func loadConfig(getenv func(string) string) (*Config, error) {
	getEnvOr := func(key, defaultValue string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return defaultValue
	}

	cfg := &Config{
		Port:       getEnvOr("PORT", "8080"),
		JWTSecret:  getenv("JWT_SECRET"),
		PolicyFile: getEnvOr("POLICY_FILE", ""),
		PolicyDB:   getEnvOr("POLICY_DB", ""),
	}

	if cfg.JWTSecret == "" {
		if getEnvOr("GATEWAY_ENV", "") != "development" {
			return nil, ErrMissingJWTSecret
		}
		cfg.JWTSecret = devJWTSecret
	}

	for _, origin := range strings.Split(getEnvOr("CORS_ALLOWED_ORIGINS", "http://localhost:3000"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
		}
	}

	timeout, err := time.ParseDuration(getEnvOr("UPSTREAM_TIMEOUT", httpclient.DefaultTimeout.String()))
	if err != nil {
		return nil, fmt.Errorf("UPSTREAM_TIMEOUTの解析に失敗: %w", err)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("UPSTREAM_TIMEOUTは正の値である必要があります: %s", timeout)
	}
	cfg.UpstreamTimeout = timeout

	for _, u := range upstreamEnv {
		raw := getEnvOr(u.key, u.fallback)
		parsed, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%sの解析に失敗: %w", u.key, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" || parsed.Host == "" {
			return nil, fmt.Errorf("%sはhttpまたはhttpsの絶対URLである必要があります: %q", u.key, raw)
		}
		cfg.Upstreams = append(cfg.Upstreams, Upstream{Prefix: u.prefix, URL: parsed})
	}
	sortUpstreams(cfg.Upstreams)

	return cfg, nil
}

// sortUpstreams は長いプレフィックスが先に照合されるように並べ替える。
func sortUpstreams(upstreams []Upstream) {
	sort.SliceStable(upstreams, func(i, j int) bool {
		return len(upstreams[i].Prefix) > len(upstreams[j].Prefix)
	})
}

// matchUpstream はパスを扱う転送先を探す。pathはNormalizePath済みであること。
func matchUpstream(upstreams []Upstream, p string) (Upstream, bool) {
	for _, u := range upstreams {
		if p == u.Prefix || strings.HasPrefix(p, u.Prefix+"/") {
			return u, true
		}
	}
	return Upstream{}, false
}

// target は転送先の完全なURLを組み立てる。
func (u Upstream) target(p, rawQuery string) string {
	t := *u.URL
	t.Path = strings.TrimSuffix(u.URL.Path, "/") + policy.NormalizePath(p)
	t.RawPath = ""
	t.RawQuery = rawQuery
	return t.String()
}
