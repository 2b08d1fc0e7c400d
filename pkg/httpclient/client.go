package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout は上流サービスへのリクエストのデフォルトタイムアウト。
const DefaultTimeout = 30 * time.Second

// HeaderForwardedFor は転送元クライアントのIPアドレスを伝えるヘッダー名。
const HeaderForwardedFor = "X-Forwarded-For"

// ErrInvalidRequest は転送リクエストの内容が不正な場合のエラー。
var ErrInvalidRequest = errors.New("転送リクエストが不正です")

// hopHeaders はプロキシで転送してはならないホップバイホップヘッダー。
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Client はゲートウェイから上流サービスへリクエストを転送するHTTPクライアント。
// リダイレクトは追跡せず、上流のレスポンスをそのまま呼び出し元に返す。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
}

// New は新しい転送用HTTPクライアントを生成する。
// timeoutが0以下の場合はDefaultTimeoutを使用する。
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Request は上流サービスへ転送するリクエストの内容。
type Request struct {
	// Method はHTTPメソッド。
	Method string
	// URL は転送先の完全なURL（クエリ文字列を含む）。
	URL string
	// Header は元のリクエストヘッダー。ホップバイホップヘッダーは除去される。
	Header http.Header
	// Body はリクエストボディ。nilでもよい。
	Body io.Reader
	// ContentLength はボディの長さ。不明な場合は-1。
	ContentLength int64
	// ClientIP はX-Forwarded-Forに追記するクライアントのIPアドレス。
	ClientIP string
}

// Forward はリクエストを上流サービスへ送信し、レスポンスを返す。
// 呼び出し元はレスポンスボディを必ずCloseすること。
func (c *Client) Forward(ctx context.Context, r Request) (*http.Response, error) {
	if r.Method == "" || r.URL == "" {
		return nil, fmt.Errorf("%w: method=%q, url=%q", ErrInvalidRequest, r.Method, r.URL)
	}

	body := r.Body
	if body != nil && r.ContentLength == 0 {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	if body != nil && body != http.NoBody && r.ContentLength > 0 {
		req.ContentLength = r.ContentLength
	}

	CopyHeader(req.Header, r.Header)
	RemoveHopHeaders(req.Header)
	AppendForwardedFor(req.Header, r.ClientIP)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	RemoveHopHeaders(resp.Header)
	return resp, nil
}

// CopyHeader はsrcのヘッダーをdstへコピーする。同名のヘッダーはsrcの値で置き換える。
func CopyHeader(dst, src http.Header) {
	for key, values := range src {
		dst.Del(key)
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// RemoveHopHeaders はホップバイホップヘッダーと、Connectionヘッダーに列挙されたヘッダーを除去する。
func RemoveHopHeaders(h http.Header) {
	for _, value := range h.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// AppendForwardedFor はX-Forwarded-ForヘッダーにクライアントのIPアドレスを追記する。
// ipがIPアドレスとして解釈できない場合は何もしない。
func AppendForwardedFor(h http.Header, ip string) {
	if net.ParseIP(ip) == nil {
		return
	}
	if prior := h.Values(HeaderForwardedFor); len(prior) > 0 {
		ip = strings.Join(prior, ", ") + ", " + ip
	}
	h.Set(HeaderForwardedFor, ip)
}
