package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nao1215/shopgate/pkg/httpclient"
	"github.com/nao1215/shopgate/pkg/middleware"
	"github.com/nao1215/shopgate/pkg/policy"
	"github.com/nao1215/shopgate/pkg/token"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 10 * time.Second

// Server はAPI GatewayサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// client は上流サービスへの転送に使うHTTPクライアント。
	client *httpclient.Client
	// upstreams はパスプレフィックスごとの転送先。
	upstreams []Upstream
	// logger はサーバーのログ出力先。
	logger zerolog.Logger
}

// NewServer は新しいGatewayサーバーを生成する。
// tableは検証済みのルートポリシー表であること。
func NewServer(cfg *Config, table *policy.Table, logger zerolog.Logger) *Server {
	router := gin.New()
	// X-Forwarded-Forは転送時に自前で追記するため、ClientIPは接続元アドレスのみを使う
	router.ForwardedByClientIP = false
	router.Use(middleware.Recovery(logger))
	// Connectionに列挙されたヘッダーはゲートウェイが付与するヘッダーより先に除去する
	router.Use(middleware.StripHopHeaders())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	upstreams := append([]Upstream(nil), cfg.Upstreams...)
	sortUpstreams(upstreams)

	s := &Server{
		router:    router,
		port:      cfg.Port,
		client:    httpclient.New(cfg.UpstreamTimeout),
		upstreams: upstreams,
		logger:    logger,
	}

	authorizer := middleware.NewAuthorizer(token.NewVerifier(cfg.JWTSecret), table, logger)
	s.setupRoutes(authorizer)

	return s
}

// setupRoutes はルーティングを設定する。
// /health以外の全てのリクエストはAuthorizerを通過した後に上流サービスへ転送する。
func (s *Server) setupRoutes(authorizer *middleware.Authorizer) {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})

	s.router.NoRoute(authorizer.Handler(), s.handleProxy())
}

// ServeHTTP はhttp.Handlerを実装する。
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルシャットダウンする。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTPサーバーが停止しました: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Gatewayサービスを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("グレースフルシャットダウンに失敗: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleProxy はリクエストをパスプレフィックスに対応する上流サービスへ転送するハンドラを返す。
// 上流のステータス、ヘッダー、ボディはそのまま返す。
func (s *Server) handleProxy() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := policy.NormalizePath(c.Request.URL.Path)
		upstream, ok := matchUpstream(s.upstreams, p)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "転送先のサービスが見つかりません"})
			return
		}

		target := upstream.target(p, c.Request.URL.RawQuery)
		resp, err := s.client.Forward(c.Request.Context(), httpclient.Request{
			Method:        c.Request.Method,
			URL:           target,
			Header:        c.Request.Header,
			Body:          c.Request.Body,
			ContentLength: c.Request.ContentLength,
			ClientIP:      c.ClientIP(),
		})
		if err != nil {
			s.logger.Error().
				Err(err).
				Str("upstream", upstream.Prefix).
				Str("url", target).
				Str("request_id", middleware.GetRequestID(c)).
				Msg("上流サービスへの転送に失敗しました")
			_ = c.Error(err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "内部サービスとの通信に失敗しました"})
			return
		}
		defer resp.Body.Close()

		httpclient.CopyHeader(c.Writer.Header(), resp.Header)
		c.Status(resp.StatusCode)
		c.Writer.WriteHeaderNow()
		if _, err := io.Copy(c.Writer, resp.Body); err != nil {
			s.logger.Warn().
				Err(err).
				Str("url", target).
				Str("request_id", middleware.GetRequestID(c)).
				Msg("レスポンスの転送が中断されました")
		}
	}
}
