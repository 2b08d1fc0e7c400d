package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/nao1215/shopgate/pkg/httpclient"
)

// StripHopHeaders はクライアントが送ったホップバイホップヘッダーと、
// Connectionヘッダーに列挙されたヘッダーをリクエストから除去するGinミドルウェアを返す。
// X-User-NameやX-Request-IDなどゲートウェイが付与するヘッダーより前に適用すること。
func StripHopHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		httpclient.RemoveHopHeaders(c.Request.Header)
		c.Next()
	}
}
