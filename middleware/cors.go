// api/middleware/cors.go
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CORSMiddleware lets tracking SDKs post from any site. Dashboards reading the
// stats endpoints are limited to feOrigin when it is set.
func CORSMiddleware(feOrigin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		allowed := origin
		if feOrigin != "" && !isTrackingPath(c.Request.URL.Path) {
			allowed = feOrigin
		}
		if allowed == "" {
			allowed = "*"
		}

		header := c.Writer.Header()
		header.Set("Access-Control-Allow-Origin", allowed)
		header.Add("Vary", "Origin")
		if allowed != "*" {
			header.Set("Access-Control-Allow-Credentials", "true")
		}
		header.Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-Project-Id, accept, origin, Cache-Control, X-Requested-With")
		header.Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func isTrackingPath(path string) bool {
	return path == "/api/track" || path == "/api/profile"
}
