package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIKeyHeader 携带 webhook API Key 的 HTTP 头。
const APIKeyHeader = "X-API-Key"

// APIKey 校验 webhook 调用的 API Key。
//
// Key 从 X-API-Key 头读取，缺失时回退到 api_key 查询参数。比较的是两者的
// SHA-256 摘要，耗时与内容无关。未配置 Key 时拒绝所有调用。
func APIKey(expected string) gin.HandlerFunc {
	want := sha256.Sum256([]byte(expected))
	return func(c *gin.Context) {
		if expected == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "webhook api key is not configured"})
			c.Abort()
			return
		}
		key := c.GetHeader(APIKeyHeader)
		if key == "" {
			key = c.Query("api_key")
		}
		got := sha256.Sum256([]byte(key))
		if key == "" || subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid api key"})
			c.Abort()
			return
		}
		c.Next()
	}
}
