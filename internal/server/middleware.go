package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pock-dev/pock/internal/config"
	"github.com/pock-dev/pock/internal/logging"
)

// WorkerHeader carries the id of the server instance that answered, so
// clients can tell when a restart happened.
const WorkerHeader = "X-Pock-Worker"

// Defaults used when CORS is enabled without further settings.
var (
	DefaultCORSMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"}
	DefaultCORSHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept",
		"Accept-Charset",
		"Accept-Encoding",
		"Authorization",
		"X-Requested-With",
		"Token",
	}
)

func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger.Info(c.Request.Context(), fmt.Sprintf("Received request %s %s.", c.Request.Method, c.Request.URL.RequestURI()))
		c.Next()
	}
}

func recovery(logger logging.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, rec interface{}) {
		logger.Error(c.Request.Context(), fmt.Errorf("%v", rec),
			"An error occurred when request "+c.Request.Host+c.Request.URL.RequestURI())
		c.AbortWithStatus(http.StatusInternalServerError)
	})
}

func workerID(id string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header(WorkerHeader, id)
		c.Next()
	}
}

// bodyLimit rejects bodies larger than limit bytes.
func bodyLimit(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit <= 0 {
			c.Next()
			return
		}
		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "Request body is too large",
			})
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

// cors reflects the request origin when it is allowed and answers
// preflight requests directly.
func cors(opts config.CORSOptions) gin.HandlerFunc {
	methods := strings.Join(DefaultCORSMethods, ", ")
	headers := strings.Join(DefaultCORSHeaders, ", ")
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = config.DefaultCORSMaxAge
	}

	allowed := func(origin string) bool {
		if len(opts.AllowedOrigins) == 0 {
			return true
		}
		for _, o := range opts.AllowedOrigins {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" || !allowed(origin) {
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")

		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", methods)
			h.Set("Access-Control-Allow-Headers", headers)
			h.Set("Access-Control-Max-Age", strconv.Itoa(maxAge))
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
