package gateway

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// RequestLogger writes one xlog line per request.
func RequestLogger(l *xlog.Logger, clock xclock.Clock) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := clock.Now()
		c.Next()

		status := c.Writer.Status()
		lg := l.With(
			xlog.Str("method", c.Request.Method),
			xlog.Str("path", c.Request.URL.Path),
			xlog.Str("status", strconv.Itoa(status)),
			xlog.Str("client_ip", c.ClientIP()),
			xlog.Dur("duration", clock.Since(start)),
		)
		switch {
		case len(c.Errors) > 0:
			lg.Warn().Err(c.Errors.Last()).Msg("request failed")
		case status >= 500:
			lg.Warn().Msg("request completed")
		default:
			lg.Info().Msg("request completed")
		}
	}
}
