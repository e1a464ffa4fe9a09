package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/trickstertwo/xlog"

	"github.com/Ilia1177/relay"
)

func (s *Server) index(c *gin.Context) {
	st := s.bridge.Transport().Status()
	c.JSON(http.StatusOK, gin.H{
		"message": "Transcendence API Gateway",
		"version": Version,
		"endpoints": gin.H{
			"health": "/api/health",
			"redis":  "/api/redis",
			"users":  "/api/users",
			"games":  "/api/game",
		},
		"bus": gin.H{
			"transport":  s.cfg.Transport,
			"publisher":  st.Publisher,
			"subscriber": st.Subscriber,
		},
	})
}

// health reports the gateway itself as healthy; the bus state is informational.
func (s *Server) health(c *gin.Context) {
	st := s.bridge.Transport().Status()
	h := s.bridge.Health(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "api-gateway",
		"bus": gin.H{
			"publisher":  st.Publisher,
			"subscriber": st.Subscriber,
			"connected":  st.Ready(),
		},
		"bridge": gin.H{
			"status":  h.Status,
			"pending": h.Metrics.Pending,
		},
		"timestamp": s.timestamp(),
	})
}

// busCheck pings the broker and publishes a loopback message on HealthChannel.
func (s *Server) busCheck(c *gin.Context) {
	tr := s.bridge.Transport()
	st := tr.Status()
	if st.Publisher != relay.StateReady {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":           "unavailable",
			"service":          "bus",
			"error":            "bus not connected",
			"publisherStatus":  st.Publisher,
			"subscriberStatus": st.Subscriber,
			"timestamp":        s.timestamp(),
		})
		return
	}

	ctx := c.Request.Context()
	var pong string
	if p, ok := tr.(relay.Pinger); ok {
		var err error
		if pong, err = p.Ping(ctx); err != nil {
			s.unhealthy(c, err)
			return
		}
	}

	msg := fmt.Sprintf("Test %d", s.clock.Now().UnixMilli())
	if err := tr.Publish(ctx, HealthChannel, []byte(msg)); err != nil {
		s.unhealthy(c, err)
		return
	}

	body := gin.H{
		"status":     "healthy",
		"service":    "bus",
		"ping":       pong,
		"publisher":  "connected",
		"subscriber": st.Subscriber,
		"timestamp":  s.timestamp(),
	}
	if sr, ok := tr.(relay.StatsReporter); ok {
		stats := sr.Stats()
		body["lastMessage"] = stats.LastMessage
		body["messagesReceived"] = stats.MessagesReceived
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) unhealthy(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"status":    "unhealthy",
		"service":   "bus",
		"error":     err.Error(),
		"timestamp": s.timestamp(),
	})
}

func (s *Server) users(c *gin.Context) {
	if !s.bridge.Transport().Status().Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "error",
			"message": "bus not available",
			"service": "user-service",
		})
		return
	}

	reply, err := s.bridge.Send(c.Request.Context(), relay.ActionGetUsers, s.cfg.RequestTimeout)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": reply.Value})
}

// fail answers a failed bridge request. A caller that already hung up only
// gets logged.
func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)

	status := StatusFor(err)
	if status == StatusClientClosedRequest {
		if c.Request.Context().Err() != nil {
			s.logger.With(xlog.Str("path", c.Request.URL.Path)).Info().Msg("client closed request")
			c.AbortWithStatus(StatusClientClosedRequest)
			return
		}
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":  "error",
		"message": failureMessage(err),
		"reason":  relay.Reason(err),
		"service": "user-service",
	})
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, relay.ErrTimeout):
		return "timeout waiting for user-service"
	case errors.Is(err, relay.ErrTransportUnavailable):
		return "bus not available"
	case errors.Is(err, relay.ErrMalformedReply):
		return "user-service sent an unreadable reply"
	default:
		return err.Error()
	}
}

func (s *Server) game(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "Game service not connected yet",
		"method":  c.Request.Method,
		"path":    c.Request.URL.RequestURI(),
	})
}

// notFound serves every unrouted path under the /api/game prefix as the game
// placeholder and answers anything else with a JSON 404.
func (s *Server) notFound(c *gin.Context) {
	if strings.HasPrefix(c.Request.URL.Path, "/api/game") {
		s.game(c)
		return
	}
	c.JSON(http.StatusNotFound, gin.H{
		"message":    "Route " + c.Request.Method + ":" + c.Request.URL.Path + " not found",
		"error":      "Not Found",
		"statusCode": http.StatusNotFound,
	})
}
