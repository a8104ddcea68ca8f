package host

import (
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/danmuck/viewhost/internal/deeplink"
	"github.com/danmuck/viewhost/internal/observability"
	"github.com/danmuck/viewhost/internal/protocol/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const adminComponent = "viewhost-host"

type activateRequest struct {
	URL string `json:"url"`
}

// AdminRouter builds the admin HTTP surface, including the websocket entry
// point for guests that cannot open a raw session socket.
func (s *Service) AdminRouter() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(s.logger))
	r.Use(observability.RequestMetricsMiddleware("host"))
	if origins := normalizeOrigins(s.cfg.CORSOrigins); len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: origins,
			AllowMethods: []string{"GET", "POST", "DELETE"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	s.registerRoutes(r)
	return r
}

func (s *Service) registerRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.appeared).String(),
			"component": adminComponent,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":           true,
			"uptime":          time.Since(s.appeared).String(),
			"guests":          len(s.Guests()),
			"pending_prompts": s.negotiator.Pending(),
		})
	})

	r.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.store.Snapshot())
	})

	r.GET("/guests", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"guests": s.Guests()})
	})

	r.POST("/activate", func(c *gin.Context) {
		var req activateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
			return
		}
		outcome, err := s.Activate(c.Request.Context(), req.URL)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, deeplink.ErrGuestNotReady) {
				status = http.StatusGatewayTimeout
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"outcome": outcome})
	})

	r.DELETE("/certificates", func(c *gin.Context) {
		if err := s.negotiator.ClearDecisions(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "cleared"})
	})

	r.GET("/ws", s.handleWS)
}

func (s *Service) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			return origin == "" || slices.Contains(normalizeOrigins(s.cfg.CORSOrigins), origin)
		},
	}
}

// handleWS registers a guest over a websocket. Registration travels as text
// messages; frames follow as binary messages. The request must satisfy the
// same transport policy as the session socket, so a plaintext admin listener
// refuses websocket guests once session TLS or production mode is on.
func (s *Service) handleWS(c *gin.Context) {
	auth, err := s.authenticateTLS(c.Request.TLS)
	if err != nil {
		s.logger.Warn().Str("remote", c.ClientIP()).Err(err).Msg("host.ws_refused")
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("host.ws_upgrade_failed")
		return
	}
	s.trackConn(conn)
	defer s.untrackConn(conn)
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	deadline := time.Now().Add(s.cfg.Session.HandshakeTimeout)
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)
	reg, readErr := session.ReadRegistrationWS(conn)
	ack, g := s.admit(reg, readErr, auth, remote, "ws")
	if err := session.WriteRegistrationAckWS(conn, ack); err != nil {
		s.logger.Error().Str("remote", remote).Err(err).Msg("host.registration_ack_failed")
		if g != nil {
			s.releaseGuest(g)
		}
		return
	}
	if g == nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	s.serveGuest(c.Request.Context(), g, session.NewWSChannel(conn, s.cfg.Session))
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		if trimmed := strings.TrimRight(strings.TrimSpace(origin), "/"); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
