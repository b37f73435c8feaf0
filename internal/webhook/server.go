// Package webhook is the inbound HTTP boundary: one route per channel,
// signature rejection, queue backpressure, and the web widget's session
// and SSE endpoints.
package webhook

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/dkrasnov/replybot/internal/channel"
	"github.com/dkrasnov/replybot/internal/channel/webchat"
	"github.com/dkrasnov/replybot/internal/pipeline"
	"github.com/gin-gonic/gin"
)

// Server wires channels and the ingestion queue into a gin router.
type Server struct {
	queue    *pipeline.Queue
	channels []channel.Channel
	hub      *webchat.Hub
	engine   *gin.Engine
}

// Opts holds parameters for creating a Server.
type Opts struct {
	Queue    *pipeline.Queue
	Channels []channel.Channel
	Hub      *webchat.Hub // optional; enables /web/sessions and /web/stream
}

// New creates a Server and registers all routes.
func New(opts Opts) (*Server, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("webhook: queue is required")
	}
	if len(opts.Channels) == 0 {
		return nil, fmt.Errorf("webhook: at least one channel is required")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		queue:    opts.Queue,
		channels: opts.Channels,
		hub:      opts.Hub,
		engine:   engine,
	}
	s.registerRoutes()
	return s, nil
}

// Handler exposes the router for tests and for http.Server wiring.
func (s *Server) Handler() http.Handler { return s.engine }

// registerRoutes mounts one webhook route per channel plus the health and
// web-widget endpoints.
func (s *Server) registerRoutes() {
	for _, ch := range s.channels {
		route := "/webhooks/" + ch.Name()
		if ch.Name() == "webchat" {
			route = "/webhooks/web"
		}
		s.engine.POST(route, s.handleInbound(ch))
	}

	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "queued": s.queue.Len()})
	})

	if s.hub != nil {
		s.engine.POST("/web/sessions", handleCreateSession)
		s.engine.GET("/web/stream/:session", handleStream(s.hub))
	}
}

// signatureHeaderer lets a channel name the header its signature arrives in.
type signatureHeaderer interface {
	SignatureHeader() string
}

// defaultSignatureHeader is used by channels that don't name one (mocks).
const defaultSignatureHeader = "X-Signature"

// handleInbound validates, parses, and enqueues one webhook request.
// Responses: 403 invalid signature, 400 malformed payload, 503 queue
// saturated or shutting down, 200 enqueued (or nothing to process).
func (s *Server) handleInbound(ch channel.Channel) gin.HandlerFunc {
	header := defaultSignatureHeader
	if sh, ok := ch.(signatureHeaderer); ok {
		header = sh.SignatureHeader()
	}

	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}

		// The signature covers the raw, unparsed body.
		if !ch.VerifySignature(body, c.GetHeader(header)) {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}

		ev, err := ch.ParseInbound(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if ev == nil {
			// Valid payload with nothing to reply to (read receipt etc).
			c.JSON(http.StatusOK, gin.H{"ok": true})
			return
		}

		if err := s.queue.Enqueue(*ev); err != nil {
			c.Header("Retry-After", "5")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try again later"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// Start runs the HTTP server on addr and blocks until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.engine,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}
