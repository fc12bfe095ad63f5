// Package status serves a read-only HTTP view of the running sessions.
package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/zulandar/warden/internal/logging"
	"github.com/zulandar/warden/internal/supervisor"
)

// Source lists the sessions to report. *supervisor.Registry implements it.
type Source interface {
	Snapshot() []supervisor.SessionInfo
}

// StartOpts holds configuration for the status server.
type StartOpts struct {
	Addr     string
	Sessions Source
	Log      *zerolog.Logger
	// Listener is used instead of Addr when set.
	Listener net.Listener
}

// Start serves the status endpoints. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Sessions == nil {
		return fmt.Errorf("status: session source is required")
	}
	log := logging.OrNop(opts.Log)

	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           newRouter(opts.Sessions),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln := opts.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", opts.Addr)
		if err != nil {
			return fmt.Errorf("status: listen: %w", err)
		}
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("status server listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status: %w", err)
	}
	return nil
}

func newRouter(src Source) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", handleHealth())
	router.GET("/sessions", handleSessions(src))
	return router
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleSessions(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, src.Snapshot())
	}
}
