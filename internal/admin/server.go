// Package admin exposes a relay broker's health, readiness, pending
// registrations and Prometheus metrics over HTTP.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/autocore/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// Relay is the broker view the admin routes read from.
type Relay interface {
	ObserverAddr() string
	NotifierAddr() string
	Subjects() map[string]int
	PendingTotal() int
	ActiveWorkers() int
}

type Server struct {
	ID       string
	Addr     string
	Appeared time.Time

	relay  Relay
	router *gin.Engine
	srv    *http.Server
}

type SubjectInfo struct {
	Subject string `json:"subject"`
	Pending int    `json:"pending"`
}

func New(id, addr string, relay Relay, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:       id,
		Addr:     addr,
		Appeared: time.Now(),
		relay:    relay,
		router:   r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
			"version": version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		observer, notifier := s.relay.ObserverAddr(), s.relay.NotifierAddr()
		ready := observer != "" && notifier != ""
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":    ready,
			"observer": observer,
			"notifier": notifier,
			"workers":  s.relay.ActiveWorkers(),
			"service":  s.ID,
			"version":  version,
		})
	})

	s.router.GET("/subjects", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"subjects": listSubjects(s.relay.Subjects()),
			"pending":  s.relay.PendingTotal(),
		})
	})

	s.router.GET("/subjects/:subject", func(c *gin.Context) {
		subject := c.Param("subject")
		c.JSON(http.StatusOK, SubjectInfo{Subject: subject, Pending: s.relay.Subjects()[subject]})
	})
}

// Serve listens on Addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("service", s.ID).Str("addr", ln.Addr().String()).Msg("admin listening")

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func listSubjects(counts map[string]int) []SubjectInfo {
	list := make([]SubjectInfo, 0, len(counts))
	for subject, pending := range counts {
		list = append(list, SubjectInfo{Subject: subject, Pending: pending})
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Subject < list[j].Subject
	})
	return list
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			out = append(out, origin)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
