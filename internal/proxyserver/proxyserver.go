// Package proxyserver wires the loopback HTTP listener (C5): ada-based
// middleware stack, the internal control/admin surface, and the catch-all
// reverse-proxy handler that implements spec §4.5's twelve steps.
package proxyserver

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rakunlabs/ada"
	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/swiftcast/internal/accountstore"
	"github.com/rakunlabs/swiftcast/internal/compaction"
	"github.com/rakunlabs/swiftcast/internal/config"
	"github.com/rakunlabs/swiftcast/internal/hooks"
	"github.com/rakunlabs/swiftcast/internal/interceptor"
	"github.com/rakunlabs/swiftcast/internal/steptracker"
	"github.com/rakunlabs/swiftcast/internal/webhook"
)

// bgSemCapacity is the DB-task permit pool size for background work spawned
// from the chunk-forwarding loop (spec §5: "a semaphore of capacity 10...
// try_acquire is non-blocking; failure -> drop, not queue").
const bgSemCapacity = 10

// Server holds every collaborator the proxy handler needs and owns the ada
// mux / listener lifecycle.
type Server struct {
	cfg config.Server

	mux *ada.Server

	store       *accountstore.Store
	hookReg     *hooks.Registry
	compactor   *compaction.Injector
	interceptor *interceptor.Catalog
	steps       *steptracker.Tracker
	webhooks    *webhook.Dispatcher

	bgSem chan struct{}

	upstreamClient *http.Client
}

// Deps bundles every collaborator New needs, so the constructor signature
// stays stable as components are added.
type Deps struct {
	Store       *accountstore.Store
	HookReg     *hooks.Registry
	Compactor   *compaction.Injector
	Interceptor *interceptor.Catalog
	Steps       *steptracker.Tracker
	Webhooks    *webhook.Dispatcher
}

func New(cfg config.Server, deps Deps) *Server {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		cfg:         cfg,
		mux:         mux,
		store:       deps.Store,
		hookReg:     deps.HookReg,
		compactor:   deps.Compactor,
		interceptor: deps.Interceptor,
		steps:       deps.Steps,
		webhooks:    deps.Webhooks,
		bgSem:       make(chan struct{}, bgSemCapacity),
		upstreamClient: &http.Client{
			Timeout: 300 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
				// Keeps the transport from adding its own Accept-Encoding
				// after the inbound one has been stripped.
				DisableCompression: true,
			},
		},
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	apiGroup := s.mux.Group("/_swiftcast")

	apiGroup.GET("/health", s.handleHealth)
	apiGroup.POST("/threadcast/mapping", s.handleMapping)

	adminGroup := apiGroup.Group("/accounts")
	adminGroup.Use(s.adminAuthMiddleware())
	adminGroup.GET("/", s.handleListAccounts)
	adminGroup.POST("/", s.handleCreateAccount)
	adminGroup.POST("/cleanup", s.handleManualCleanup)
	adminGroup.POST("/switch/*", s.handleSwitchAccount)
	adminGroup.DELETE("/*", s.handleDeleteAccount)

	configGroup := apiGroup.Group("/config")
	configGroup.Use(s.adminAuthMiddleware())
	configGroup.GET("/", s.handleListConfig)
	configGroup.PUT("/*", s.handleSetConfig)

	s.mux.Handle("/*", http.HandlerFunc(s.handleProxy))
}

func (s *Server) Start(ctx context.Context) error {
	return s.mux.StartWithContext(ctx, net.JoinHostPort(s.cfg.Host, s.cfg.Port))
}

// adminAuthMiddleware guards the admin surface: no configured token rejects
// everything with 403; a configured token requires an exact
// "Authorization: Bearer <token>" match.
func (s *Server) adminAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.AdminToken == "" {
				httpResponse(w, "admin token not configured", http.StatusForbidden)
				return
			}

			auth := r.Header.Get("Authorization")
			token := strings.TrimPrefix(auth, "Bearer ")
			if auth == "" || token == auth || token != s.cfg.AdminToken {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, map[string]any{"status": "ok"}, http.StatusOK)
}

// tryAcquireBG attempts a non-blocking permit acquire for background DB
// work spawned from the chunk loop. It returns a release func and true, or
// a no-op func and false when the pool is saturated.
func (s *Server) tryAcquireBG() (release func(), ok bool) {
	select {
	case s.bgSem <- struct{}{}:
		return func() { <-s.bgSem }, true
	default:
		return func() {}, false
	}
}
