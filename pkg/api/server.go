package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cbodonnell/plaza/pkg/api/handlers"
	"github.com/cbodonnell/plaza/pkg/api/middleware"
	authproviders "github.com/cbodonnell/plaza/pkg/auth/providers"
	"github.com/cbodonnell/plaza/pkg/log"
	"github.com/cbodonnell/plaza/pkg/repositories"
	"github.com/gorilla/mux"
)

// RealtimePath is where the realtime broker is mounted, as on Supabase.
const RealtimePath = "/realtime/v1/websocket"

type APIServer struct {
	server *http.Server
	tls    *TLSConfig
}

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type NewAPIServerOptions struct {
	Port         int
	TLS          *TLSConfig
	AuthProvider authproviders.AuthProvider
	Repository   repositories.Repository
	// Realtime serves websocket upgrades at RealtimePath when set.
	Realtime http.Handler
	// Now is used for time windows, it defaults to time.Now.
	Now func() time.Time
}

// NewAPIServer creates a new http.Server for the world-events API and,
// optionally, the realtime broker
func NewAPIServer(opts NewAPIServerOptions) *APIServer {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: NewRouter(opts),
	}
	return &APIServer{
		server: server,
		tls:    opts.TLS,
	}
}

// NewRouter builds the routes of the API server.
func NewRouter(opts NewAPIServerOptions) *mux.Router {
	authMiddleware := middleware.NewAuthMiddleware(opts.AuthProvider)

	router := mux.NewRouter()
	router.Handle("/healthz", handlers.HandleHealth()).Methods(http.MethodGet)
	router.Handle("/world-events", middleware.CORS(authMiddleware(handlers.HandleWorldEvents(opts.Repository, opts.Now)))).
		Methods(http.MethodPost, http.MethodOptions)
	if opts.Realtime != nil {
		router.Handle(RealtimePath, opts.Realtime)
	}
	return router
}

// Start starts the APIServer
func (s *APIServer) Start() {
	var listenAndServe func() error
	if s.tls != nil {
		log.Info("API server listening on %s with TLS", s.server.Addr)
		listenAndServe = func() error {
			return s.server.ListenAndServeTLS(s.tls.CertFile, s.tls.KeyFile)
		}
	} else {
		log.Info("API server listening on %s", s.server.Addr)
		listenAndServe = s.server.ListenAndServe
	}
	if err := listenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			log.Info("API server closed")
			return
		}
		log.Error("API server error: %v", err)
	}
}

// Stop stops the APIServer
func (s *APIServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
