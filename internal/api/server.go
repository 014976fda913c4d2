// Package api exposes the backend contract over HTTP and WebSocket: /auth/v1, /rest/v1,
// /storage/v1 and /realtime/v1.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/eugeniagram/eugeniagram/internal/auth"
	"github.com/eugeniagram/eugeniagram/internal/common/utils"
	"github.com/eugeniagram/eugeniagram/internal/store"
	"github.com/eugeniagram/eugeniagram/internal/store/objects"
)

const maxJSONBody = 1 << 20

// Backend is the row and procedure layer behind the REST surface
type Backend interface {
	store.Tables
	store.Procedures
	ParticipantChecker
}

type Deps struct {
	Backend     Backend
	Storage     store.Storage
	Realtime    store.Realtime
	AuthService auth.Service
	// PublicDir serves locally stored objects when set
	PublicDir string
	// WSMessagesPerSecond limits client frames per realtime connection
	WSMessagesPerSecond int
	Log                 *slog.Logger
}

type Server struct {
	backend  Backend
	storage  store.Storage
	realtime store.Realtime
	authMW   *auth.Middleware
	authH    *auth.Handler
	policy   *Policy
	hub      *Hub
	public   string
	log      *slog.Logger
}

func NewServer(d Deps) *Server {
	mw := auth.NewMiddleware(d.AuthService)
	limit := rate.Limit(d.WSMessagesPerSecond)
	if d.WSMessagesPerSecond <= 0 {
		limit = rate.Limit(20)
	}
	policy := NewPolicy(d.Backend)

	return &Server{
		backend:  d.Backend,
		storage:  d.Storage,
		realtime: d.Realtime,
		authMW:   mw,
		authH:    auth.NewHandler(d.AuthService, mw, d.Log),
		policy:   policy,
		hub:      NewHub(d.Realtime, policy, limit, d.Log),
		public:   d.PublicDir,
		log:      d.Log,
	}
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(observe)

	router.HandleFunc("/health", s.health).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.authH.RegisterRoutes(router)

	rest := router.PathPrefix("/rest/v1").Subrouter()
	rest.Use(s.authMW.OptionalAuthenticate)
	rest.HandleFunc("/rpc/{name}", s.rpc).Methods("POST")
	rest.HandleFunc("/{table}", s.selectRows).Methods("GET")
	rest.HandleFunc("/{table}", s.insertRows).Methods("POST")
	rest.HandleFunc("/{table}", s.updateRows).Methods("PATCH")
	rest.HandleFunc("/{table}", s.deleteRows).Methods("DELETE")

	storage := router.PathPrefix("/storage/v1").Subrouter()
	storage.Handle("/object/{bucket}/{path:.+}", s.authMW.Authenticate(http.HandlerFunc(s.upload))).Methods("POST")
	if s.public != "" {
		storage.PathPrefix("/public/").Handler(
			http.StripPrefix(objects.PublicPrefix, http.FileServer(http.Dir(s.public)))).Methods("GET")
	}

	router.Handle("/realtime/v1/websocket", s.authMW.Authenticate(http.HandlerFunc(s.hub.ServeWS))).Methods("GET")

	return router
}

// Shutdown closes realtime connections
func (s *Server) Shutdown(ctx context.Context) {
	s.hub.Close()
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	utils.SuccessResponse(w, map[string]interface{}{
		"status":      "ok",
		"connections": s.hub.Connections(),
	}, http.StatusOK)
}
