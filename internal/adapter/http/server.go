package http

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/hemanshu03/livedict/internal/adapter/token"
	"github.com/hemanshu03/livedict/pkg/livedict"
)

// Server exposes the store over HTTP. When a token maker is configured the
// /v1 routes require a bearer token; /health and /metrics stay open so
// probes and Prometheus can reach them.
type Server struct {
	store   *livedict.Store
	backend livedict.Backend
	maker   *token.Maker
	secret  string
	router  *mux.Router
	log     *zap.Logger
}

// NewServer wires routes around the store. backend may be nil; when set,
// writes marked persist mirror to it and reads rehydrate from it.
func NewServer(store *livedict.Store, backend livedict.Backend, maker *token.Maker, secret string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		store:   store,
		backend: backend,
		maker:   maker,
		secret:  secret,
		router:  mux.NewRouter(),
		log:     log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) Router() http.Handler {
	return CorsMiddleware(s.router)
}
