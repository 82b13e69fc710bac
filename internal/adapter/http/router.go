package http

import (
	"net/http"

	"github.com/hemanshu03/livedict/internal/telemetry"
)

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.AuthMiddleware)

	api.Handle("/kv/{bucket}/{key}", telemetry.Instrument("get", http.HandlerFunc(s.handleGet))).Methods("GET")
	api.Handle("/kv/{bucket}/{key}", telemetry.Instrument("set", http.HandlerFunc(s.handleSet))).Methods("PUT")
	api.Handle("/kv/{bucket}/{key}", telemetry.Instrument("delete", http.HandlerFunc(s.handleDelete))).Methods("DELETE")
	api.Handle("/kv/{bucket}", telemetry.Instrument("keys", http.HandlerFunc(s.handleKeys))).Methods("GET")

	// Token issuance stays outside the auth middleware.
	s.router.HandleFunc("/v1/auth/token", s.handleToken).Methods("POST")

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", telemetry.MetricsHandler()).Methods("GET")
}
