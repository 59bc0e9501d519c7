package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)

	// Auth
	api.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	api.HandleFunc("/auth/me", s.withUser(s.handleMe)).Methods(http.MethodGet)

	// Instances
	api.HandleFunc("/instances", s.withUser(s.handleListInstances)).Methods(http.MethodGet)
	api.HandleFunc("/instances", s.withUser(s.handleCreateInstance)).Methods(http.MethodPost)
	api.HandleFunc("/instances/test", s.withUser(s.handleTestConnection)).Methods(http.MethodPost)
	api.HandleFunc("/instances/{id:[0-9]+}", s.withUser(s.handleUpdateInstance)).Methods(http.MethodPut)
	api.HandleFunc("/instances/{id:[0-9]+}", s.withUser(s.handleDeleteInstance)).Methods(http.MethodDelete)
	api.HandleFunc("/instances/{id:[0-9]+}/test", s.withUser(s.handleTestInstance)).Methods(http.MethodPost)
	// The proxy validates the dashboard session itself.
	api.HandleFunc("/instances/{id:[0-9]+}/qbt/{path:.*}", s.handleProxy)

	// Integrations
	api.HandleFunc("/integrations", s.withUser(s.handleListIntegrations)).Methods(http.MethodGet)
	api.HandleFunc("/integrations", s.withUser(s.handleCreateIntegration)).Methods(http.MethodPost)
	api.HandleFunc("/integrations/{id:[0-9]+}", s.withUser(s.handleDeleteIntegration)).Methods(http.MethodDelete)
	api.HandleFunc("/integrations/{id:[0-9]+}/test", s.withUser(s.handleTestIntegration)).Methods(http.MethodPost)
	api.HandleFunc("/integrations/{id:[0-9]+}/proxy/{path:.*}", s.withUser(s.handleIntegrationProxy))

	// Tools
	api.HandleFunc("/tools/orphans/scan", s.withUser(s.handleOrphanScan)).Methods(http.MethodPost)

	return r
}
