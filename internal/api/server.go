// Package api is the HTTP edge: routing, authentication, the error
// envelope, and transport hardening. Handlers translate between wire
// shapes and the internal services; policy lives in the services.
package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/inference-gateway/internal/authflow"
	"github.com/ocx/inference-gateway/internal/compliance"
	"github.com/ocx/inference-gateway/internal/identity"
	"github.com/ocx/inference-gateway/internal/modelcatalog"
	"github.com/ocx/inference-gateway/internal/pipeline"
	"github.com/ocx/inference-gateway/internal/vault"
	"github.com/ocx/inference-gateway/internal/workbench"
)

// Server wires the services onto the HTTP surface.
type Server struct {
	resolver  *identity.Resolver
	issuer    *authflow.Issuer // nil when the device flow is disabled
	pipeline  *pipeline.Pipeline
	workbench *workbench.Service
	secrets   *vault.Reader
	catalog   *modelcatalog.Catalog
	manifest  *compliance.Manifest
	slog      *slog.Logger

	httpServer *http.Server
}

// Config carries the server's collaborators.
type Config struct {
	Resolver  *identity.Resolver
	Issuer    *authflow.Issuer
	Pipeline  *pipeline.Pipeline
	Workbench *workbench.Service
	Secrets   *vault.Reader
	Catalog   *modelcatalog.Catalog
	Manifest  *compliance.Manifest
	Logger    *slog.Logger
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		resolver:  cfg.Resolver,
		issuer:    cfg.Issuer,
		pipeline:  cfg.Pipeline,
		workbench: cfg.Workbench,
		secrets:   cfg.Secrets,
		catalog:   cfg.Catalog,
		manifest:  cfg.Manifest,
		slog:      logger,
	}
}

// Router mounts every route. Exposed for handler tests.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestLogger)
	r.Use(s.authMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()

	if s.issuer != nil {
		v1.HandleFunc("/auth/device-code", s.handleDeviceCode).Methods("POST")
		v1.HandleFunc("/auth/token", s.handleToken).Methods("POST")
		v1.HandleFunc("/auth/device/approve", s.handleDeviceApprove).Methods("POST")
		v1.HandleFunc("/auth/jwks", s.handleJWKS).Methods("GET")
	}

	v1.HandleFunc("/chat/completions", s.handleChat).Methods("POST")

	v1.HandleFunc("/workbench/drafts", s.handleListDrafts).Methods("GET")
	v1.HandleFunc("/workbench/drafts", s.handleCreateDraft).Methods("POST")
	v1.HandleFunc("/workbench/drafts/{id}", s.handleGetDraft).Methods("GET")
	v1.HandleFunc("/workbench/drafts/{id}", s.handleUpdateDraft).Methods("PUT")
	v1.HandleFunc("/workbench/drafts/{id}", s.handleDeleteDraft).Methods("DELETE")
	v1.HandleFunc("/workbench/drafts/{id}/lock", s.handleLock).Methods("POST")
	v1.HandleFunc("/workbench/drafts/{id}/submit", s.transitionHandler("submit")).Methods("POST")
	v1.HandleFunc("/workbench/drafts/{id}/approve", s.transitionHandler("approve")).Methods("POST")
	v1.HandleFunc("/workbench/drafts/{id}/reject", s.transitionHandler("reject")).Methods("POST")
	v1.HandleFunc("/workbench/drafts/{id}/validate", s.handleValidateDraft).Methods("POST")
	v1.HandleFunc("/workbench/drafts/{id}/assemble", s.handleAssembleDraft).Methods("POST")
	v1.HandleFunc("/workbench/drafts/{id}/publish", s.handlePublishDraft).Methods("POST")

	v1.HandleFunc("/vault/secrets", s.handleStoreSecret).Methods("POST")

	v1.HandleFunc("/models", s.handleListModels).Methods("GET")
	v1.HandleFunc("/models/{id}/schema", s.handleModelSchema).Methods("GET")

	v1.HandleFunc("/system/compliance", s.handleCompliance).Methods("GET")

	return r
}

// ListenAndServe binds the edge. TLS 1.3 is the floor; plaintext binds
// are refused off loopback because bearer tokens and API keys transit
// every request.
func (s *Server) ListenAndServe(host string, port int, certFile, keyFile string) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // inference calls are slow
		IdleTimeout:  120 * time.Second,
	}

	if certFile != "" && keyFile != "" {
		s.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS13}
		s.slog.Info("listening", slog.String("addr", addr), slog.Bool("tls", true))
		return s.httpServer.ListenAndServeTLS(certFile, keyFile)
	}

	if !loopbackHost(host) {
		return fmt.Errorf("refusing plaintext bind on %s: configure TLS_CERT_FILE and TLS_KEY_FILE", addr)
	}
	s.slog.Info("listening", slog.String("addr", addr), slog.Bool("tls", false))
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func loopbackHost(host string) bool {
	if host == "" || host == "localhost" {
		return host == "localhost"
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
