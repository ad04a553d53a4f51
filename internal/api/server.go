// Package api binds the core to its HTTP surface:
// versioned routes under /api/v1, pagination, API-key auth with /health and
// /dashboard exemptions, the dashboard push socket, and the Prometheus
// endpoint. Routing uses gorilla/mux and the push socket gorilla/websocket.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"microdns/internal/config"
	"microdns/internal/federation"
	"microdns/internal/store"
)

const maxBodyBytes = 1 << 20 // 1 MiB request-body cap

// Server is the HTTP surface. TransferIn is injected by the composition
// root (it lives on the authoritative DNS server).
type Server struct {
	Store      *store.Store
	Cfg        *config.Config
	Tracker    *federation.Tracker // nil on non-coordinators
	TransferIn func(zone, primary string) error

	wsConns chan struct{}
}

// New builds a Server.
func New(st *store.Store, cfg *config.Config, tracker *federation.Tracker, transferIn func(zone, primary string) error) *Server {
	return &Server{
		Store:      st,
		Cfg:        cfg,
		Tracker:    tracker,
		TransferIn: transferIn,
		wsConns:    make(chan struct{}, maxWSConns),
	}
}

// Router assembles the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.authMiddleware)
	r.Use(bodyLimitMiddleware)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/zones", s.handleListZones).Methods(http.MethodGet)
	api.HandleFunc("/zones", s.handleCreateZone).Methods(http.MethodPost)
	api.HandleFunc("/zones/transfer", s.handleZoneTransfer).Methods(http.MethodPost)
	api.HandleFunc("/zones/{id}", s.handleGetZone).Methods(http.MethodGet)
	api.HandleFunc("/zones/{id}", s.handleDeleteZone).Methods(http.MethodDelete)
	api.HandleFunc("/zones/{zone_id}/records", s.handleListRecords).Methods(http.MethodGet)
	api.HandleFunc("/zones/{zone_id}/records", s.handleCreateRecord).Methods(http.MethodPost)
	api.HandleFunc("/zones/{zone_id}/records/{record_id}", s.handleGetRecord).Methods(http.MethodGet)
	api.HandleFunc("/zones/{zone_id}/records/{record_id}", s.handleUpdateRecord).Methods(http.MethodPut)
	api.HandleFunc("/zones/{zone_id}/records/{record_id}", s.handleDeleteRecord).Methods(http.MethodDelete)
	api.HandleFunc("/leases", s.handleListLeases).Methods(http.MethodGet)
	api.HandleFunc("/ipam/pools", s.handleListIpamPools).Methods(http.MethodGet)
	api.HandleFunc("/ipam/allocations", s.handleListIpamAllocations).Methods(http.MethodGet)
	api.HandleFunc("/ipam/allocate", s.handleIpamAllocate).Methods(http.MethodPost)
	api.HandleFunc("/ipam/allocations/{id}", s.handleDeleteIpamAllocation).Methods(http.MethodDelete)
	api.HandleFunc("/connectivity", s.handleConnectivity).Methods(http.MethodGet)
	api.HandleFunc("/dhcp/status", s.handleDHCPStatus).Methods(http.MethodGet)
	api.HandleFunc("/cluster/status", s.handleClusterStatus).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/dashboard", s.handleDashboard).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// ListenAndServe serves the REST surface until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Cfg.REST.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Printf("api: REST listening on %s", s.Cfg.REST.Listen)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// authMiddleware enforces the x-api-key header when a key is configured.
// /api/v1/health and /dashboard skip auth.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := s.Cfg.REST.APIKey
		if key == "" || r.URL.Path == "/api/v1/health" || r.URL.Path == "/dashboard" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("x-api-key") != key {
			writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// pagination reads the offset/limit query parameters
// (offset defaults to 0, limit to 100, capped at 1000).
func pagination(r *http.Request) (offset, limit int) {
	offset, limit = 0, 100
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 1000 {
		limit = 1000
	}
	return offset, limit
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

// writeInternalError hides the cause behind a generic message and logs the
// detail.
func writeInternalError(w http.ResponseWriter, cause error) {
	log.Printf("api: internal error: %v", cause)
	writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

func writeNotFound(w http.ResponseWriter) {
	writeJSONStatus(w, http.StatusNotFound, map[string]string{"error": "not found"})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}
