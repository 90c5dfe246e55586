package main

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// maxRequestBody bounds the JSON bodies of the selection endpoints
const maxRequestBody = 4096

// Refresher triggers immediate pulls of the polled feeds
type Refresher interface {
	RefreshAll()
}

// APIHandler serves the dashboard's HTTP API
type APIHandler struct {
	config      *Config
	engine      *Engine
	refresher   Refresher
	source      ArchiveSource
	metrics     *PrometheusMetrics
	rateLimiter *IPRateLimiter
	location    *time.Location
}

// NewAPIHandler creates the API handler
func NewAPIHandler(config *Config, engine *Engine, refresher Refresher, source ArchiveSource, metrics *PrometheusMetrics, location *time.Location) *APIHandler {
	if location == nil {
		location = time.Local
	}
	return &APIHandler{
		config:      config,
		engine:      engine,
		refresher:   refresher,
		source:      source,
		metrics:     metrics,
		rateLimiter: NewIPRateLimiter(time.Duration(config.Server.RefreshRateLimitSec) * time.Second),
		location:    location,
	}
}

// Register adds every API route to mux
func (a *APIHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/api/view", gzipHandler(a.handleView))
	mux.HandleFunc("/api/spectrum", gzipHandler(a.handleSpectrum))
	mux.HandleFunc("/api/profiles", a.handleProfiles)
	mux.HandleFunc("/api/profile", a.handleSetProfile)
	mux.HandleFunc("/api/daterange", a.handleSetDateRange)
	mux.HandleFunc("/api/refresh", a.handleRefresh)
	mux.HandleFunc("/api/archive/dates", a.handleArchiveDates)
	mux.HandleFunc("/api/system/status", a.handleSystemStatus)
	if a.config.Prometheus.Enabled {
		mux.HandleFunc("/metrics", a.handlePrometheusMetrics)
	}
}

// StartCleanup periodically forgets idle rate limiter entries
func (a *APIHandler) StartCleanup(done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				a.rateLimiter.Cleanup(10 * time.Minute)
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// handleView serves the current snapshot
func (a *APIHandler) handleView(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, http.StatusOK, a.engine.Snapshot())
}

// handleSpectrum serves the latest pass-through spectrum
func (a *APIHandler) handleSpectrum(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	frame, ok := a.engine.Spectrum()
	if !ok {
		writeError(w, http.StatusNotFound, "no spectrum received yet")
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, http.StatusOK, frame)
}

// handleProfiles lists the tower profiles and the active one
func (a *APIHandler) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profiles": a.engine.Profiles().List(),
		"active":   a.engine.Snapshot().Profile.ID,
	})
}

// handleSetProfile switches the active tower profile
func (a *APIHandler) handleSetProfile(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	err := a.engine.SetActiveProfile(r.Context(), req.ID)
	switch {
	case errors.Is(err, ErrUnknownProfile):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	log.Printf("API: Profile %s selected by %s", req.ID, getClientIP(r))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "profile": req.ID})
}

// handleSetDateRange switches between last-24-hours and a pinned day
func (a *APIHandler) handleSetDateRange(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Mode string `json:"mode"`
		Date string `json:"date"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	sel, err := ParseDateRange(req.Mode, req.Date, a.location)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.engine.SetDateRange(r.Context(), sel); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":        "accepted",
		"selected_date": sel.Describe(time.Now().In(a.location)),
	})
}

// handleRefresh triggers an immediate pull of the historical and fatigue feeds
func (a *APIHandler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	clientIP := getClientIP(r)
	if !a.rateLimiter.AllowRequest(clientIP) {
		a.metrics.RecordRateLimited("refresh")
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusTooManyRequests, "refresh rate limit exceeded")
		return
	}
	if a.refresher != nil {
		a.refresher.RefreshAll()
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refreshing"})
}

// handleArchiveDates lists the days the local archive has pages for
func (a *APIHandler) handleArchiveDates(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	dir, ok := a.source.(*DirArchiveSource)
	if !ok {
		writeError(w, http.StatusNotImplemented, "archive listing needs the dir archive source")
		return
	}

	device := r.URL.Query().Get("device")
	if device == "" {
		device = a.engine.Snapshot().Device
	}
	if device == "" {
		writeError(w, http.StatusBadRequest, "device is required")
		return
	}

	days, err := dir.AvailableDays(device)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"device": device, "dates": days})
}

// handleSystemStatus reports CPU and archive disk usage
func (a *APIHandler) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	dataDir := a.config.Archive.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	writeJSON(w, http.StatusOK, CollectSystemStatus(r.Context(), dataDir))
}

func (a *APIHandler) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)

	if !a.config.Prometheus.IsIPAllowed(clientIP) {
		w.WriteHeader(http.StatusForbidden)
		if _, err := w.Write([]byte("403 Forbidden: Access denied\n")); err != nil {
			log.Printf("Error writing forbidden response: %v", err)
		}
		log.Printf("Prometheus metrics access denied for IP: %s", clientIP)
		return
	}

	a.metrics.Handler().ServeHTTP(w, r)
}

// handleHealth handles health check requests
func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// gzipResponseWriter wraps http.ResponseWriter to provide gzip compression
type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w gzipResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

// gzipHandler wraps an http.HandlerFunc with gzip compression
func gzipHandler(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			fn(w, r)
			return
		}

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Vary", "Accept-Encoding")

		gz := gzip.NewWriter(w)
		defer gz.Close()

		fn(gzipResponseWriter{Writer: gz, ResponseWriter: w}, r)
	}
}

// corsMiddleware adds CORS headers to all responses if enabled in config
func corsMiddleware(config *Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if config.Server.EnableCORS {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// getClientIP extracts the client IP from the request. Forwarding headers are only honoured
// when the direct peer is a trusted proxy.
func getClientIP(r *http.Request) string {
	sourceIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(sourceIP); err == nil {
		sourceIP = host
	}

	if globalConfig == nil || !globalConfig.Server.IsTrustedProxy(sourceIP) {
		return sourceIP
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		clientIP := strings.TrimSpace(xri)
		if host, _, err := net.SplitHostPort(clientIP); err == nil {
			clientIP = host
		}
		if DebugMode {
			log.Printf("DEBUG: Trusted X-Real-IP from proxy: sourceIP=%s, clientIP=%s", sourceIP, clientIP)
		}
		return clientIP
	}

	// X-Forwarded-For can contain multiple IPs: "client, proxy1, proxy2"
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		clientIP := strings.TrimSpace(xff)
		if commaIdx := strings.Index(clientIP, ","); commaIdx != -1 {
			clientIP = strings.TrimSpace(clientIP[:commaIdx])
		}
		if host, _, err := net.SplitHostPort(clientIP); err == nil {
			clientIP = host
		}
		return clientIP
	}

	return sourceIP
}
