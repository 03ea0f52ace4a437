package runtime

import (
	"net/http"
	"strings"

	"github.com/drblury/assignflow/internal/runtime/jsoncodec"
	"github.com/drblury/assignflow/internal/runtime/worker"
)

func (s *Service) registerStatusHandlers() {
	if !s.Conf.StatusEnabled {
		return
	}
	s.RegisterHTTPHandler(s.Conf.StatusPort, "/api/status", http.HandlerFunc(s.handleGetStatus))
	s.RegisterHTTPHandler(s.Conf.StatusPort, "/api/workers", http.HandlerFunc(s.handleGetWorkers))
}

// StatusHandler serves the stats snapshot as JSON.
func (s *Service) StatusHandler() http.Handler {
	return http.HandlerFunc(s.handleGetStatus)
}

func (s *Service) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	if s.writePreamble(w, r) {
		return
	}

	snap, err := s.Status(r.Context())
	if err != nil {
		s.Logger.Error("Failed to collect status", err, nil)
		http.Error(w, "stats store unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := jsoncodec.Encode(w, snap); err != nil {
		s.Logger.Error("Failed to encode status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Service) handleGetWorkers(w http.ResponseWriter, r *http.Request) {
	if s.writePreamble(w, r) {
		return
	}

	body := struct {
		Workers []worker.Stats `json:"workers"`
	}{Workers: s.Workers()}
	if err := jsoncodec.Encode(w, body); err != nil {
		s.Logger.Error("Failed to encode workers", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// writePreamble sets the content type and CORS headers. It reports true when
// the request was a preflight and has been answered.
func (s *Service) writePreamble(w http.ResponseWriter, r *http.Request) bool {
	w.Header().Set("Content-Type", "application/json")

	if len(s.Conf.StatusCORSAllowedOrigins) > 0 {
		if allowed := s.getAllowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return true
	case http.MethodGet, http.MethodHead:
		return false
	default:
		w.Header().Set("Allow", "GET, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return true
	}
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.StatusCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
