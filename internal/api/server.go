// Package api serves the read-only HTTP surface: session and lap
// listings from sqlite and a live SSE tail of the decode pipeline.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/trackbox/internal/db"
	"github.com/banshee-data/trackbox/internal/httputil"
	"github.com/banshee-data/trackbox/internal/pipeline"
	"github.com/banshee-data/trackbox/internal/session"
	"github.com/banshee-data/trackbox/internal/units"
	"github.com/banshee-data/trackbox/internal/version"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	pipe  *pipeline.Pipeline
	db    *db.DB
	units string
}

// NewServer creates an API server. pipe may be nil when serving stored
// data only (the live tail then reports unavailable). defaultUnits is
// the speed unit used when a request doesn't pass ?units=.
func NewServer(pipe *pipeline.Pipeline, database *db.DB, defaultUnits string) *Server {
	if !units.IsValid(defaultUnits) {
		defaultUnits = units.MPS
	}
	return &Server{
		pipe:  pipe,
		db:    database,
		units: defaultUnits,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/laps", s.listLaps)
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/live", s.liveTail)
	mux.HandleFunc("/api/version", s.showVersion)
	return mux
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

// requestUnits resolves the speed unit for one request.
func (s *Server) requestUnits(r *http.Request) (string, error) {
	u := r.URL.Query().Get("units")
	if u == "" {
		return s.units, nil
	}
	if !units.IsValid(u) {
		return "", fmt.Errorf("invalid units %q, valid units: %s", u, units.GetValidUnitsString())
	}
	return u, nil
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	sessions, err := s.db.Sessions()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []db.SessionSummary{}
	}
	httputil.WriteJSONOK(w, sessions)
}

// lapAPI is the wire form of a lap: durations both machine-readable and
// formatted, speeds in the requested unit.
type lapAPI struct {
	Number        int     `json:"number"`
	Duration      string  `json:"duration"`
	DurationSecs  float64 `json:"duration_secs"`
	Sector1       string  `json:"sector1,omitempty"`
	Sector2       string  `json:"sector2,omitempty"`
	Sector3       string  `json:"sector3,omitempty"`
	MaxSpeed      float64 `json:"max_speed"`
	AvgSpeed      float64 `json:"avg_speed"`
	Units         string  `json:"units"`
	Valid         bool    `json:"valid"`
	InvalidReason string  `json:"invalid_reason,omitempty"`
}

func lapToAPI(lap session.LapRecord, u string) lapAPI {
	out := lapAPI{
		Number:        lap.Number,
		Duration:      units.FormatLapTime(lap.Duration),
		DurationSecs:  lap.Duration.Seconds(),
		MaxSpeed:      units.ConvertSpeed(lap.MaxSpeed, u),
		AvgSpeed:      units.ConvertSpeed(lap.AvgSpeed, u),
		Units:         u,
		Valid:         lap.Valid,
		InvalidReason: lap.InvalidReason,
	}
	if lap.Sector1 > 0 {
		out.Sector1 = units.FormatLapTime(lap.Sector1)
	}
	if lap.Sector2 > 0 {
		out.Sector2 = units.FormatLapTime(lap.Sector2)
	}
	if lap.Sector3 > 0 {
		out.Sector3 = units.FormatLapTime(lap.Sector3)
	}
	return out
}

func (s *Server) listLaps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		httputil.BadRequest(w, "Missing 'session' parameter")
		return
	}
	u, err := s.requestUnits(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	laps, err := s.db.Laps(sessionID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve laps: %v", err))
		return
	}

	out := make([]lapAPI, 0, len(laps))
	for _, lap := range laps {
		out = append(out, lapToAPI(lap, u))
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.pipe == nil {
		httputil.ServiceUnavailable(w, "No device attached")
		return
	}
	st, known := s.pipe.Status()
	if !known {
		httputil.ServiceUnavailable(w, "No device status received yet")
		return
	}
	httputil.WriteJSONOK(w, st)
}

// liveTail streams pipeline events as Server-Sent Events.
func (s *Server) liveTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.pipe == nil {
		http.Error(w, "No device attached", http.StatusServiceUnavailable)
		return
	}
	u, err := s.requestUnits(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, events := s.pipe.Subscribe()
	defer s.pipe.Unsubscribe(id)

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	w.(http.Flusher).Flush()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(liveEvent(e, u))
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			w.(http.Flusher).Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// liveEvent shapes one pipeline event for the SSE stream.
func liveEvent(e pipeline.Event, u string) map[string]any {
	switch {
	case e.Sample != nil:
		return map[string]any{
			"type":      "sample",
			"time":      e.Sample.Time,
			"latitude":  e.Sample.Latitude,
			"longitude": e.Sample.Longitude,
			"speed":     units.ConvertSpeed(e.Sample.Speed, u),
			"heading":   e.Sample.Heading,
			"units":     u,
			"fix_valid": e.Sample.FixValid,
		}
	case e.Lap != nil:
		return map[string]any{
			"type": "lap",
			"lap":  lapToAPI(*e.Lap, u),
		}
	case e.Status != nil:
		return map[string]any{
			"type":   "status",
			"status": e.Status,
		}
	default:
		return map[string]any{"type": "unknown"}
	}
}
