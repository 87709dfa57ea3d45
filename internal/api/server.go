// Package api serves recorded sessions over HTTP: JSON listings of sessions,
// samples and detector events, and rendered reports.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/cerebra/internal/db"
	"github.com/banshee-data/cerebra/internal/fnirs"
	"github.com/banshee-data/cerebra/internal/report"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const defaultSampleLimit = 500

type Server struct {
	db         *db.DB
	assetsHost string
}

// NewServer serves sessions from db. assetsHost is passed to the HTML report;
// empty uses report.DefaultAssetsHost.
func NewServer(db *db.DB, assetsHost string) *Server {
	return &Server{db: db, assetsHost: assetsHost}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
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

// Register adds the session routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.showSession)
	mux.HandleFunc("GET /api/sessions/{id}/samples", s.listSamples)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.listEvents)
	mux.HandleFunc("GET /sessions/{id}/report.html", s.reportHTML)
	mux.HandleFunc("GET /sessions/{id}/plot.png", s.reportPNG)
}

// ServeMux returns a new mux with the session routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode json response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps a missing session to 404 and anything else to 500.
func writeStoreError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, db.ErrSessionNotFound) {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve %s: %v", what, err))
}

func sessionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		writeJSONError(w, http.StatusBadRequest, "Invalid session id")
		return 0, false
	}
	return id, true
}

// intParam parses an optional query parameter, returning def when absent.
func intParam(r *http.Request, name string, def int64) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid '%s' parameter", name)
	}
	return n, nil
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 100)
	if err != nil || limit < 1 {
		writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
		return
	}
	sessions, err := s.db.ListSessions(r.Context(), int(limit))
	if err != nil {
		writeStoreError(w, "sessions", err)
		return
	}
	out := make([]SessionAPI, len(sessions))
	for i, sess := range sessions {
		out[i] = SessionToAPI(sess)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	sess, err := s.db.GetSession(r.Context(), id)
	if err != nil {
		writeStoreError(w, "session", err)
		return
	}
	writeJSON(w, http.StatusOK, SessionToAPI(*sess))
}

// listSamples returns preprocessed samples. With start_ms or end_ms it
// returns that inclusive time range in frame order; otherwise the newest
// limit samples, newest first. optode narrows either query to one optode.
func (s *Server) listSamples(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	optode, err := intParam(r, "optode", db.AllOptodes)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.db.GetSession(r.Context(), id); err != nil {
		writeStoreError(w, "session", err)
		return
	}

	q := r.URL.Query()
	var samples []fnirs.PreprocessedSample
	if q.Has("start_ms") || q.Has("end_ms") {
		start, err := intParam(r, "start_ms", 0)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		end, err := intParam(r, "end_ms", math.MaxInt64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		samples, err = s.db.PreprocessedByTimeRange(r.Context(), id, start, end, int(optode))
		if err != nil {
			writeStoreError(w, "samples", err)
			return
		}
	} else {
		limit, err := intParam(r, "limit", defaultSampleLimit)
		if err != nil || limit < 1 {
			writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		samples, err = s.db.LatestPreprocessedSamples(r.Context(), id, int(limit), int(optode))
		if err != nil {
			writeStoreError(w, "samples", err)
			return
		}
	}

	out := make([]SampleAPI, len(samples))
	for i, p := range samples {
		out[i] = SampleToAPI(p)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	if _, err := s.db.GetSession(r.Context(), id); err != nil {
		writeStoreError(w, "session", err)
		return
	}
	events, err := s.db.DetectorEvents(r.Context(), id)
	if err != nil {
		writeStoreError(w, "events", err)
		return
	}
	out := make([]EventAPI, len(events))
	for i, e := range events {
		out[i] = EventToAPI(e)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) loadReport(w http.ResponseWriter, r *http.Request) (*report.Data, bool) {
	id, ok := sessionID(w, r)
	if !ok {
		return nil, false
	}
	data, err := report.Load(r.Context(), s.db, id)
	if err != nil {
		writeStoreError(w, "session", err)
		return nil, false
	}
	return data, true
}

func (s *Server) reportHTML(w http.ResponseWriter, r *http.Request) {
	data, ok := s.loadReport(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := data.RenderHTML(&buf, s.assetsHost); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to render report: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

func (s *Server) reportPNG(w http.ResponseWriter, r *http.Request) {
	data, ok := s.loadReport(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := data.WritePNG(&buf); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	buf.WriteTo(w)
}
