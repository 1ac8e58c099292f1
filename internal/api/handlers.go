// SPDX-License-Identifier: MIT

package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/dsymtools/dsymd/internal/cache"
	"github.com/dsymtools/dsymd/internal/history"
	"github.com/dsymtools/dsymd/internal/log"
	"github.com/dsymtools/dsymd/internal/metrics"
	"github.com/dsymtools/dsymd/internal/symbolize"
	"github.com/dsymtools/dsymd/internal/telemetry"
)

// maxAddrsPerRequest bounds one symbolication request. Crash reports rarely
// exceed a few hundred frames.
const maxAddrsPerRequest = 1024

type symbolicateResponse struct {
	Results []symbolize.Result `json:"results"`
}

func (s *Server) handleSymbolicate(w http.ResponseWriter, r *http.Request) {
	var req symbolize.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Path == "" && req.UUID == "" {
		writeBadRequest(w, "either path or uuid is required")
		return
	}
	if len(req.Addrs) == 0 {
		writeBadRequest(w, "addrs must not be empty")
		return
	}
	if len(req.Addrs) > maxAddrsPerRequest {
		writeBadRequest(w, fmt.Sprintf("addrs exceeds the limit of %d", maxAddrsPerRequest))
		return
	}

	key := resultCacheKey(req)
	if body, ok := s.results.Get(key); ok {
		if s, ok := body.(string); ok {
			metrics.IncCacheHit("result")
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(s))
			return
		}
	}
	metrics.IncCacheMiss("result")

	span := trace.SpanFromContext(r.Context())

	start := time.Now()
	results, err := s.symbolicator.Symbolicate(r.Context(), req)
	if err != nil {
		span.SetAttributes(telemetry.ErrorAttributes("symbolicate")...)
		s.logger.Warn().Err(err).
			Str(log.FieldPath, req.Path).
			Str(log.FieldUUID, req.UUID).
			Uint64(log.FieldLoadAddr, req.LoadAddr).
			Msg("symbolication failed")
		if errors.Is(err, symbolize.ErrBadUUID) {
			writeBadRequest(w, err.Error())
			return
		}
		writeNotFound(w, err.Error())
		return
	}

	resolved := 0
	for _, res := range results {
		if len(res.Frames) > 0 {
			resolved++
		}
	}
	span.SetAttributes(telemetry.SymbolicateAttributes(req.Path, req.UUID, len(req.Addrs), resolved)...)

	s.recordHistory(r, req, resolved, time.Since(start))

	body, err := json.Marshal(symbolicateResponse{Results: results})
	if err != nil {
		writeInternal(w)
		return
	}
	s.results.Set(key, string(body), s.cfg.CacheTTL)

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// resultCacheKey hashes the request so cache keys stay short regardless of
// how many addresses were asked for.
func resultCacheKey(req symbolize.Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d", req.Path, req.UUID, req.LoadAddr)
	for _, a := range req.Addrs {
		fmt.Fprintf(h, "|%d", a)
	}
	return "result:" + hex.EncodeToString(h.Sum(nil))
}

func (s *Server) recordHistory(r *http.Request, req symbolize.Request, resolved int, took time.Duration) {
	if s.history == nil {
		return
	}
	if err := s.history.Record(r.Context(), history.Entry{
		Path:      req.Path,
		UUID:      req.UUID,
		LoadAddr:  req.LoadAddr,
		AddrCount: len(req.Addrs),
		Resolved:  resolved,
		Duration:  took.Milliseconds(),
	}); err != nil {
		s.logger.Warn().Err(err).Msg("history record failed")
	}
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		writeJSON(w, http.StatusOK, map[string]any{"images": []any{}})
		return
	}
	records, err := s.index.List(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("index list failed")
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": records})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		writeError(w, http.StatusServiceUnavailable, "no_scanner", "no scan roots configured")
		return
	}
	stats, err := s.scanner.Scan(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("scan failed")
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []any{}})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("history query failed")
		writeInternal(w)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports readiness: the result cache backend must answer when
// it is an external service.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if rc, ok := s.results.(*cache.RedisCache); ok {
		if err := rc.HealthCheck(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "cache_unavailable", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
