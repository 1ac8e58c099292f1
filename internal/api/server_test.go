// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsymtools/dsymd/internal/cache"
	"github.com/dsymtools/dsymd/internal/dsym"
	"github.com/dsymtools/dsymd/internal/history"
	"github.com/dsymtools/dsymd/internal/symbolize"
)

type stubSymbolicator struct {
	calls   int
	results []symbolize.Result
	err     error
}

func (s *stubSymbolicator) Symbolicate(_ context.Context, req symbolize.Request) ([]symbolize.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.results != nil {
		return s.results, nil
	}
	out := make([]symbolize.Result, 0, len(req.Addrs))
	for _, a := range req.Addrs {
		out = append(out, symbolize.Result{
			Addr:   a,
			Frames: []symbolize.Frame{{Symbol: "_main", Source: symbolize.SourceSymtab}},
		})
	}
	return out, nil
}

type stubIndex struct {
	records []*dsym.Record
}

func (s *stubIndex) List(context.Context) ([]*dsym.Record, error) { return s.records, nil }

type stubScanner struct {
	stats dsym.ScanStats
	calls int
}

func (s *stubScanner) Scan(context.Context) (dsym.ScanStats, error) {
	s.calls++
	return s.stats, nil
}

type stubHistory struct {
	entries []history.Entry
}

func (s *stubHistory) Record(_ context.Context, e history.Entry) error {
	s.entries = append(s.entries, e)
	return nil
}

func (s *stubHistory) Recent(_ context.Context, limit int) ([]history.Entry, error) {
	if limit > len(s.entries) {
		limit = len(s.entries)
	}
	return s.entries[:limit], nil
}

func newTestServer(cfg Config) (*Server, *stubSymbolicator, *stubHistory) {
	sym := &stubSymbolicator{}
	hist := &stubHistory{}
	mem := cache.NewMemory(0)
	return New(cfg, sym, &stubIndex{}, &stubScanner{}, hist, mem), sym, hist
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSymbolicateEndpoint(t *testing.T) {
	srv, _, hist := newTestServer(Config{CacheTTL: time.Minute})
	h := srv.Handler()

	rec := postJSON(t, h, "/api/v1/symbolicate", `{"path":"/bin/app","addrs":[4096,8192]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []symbolize.Result `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	assert.Equal(t, uint64(4096), resp.Results[0].Addr)
	assert.Equal(t, "_main", resp.Results[0].Frames[0].Symbol)

	require.Len(t, hist.entries, 1)
	assert.Equal(t, 2, hist.entries[0].AddrCount)
	assert.Equal(t, 2, hist.entries[0].Resolved)
}

func TestSymbolicateServedFromCache(t *testing.T) {
	srv, sym, _ := newTestServer(Config{CacheTTL: time.Minute})
	h := srv.Handler()

	body := `{"path":"/bin/app","addrs":[4096]}`
	first := postJSON(t, h, "/api/v1/symbolicate", body)
	require.Equal(t, http.StatusOK, first.Code)
	second := postJSON(t, h, "/api/v1/symbolicate", body)
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, 1, sym.calls, "second request must come from the cache")
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	// A different address list misses the cache.
	postJSON(t, h, "/api/v1/symbolicate", `{"path":"/bin/app","addrs":[8192]}`)
	assert.Equal(t, 2, sym.calls)
}

func TestSymbolicateValidation(t *testing.T) {
	srv, _, _ := newTestServer(Config{})
	h := srv.Handler()

	cases := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"no target", `{"addrs":[1]}`},
		{"no addrs", `{"path":"/bin/app"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(t, h, "/api/v1/symbolicate", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSymbolicateFailure(t *testing.T) {
	srv, sym, hist := newTestServer(Config{})
	sym.err = assert.AnError
	h := srv.Handler()

	rec := postJSON(t, h, "/api/v1/symbolicate", `{"path":"/gone","addrs":[1]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, hist.entries)
}

func TestSymbolicateBadUUIDIsCallerError(t *testing.T) {
	srv, sym, _ := newTestServer(Config{})
	sym.err = fmt.Errorf("%w: %q", symbolize.ErrBadUUID, "not-a-uuid")
	h := srv.Handler()

	rec := postJSON(t, h, "/api/v1/symbolicate", `{"uuid":"not-a-uuid","addrs":[1]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "bad_request", body.Error)
}

func TestBearerAuth(t *testing.T) {
	srv, _, _ := newTestServer(Config{APIToken: "secret"})
	h := srv.Handler()

	rec := postJSON(t, h, "/api/v1/symbolicate", `{"path":"/bin/app","addrs":[1]}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/symbolicate", strings.NewReader(`{"path":"/bin/app","addrs":[1]}`))
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/symbolicate", strings.NewReader(`{"path":"/bin/app","addrs":[1]}`))
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health endpoints stay open.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestImagesEndpoint(t *testing.T) {
	sym := &stubSymbolicator{}
	idx := &stubIndex{records: []*dsym.Record{{UUID: "abc", Path: "/symbols/app"}}}
	srv := New(Config{}, sym, idx, nil, nil, nil)
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/images", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Images []dsym.Record `json:"images"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Images, 1)
	assert.Equal(t, "abc", resp.Images[0].UUID)
}

func TestScanEndpoint(t *testing.T) {
	sc := &stubScanner{stats: dsym.ScanStats{Bundles: 3, Indexed: 2}}
	srv := New(Config{}, &stubSymbolicator{}, nil, sc, nil, nil)
	h := srv.Handler()

	rec := postJSON(t, h, "/api/v1/scan", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, sc.calls)

	var stats dsym.ScanStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Indexed)

	// Without a scanner the endpoint reports unavailable.
	srv = New(Config{}, &stubSymbolicator{}, nil, nil, nil, nil)
	rec = postJSON(t, srv.Handler(), "/api/v1/scan", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	srv, _, hist := newTestServer(Config{})
	hist.entries = []history.Entry{{Path: "/bin/app", AddrCount: 1}}
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/history?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/history?limit=no", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestIDEchoed(t *testing.T) {
	srv, _, _ := newTestServer(Config{})
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-Id"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"), "missing IDs are generated")
}

func TestRateLimit(t *testing.T) {
	srv, _, _ := newTestServer(Config{RateLimitPerMinute: 2})
	h := srv.Handler()

	codes := make([]int, 0, 3)
	for range 3 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestReadyz(t *testing.T) {
	srv, _, _ := newTestServer(Config{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
