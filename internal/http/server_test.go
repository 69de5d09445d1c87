package http

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"vexdb/pkg/metrics"
)

func TestHealthEndpoint(t *testing.T) {
	s := NewServer(0, nil, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, StatusOK, body.Status)
}

func TestStatsEndpoint(t *testing.T) {
	stats := func() any {
		return map[string]int{"tables": 3}
	}
	s := NewServer(0, stats, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/debug/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 3, body["tables"])
}

func TestStatsDisabledWithoutProvider(t *testing.T) {
	s := NewServer(0, nil, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/debug/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	collector := metrics.NewPrometheus()
	collector.IncCounter("vexdb_writes_total", nil, 5)

	s := NewServer(0, nil, collector.Registry())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "vexdb_writes_total"))
}
