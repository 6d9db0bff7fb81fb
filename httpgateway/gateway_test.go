package httpgateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.sluice.dev/core/pipeline"
	"go.sluice.dev/core/scheduler"
	"go.sluice.dev/core/table"
)

func init() {
	pipeline.RegisterTransform("gateway-identity",
		pipeline.ProjectEach(func(row table.Row) (table.Row, error) { return row, nil }))
}

func newTestGateway(t *testing.T) (*Gateway, *pipeline.Pipeline) {
	var spec = pipeline.PipelineSpec{
		Name: "gateway-fixture",
		Tables: []table.Spec{
			{Name: "raw"},
			{Name: "out"},
		},
		Stages: []pipeline.StageSpec{
			{
				Name:      "copy",
				Source:    "raw",
				Target:    "out",
				Transform: pipeline.TransformSpec{Name: "gateway-identity"},
				Trigger:   pipeline.Trigger{Interval: pipeline.Duration(time.Minute)},
			},
		},
	}
	var p, err = pipeline.NewPipeline(spec, pipeline.BuildOptions{})
	require.NoError(t, err)
	require.NoError(t, p.Recover(context.Background()))

	return NewGateway(p, scheduler.New(p, scheduler.Config{})), p
}

func TestGatewayListStages(t *testing.T) {
	var gw, _ = newTestGateway(t)

	var w = httptest.NewRecorder()
	gw.ServeHTTP(w, httptest.NewRequest("GET", "/stages", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var statuses []scheduler.StageStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "copy", statuses[0].Name)
	assert.Equal(t, "IDLE", statuses[0].State)
}

func TestGatewayForceRunAndHistory(t *testing.T) {
	var gw, p = newTestGateway(t)

	var raw, ok = p.Table("raw")
	require.True(t, ok)
	require.NoError(t, raw.Append(table.Row{"v": 1.0}, table.Row{"v": 2.0}))

	var w = httptest.NewRecorder()
	gw.ServeHTTP(w, httptest.NewRequest("POST", "/stages/run?stage=copy", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var rec scheduler.RunRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, scheduler.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, 2, rec.EntriesRead)

	w = httptest.NewRecorder()
	gw.ServeHTTP(w, httptest.NewRequest("GET", "/stages/history?stage=copy", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var recs []scheduler.RunRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, rec.ID, recs[0].ID)
}

func TestGatewayTableReadStreamsNDJSON(t *testing.T) {
	var gw, p = newTestGateway(t)

	var raw, ok = p.Table("raw")
	require.True(t, ok)
	require.NoError(t, raw.Append(table.Row{"v": 1.0}, table.Row{"v": 2.0}, table.Row{"v": 3.0}))

	var w = httptest.NewRecorder()
	gw.ServeHTTP(w, httptest.NewRequest("GET", "/tables/read?table=raw", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	var scanner = bufio.NewScanner(w.Body)
	var count int
	for scanner.Scan() {
		var row table.Row
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		count++
		assert.Equal(t, float64(count), row["v"])
	}
	assert.Equal(t, 3, count)
}

func TestGatewayErrorMapping(t *testing.T) {
	var gw, _ = newTestGateway(t)

	var cases = []struct {
		method, target string
		code           int
		body           string
	}{
		{"POST", "/stages/run?stage=nope", http.StatusNotFound, "no such stage"},
		{"GET", "/stages/history?stage=nope", http.StatusNotFound, "no such stage"},
		{"GET", "/tables/read?table=nope", http.StatusNotFound, "no such table"},
		{"POST", "/stages/run", http.StatusBadRequest, "expected ?stage parameter"},
		{"GET", "/tables/read", http.StatusBadRequest, "expected ?table parameter"},
		{"GET", "/stages/run?stage=copy", http.StatusNotFound, "unknown route"},
		{"GET", "/stages/history?stage=copy&bogus=1", http.StatusBadRequest, ""},
		{"DELETE", "/stages", http.StatusNotFound, "unknown route"},
	}
	for _, tc := range cases {
		var w = httptest.NewRecorder()
		gw.ServeHTTP(w, httptest.NewRequest(tc.method, tc.target, nil))
		assert.Equal(t, tc.code, w.Code, tc.target)
		if tc.body != "" {
			assert.True(t, strings.Contains(w.Body.String(), tc.body), w.Body.String())
		}
	}
}
