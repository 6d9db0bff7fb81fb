// Package httpgateway maps the scheduler's observation API and pipeline
// table reads onto HTTP.
package httpgateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/schema"
	log "github.com/sirupsen/logrus"

	"go.sluice.dev/core/pipeline"
	"go.sluice.dev/core/scheduler"
)

// Gateway presents an HTTP surface over a Pipeline and its Scheduler:
//
//	GET  /stages                     => JSON []scheduler.StageStatus
//	GET  /stages/history?stage=name  => JSON []scheduler.RunRecord
//	POST /stages/run?stage=name      => JSON scheduler.RunRecord
//	GET  /tables/read?table=name     => newline-delimited JSON rows
//
// A forced run of a RUNNING stage returns 409 Conflict; unknown stage and
// table names return 404.
type Gateway struct {
	decoder  *schema.Decoder
	pipeline *pipeline.Pipeline
	sched    *scheduler.Scheduler
}

// NewGateway returns a Gateway over the Pipeline and Scheduler.
func NewGateway(p *pipeline.Pipeline, s *scheduler.Scheduler) *Gateway {
	var decoder = schema.NewDecoder()
	decoder.IgnoreUnknownKeys(false)

	return &Gateway{
		decoder:  decoder,
		pipeline: p,
		sched:    s,
	}
}

func (h *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/stages" && r.Method == "GET":
		h.serveListStages(w, r)
	case r.URL.Path == "/stages/history" && r.Method == "GET":
		h.serveRunHistory(w, r)
	case r.URL.Path == "/stages/run" && r.Method == "POST":
		h.serveForceRun(w, r)
	case r.URL.Path == "/tables/read" && r.Method == "GET":
		h.serveTableRead(w, r)
	default:
		http.Error(w, fmt.Sprintf("unknown route: %s %s", r.Method, r.URL.Path), http.StatusNotFound)
	}
}

func (h *Gateway) serveListStages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.sched.ListStages())
}

func (h *Gateway) serveRunHistory(w http.ResponseWriter, r *http.Request) {
	var stage, err = h.parseStageQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var recs, hErr = h.sched.RunHistory(stage)
	if hErr == scheduler.ErrNoSuchStage {
		http.Error(w, hErr.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, recs)
}

func (h *Gateway) serveForceRun(w http.ResponseWriter, r *http.Request) {
	var stage, err = h.parseStageQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var rec, runErr = h.sched.ForceRun(r.Context(), stage)
	switch runErr {
	case nil:
		writeJSON(w, rec)
	case scheduler.ErrNoSuchStage:
		http.Error(w, runErr.Error(), http.StatusNotFound)
	case scheduler.ErrStageRunning:
		http.Error(w, runErr.Error(), http.StatusConflict)
	default:
		http.Error(w, runErr.Error(), http.StatusInternalServerError)
	}
}

func (h *Gateway) serveTableRead(w http.ResponseWriter, r *http.Request) {
	var params struct {
		Table string `schema:"table"`
	}
	if err := h.decodeQuery(r, &params); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	} else if params.Table == "" {
		http.Error(w, "expected ?table parameter", http.StatusBadRequest)
		return
	}
	var t, ok = h.pipeline.Table(params.Table)
	if !ok {
		http.Error(w, "no such table", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	var enc = json.NewEncoder(w)
	for _, row := range t.Scan() {
		if err := enc.Encode(row); err != nil {
			log.WithField("err", err).Warn("httpgateway: failed to write table read")
			return
		}
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
	}
}

func (h *Gateway) parseStageQuery(r *http.Request) (string, error) {
	var params struct {
		Stage string `schema:"stage"`
	}
	if err := h.decodeQuery(r, &params); err != nil {
		return "", err
	} else if params.Stage == "" {
		return "", fmt.Errorf("expected ?stage parameter")
	}
	return params.Stage, nil
}

func (h *Gateway) decodeQuery(r *http.Request, into interface{}) error {
	var q, err = url.ParseQuery(r.URL.RawQuery)
	if err == nil {
		err = h.decoder.Decode(into, q)
	}
	return err
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithField("err", err).Warn("httpgateway: failed to write response")
	}
}
