// Package server exposes the extraction engine over HTTP: a synchronous
// /extract endpoint, an asynchronous job API, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/danhartree/stacvals/internal/engine"
	"github.com/danhartree/stacvals/internal/jobs"
	"github.com/danhartree/stacvals/internal/logger"
	"github.com/danhartree/stacvals/internal/model"
	"github.com/danhartree/stacvals/internal/points"
)

const maxRequestBody = 8 << 20

type Server struct {
	engine *engine.Engine
	store  *jobs.Store
	events jobs.Publisher
	log    zerolog.Logger
}

func New(eng *engine.Engine, store *jobs.Store, events jobs.Publisher, log zerolog.Logger) *Server {
	if events == nil {
		events = jobs.NopPublisher{}
	}
	return &Server{
		engine: eng,
		store:  store,
		events: events,
		log:    log.With().Str("component", "server").Logger(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/extract", s.handleExtract)
	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs/{id}", s.handleGetJob)
	return r
}

// ListenAndServe blocks until ctx is canceled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // extractions stream until the request deadline
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("http listen")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// extractRequest is the JSON front door. It mirrors the CLI surface,
// including the legacy field names kept for existing callers.
type extractRequest struct {
	StacCatalog    string            `json:"stac_catalog"`
	StacCollection string            `json:"stac_collection"`
	StartDate      string            `json:"start_date"`
	EndDate        string            `json:"end_date"`
	StacQuery      map[string]any    `json:"stac_query"`
	StacItems      []json.RawMessage `json:"stac_items"`
	Assets         json.RawMessage   `json:"assets"`
	Points         json.RawMessage   `json:"points"`
	PointsJSON     json.RawMessage   `json:"points_json"`
	JSONFile       string            `json:"json_file"`
	JSONString     string            `json:"json_string"`
	LatitudeKey    string            `json:"latitude_key"`
	LongitudeKey   string            `json:"longitude_key"`
	ExtraArgs      map[string]any    `json:"extra_args"`
	MaxItems       int               `json:"max_items"`
	Token          string            `json:"token"`
	OutputDir      string            `json:"output_dir"`
}

func (er extractRequest) toEngineRequest() (engine.Request, error) {
	req := engine.Request{
		Token:     er.Token,
		OutputDir: er.OutputDir,
		PointsOpt: points.Options{LatKey: er.LatitudeKey, LonKey: er.LongitudeKey},
	}

	switch {
	case len(er.Assets) > 0:
		req.PointsSrc = pointsSource(er.Assets)
	case len(er.Points) > 0:
		req.PointsSrc = pointsSource(er.Points)
	case len(er.PointsJSON) > 0:
		req.PointsSrc = pointsSource(er.PointsJSON)
	case er.JSONString != "":
		req.PointsSrc = er.JSONString
	case er.JSONFile != "":
		req.PointsSrc = er.JSONFile
	}

	if er.ExtraArgs != nil {
		extra, err := model.ExtraArgsFromMap(er.ExtraArgs)
		if err != nil {
			return engine.Request{}, err
		}
		req.Extra = extra
	}
	if req.Extra.MaxItems == 0 {
		req.Extra.MaxItems = er.MaxItems
	}

	for _, raw := range er.StacItems {
		req.Items = append(req.Items, string(raw))
	}
	if len(req.Items) > 0 {
		return req, nil
	}

	start, err := model.ParseDate(er.StartDate)
	if err != nil {
		return engine.Request{}, fmt.Errorf("start_date: %w", err)
	}
	end, err := model.ParseDate(er.EndDate)
	if err != nil {
		return engine.Request{}, fmt.Errorf("end_date: %w", err)
	}
	req.Query = model.Query{
		Catalog:     er.StacCatalog,
		Collections: model.ParseCollections(er.StacCollection),
		Start:       start,
		End:         end,
		StacQuery:   er.StacQuery,
		MaxItems:    req.Extra.MaxItems,
	}
	return req, nil
}

// pointsSource accepts both an embedded JSON document and a JSON string
// holding inline GeoJSON or a file reference.
func pointsSource(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (engine.Request, bool) {
	var er extractRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&er); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: request body: %v", model.ErrMalformedInput, err))
		return engine.Request{}, false
	}
	req, err := er.toEngineRequest()
	if err != nil {
		s.writeError(w, r, err)
		return engine.Request{}, false
	}
	return req, true
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	sum, err := s.engine.Run(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	job := s.store.Create()
	s.publish(jobs.Event{JobID: job.ID, Status: jobs.StatusPending})

	reqID := logger.NewID()
	go s.runJob(logger.WithRequestID(context.Background(), reqID), job.ID, req)

	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) runJob(ctx context.Context, id string, req engine.Request) {
	if err := s.store.SetRunning(id); err != nil {
		s.log.Error().Err(err).Str("job_id", id).Msg("job vanished before start")
		return
	}
	s.publish(jobs.Event{JobID: id, Status: jobs.StatusRunning})

	sum, err := s.engine.Run(ctx, req)
	if serr := s.store.SetResult(id, sum, err); serr != nil {
		s.log.Error().Err(serr).Str("job_id", id).Msg("job result dropped")
		return
	}
	ev := jobs.Event{JobID: id, Status: jobs.StatusSucceeded}
	if err != nil {
		ev.Status = jobs.StatusFailed
		ev.Error = err.Error()
		s.log.Warn().Err(err).Str("job_id", id).Msg("job failed")
	} else {
		ev.OutputDir = sum.OutputDir
	}
	s.publish(ev)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.store.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown job " + id})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) publish(ev jobs.Event) {
	if err := s.events.Publish(ev); err != nil {
		s.log.Warn().Err(err).Str("job_id", ev.JobID).Msg("job event publish failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrMalformedInput), errors.Is(err, model.ErrInvalidExpression):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrCatalogUnreachable):
		status = http.StatusBadGateway
	}
	logger.FromContext(r.Context(), &s.log).Warn().
		Err(err).
		Int("status", status).
		Str("path", r.URL.Path).
		Msg("request failed")
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// An encode failure here is a dropped connection, nothing to report.
	_ = json.NewEncoder(w).Encode(v)
}
