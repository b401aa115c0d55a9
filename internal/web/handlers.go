package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gocloud.dev/blob/memblob"

	"github.com/JonMunkholm/csvw/internal/core"
	"github.com/JonMunkholm/csvw/internal/dialect"
	"github.com/JonMunkholm/csvw/internal/fetch"
	"github.com/JonMunkholm/csvw/internal/jsonout"
	"github.com/JonMunkholm/csvw/internal/logging"
	"github.com/JonMunkholm/csvw/internal/metadata"
)

// Inline request documents are staged under stagePrefix for the duration
// of a run.
const (
	stagePrefix    = "mem://request"
	stagedMetadata = "csv-metadata.json"
)

// RunRequest names the metadata to process: inline, or by url. Files are
// data (or metadata) documents addressed relative to inline metadata.
type RunRequest struct {
	Metadata json.RawMessage   `json:"metadata,omitempty" validate:"required_without=URL,excluded_with=URL"`
	URL      string            `json:"url,omitempty" validate:"omitempty,url"`
	Files    map[string]string `json:"files,omitempty" validate:"dive,keys,required,endkeys"`
	Mode     string            `json:"mode,omitempty" validate:"omitempty,oneof=failfast fail-fast strict collect"`
}

// DescribeRequest carries a raw delimited file to describe.
type DescribeRequest struct {
	Name    string          `json:"name" validate:"required"`
	Content string          `json:"content"`
	Dialect json.RawMessage `json:"dialect,omitempty"`
}

// ViolationResponse is one reported row problem.
type ViolationResponse struct {
	URL     string `json:"url"`
	Line    int    `json:"line"`
	Column  int    `json:"column,omitempty"`
	Header  string `json:"header,omitempty"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidateResponse is the result of POST /api/validate.
type ValidateResponse struct {
	RunID      string              `json:"run_id"`
	Valid      bool                `json:"valid"`
	Mode       string              `json:"mode"`
	Tables     int                 `json:"tables"`
	Violations []ViolationResponse `json:"violations"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":  "ok",
		"limiter": s.limiter.Status(),
	})
}

// handleValidate checks every table of the request's group.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := s.decode(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	s.run(w, r, &req, "validate", func(ctx context.Context, g *metadata.TableGroup, mode core.Mode, log *slog.Logger) error {
		vs, err := g.Validate(ctx, mode, log)
		s.metrics.observeRun("validate", vs, err)
		if err != nil {
			return err
		}
		resp := ValidateResponse{
			RunID:      w.Header().Get("X-Run-ID"),
			Valid:      len(vs) == 0,
			Mode:       mode.String(),
			Tables:     len(g.Tables),
			Violations: make([]ViolationResponse, 0, len(vs)),
		}
		for _, v := range vs {
			resp.Violations = append(resp.Violations, ViolationResponse{
				URL: v.URL, Line: v.Line, Column: v.Column, Header: v.Header,
				Message: v.Err.Error(), Code: core.MapError(v.Err).Code,
			})
		}
		log.Info("validation finished", "valid", resp.Valid, "violations", len(vs))
		writeJSON(w, r, http.StatusOK, resp)
		return nil
	})
}

// handleJSON converts the request's group to JSON. The projection is chosen
// by ?mode=standard|minimal.
func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	projection, err := jsonout.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		respondError(w, r, errors.Mark(err, errBadRequest))
		return
	}
	var req RunRequest
	if err := s.decode(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	s.run(w, r, &req, "json", func(ctx context.Context, g *metadata.TableGroup, mode core.Mode, log *slog.Logger) error {
		collector := core.NewCollector(mode)
		out, err := jsonout.Convert(ctx, g, jsonout.Options{Mode: projection, Collector: collector, Logger: log})
		s.metrics.observeRun("json", collector.Violations(), err)
		if err != nil {
			return err
		}
		if n := collector.Len(); n > 0 {
			w.Header().Set("X-Violations", strconv.Itoa(n))
		}
		writeJSON(w, r, http.StatusOK, out)
		return nil
	})
}

// handleDescribe infers minimal metadata for a raw delimited file.
func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	var req DescribeRequest
	if err := s.decode(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	d := dialect.Default()
	if len(req.Dialect) > 0 {
		var err error
		if d, err = dialect.Parse(req.Dialect); err != nil {
			respondError(w, r, err)
			return
		}
	}
	g, err := metadata.Describe(r.Context(), strings.NewReader(req.Content), req.Name, d)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, g)
}

// decode reads a size-limited JSON body into v and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return errors.Mark(errors.Wrap(err, "invalid request body"), errBadRequest)
	}
	if err := validate.Struct(v); err != nil {
		return errors.Mark(errors.Wrap(err, "invalid request"), errBadRequest)
	}
	return nil
}

type runFunc func(ctx context.Context, g *metadata.TableGroup, mode core.Mode, log *slog.Logger) error

// run takes a concurrency slot, loads the request's group and calls fn.
func (s *Server) run(w http.ResponseWriter, r *http.Request, req *RunRequest, op string, fn runFunc) {
	ctx := r.Context()
	runID := uuid.NewString()
	w.Header().Set("X-Run-ID", runID)
	log := logging.WithFields(ctx, "run_id", runID, "operation", op)

	modeName := req.Mode
	if modeName == "" {
		modeName = s.cfg.Validation.Mode
	}
	mode, err := core.ParseMode(modeName)
	if err != nil {
		respondError(w, r, errors.Mark(err, errBadRequest))
		return
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		w.Header().Set("Retry-After", "5")
		respondError(w, r, err)
		return
	}
	defer s.limiter.Release()

	g, cleanup, err := s.load(ctx, req, log)
	if err != nil {
		s.metrics.observeRun(op, nil, err)
		respondError(w, r, err)
		return
	}
	defer cleanup()

	if err := fn(ctx, g, mode, log); err != nil {
		respondError(w, r, err)
	}
}

// load stages the request files in a private in-memory bucket and loads
// the group from it, or from the request url.
func (s *Server) load(ctx context.Context, req *RunRequest, log *slog.Logger) (*metadata.TableGroup, func(), error) {
	bucket := memblob.OpenBucket(nil)
	f := s.fetcher.Clone(fetch.WithBucket(stagePrefix, bucket), fetch.WithLogger(log))
	cleanup := func() {
		f.Close()
		bucket.Close()
	}

	for name, content := range req.Files {
		if err := bucket.WriteAll(ctx, strings.TrimPrefix(name, "/"), []byte(content), nil); err != nil {
			cleanup()
			return nil, nil, errors.Wrapf(err, "staging %s", name)
		}
	}

	name := req.URL
	if name == "" {
		if err := bucket.WriteAll(ctx, stagedMetadata, req.Metadata, nil); err != nil {
			cleanup()
			return nil, nil, errors.Wrap(err, "staging metadata")
		}
		name = stagePrefix + "/" + stagedMetadata
	}

	g, err := metadata.Load(ctx, f, name)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	log.Debug("metadata loaded", "metadata", name, "tables", len(g.Tables))
	return g, cleanup, nil
}
