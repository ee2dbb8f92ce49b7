package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/carlmjohnson/versioninfo"
	"github.com/go-chi/chi/v5"

	"treadle.sh/core/cache"
	"treadle.sh/core/log"
	"treadle.sh/core/orchestrator/config"
	"treadle.sh/core/orchestrator/db"
	"treadle.sh/core/orchestrator/engine"
	"treadle.sh/core/orchestrator/models"
	"treadle.sh/core/orchestrator/secrets"
	"treadle.sh/core/workflow"
	"treadle.sh/core/workspace"
)

// Server exposes the trigger and status surface over HTTP. There is
// no UI; everything speaks JSON.
type Server struct {
	o       *Orchestrator
	db      *db.DB
	cache   *cache.Store
	secrets secrets.Manager
	cfg     *config.Config
}

// Run wires the whole engine from environment configuration and
// serves until the listener dies.
func Run(ctx context.Context) error {
	logger := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}

	eng, err := engine.New(ctx, cfg)
	if err != nil {
		return err
	}

	cs, err := cache.NewStore(cfg.Pipelines.CacheDir, log.SubLogger(logger, "cache"))
	if err != nil {
		return fmt.Errorf("failed to setup cache store: %w", err)
	}

	ws, err := workspace.NewStore(cfg.Pipelines.WorkspaceDir, log.SubLogger(logger, "workspace"))
	if err != nil {
		return fmt.Errorf("failed to setup workspace store: %w", err)
	}

	sm, err := secrets.NewSQLiteManager(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup secret manager: %w", err)
	}

	if err := os.MkdirAll(cfg.Pipelines.LogDir, 0755); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}

	o, err := New(ctx, cfg, d, eng, cs, ws, sm)
	if err != nil {
		return err
	}
	defer o.Stop()

	srv := &Server{o: o, db: d, cache: cs, secrets: sm, cfg: cfg}

	logger.Info("starting treadle server", "address", cfg.Server.ListenAddr)
	logger.Error("server error", "error", http.ListenAndServe(cfg.Server.ListenAddr, srv.Router()))

	return nil
}

func (s *Server) Router() http.Handler {
	mux := chi.NewRouter()

	mux.Post("/runs", s.TriggerRun)
	mux.Get("/runs", s.Runs)
	mux.Get("/runs/{id}", s.Run)
	mux.Get("/runs/{id}/jobs", s.Jobs)
	mux.Get("/runs/{id}/jobs/{name}/logs", s.Logs)
	mux.Get("/cache", s.Cache)
	mux.Get("/workflows/{workflow}/secrets", s.ListSecrets)
	mux.Put("/workflows/{workflow}/secrets", s.AddSecret)
	mux.Delete("/workflows/{workflow}/secrets/{key}", s.RemoveSecret)
	mux.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(versioninfo.Short()))
	})

	return mux
}

type triggerRequest struct {
	Ref  string `json:"ref"`
	Kind string `json:"kind"` // "branch" or "tag"
	File string `json:"file,omitempty"`
}

type triggerResponse struct {
	Runs map[string]models.RunId `json:"runs"` // workflow name -> run id
}

// TriggerRun compiles the workflow file against the given ref and
// launches every plan in the background. Definition errors come back
// as 422 before anything is scheduled.
func (s *Server) TriggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	kind := workflow.RefKind(req.Kind)
	if kind != workflow.RefKindBranch && kind != workflow.RefKindTag {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown ref kind %q", req.Kind))
		return
	}

	file := req.File
	if file == "" {
		file = filepath.Join(s.cfg.Pipelines.SourceDir, ".treadle", "workflow.yml")
	}

	contents, err := os.ReadFile(file)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	def, err := workflow.FromFile(filepath.Base(file), contents)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	compiler := workflow.Compiler{Trigger: workflow.Trigger{Ref: req.Ref, Kind: kind}}
	plans, err := compiler.Compile(def)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	resp := triggerResponse{Runs: make(map[string]models.RunId, len(plans))}
	for _, plan := range plans {
		run := NewRunId()
		resp.Runs[plan.Workflow] = run

		go func() {
			// detach from the request; the run outlives it
			if _, err := s.o.Execute(context.WithoutCancel(r.Context()), run, plan); err != nil {
				s.o.l.Error("run execution failed", "run", run, "error", err)
			}
		}()
	}

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, resp)
}

func (s *Server) Runs(w http.ResponseWriter, r *http.Request) {
	runs, err := s.db.GetRuns(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, runs)
}

func (s *Server) Run(w http.ResponseWriter, r *http.Request) {
	run, err := s.db.GetRun(models.RunId(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, run)
}

func (s *Server) Jobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.db.GetJobs(models.RunId(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, jobs)
}

// Logs streams a job's NDJSON log file as-is.
func (s *Server) Logs(w http.ResponseWriter, r *http.Request) {
	jid := models.JobId{
		Run:  models.RunId(chi.URLParam(r, "id")),
		Name: chi.URLParam(r, "name"),
	}

	path := models.LogFilePath(s.cfg.Pipelines.LogDir, jid)
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	http.ServeContent(w, r, filepath.Base(path), stat.ModTime(), f)
}

func (s *Server) Cache(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cache.Entries(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, entries)
}

func (s *Server) ListSecrets(w http.ResponseWriter, r *http.Request) {
	ls, err := s.secrets.List(r.Context(), chi.URLParam(r, "workflow"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, ls)
}

func (s *Server) AddSecret(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err := s.secrets.Add(r.Context(), secrets.Secret{
		Workflow: chi.URLParam(r, "workflow"),
		Key:      body.Key,
		Value:    body.Value,
	})
	switch {
	case errors.Is(err, secrets.ErrInvalidKeyIdent):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, secrets.ErrKeyAlreadyPresent):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		w.WriteHeader(http.StatusCreated)
	}
}

func (s *Server) RemoveSecret(w http.ResponseWriter, r *http.Request) {
	err := s.secrets.Remove(r.Context(), chi.URLParam(r, "workflow"), chi.URLParam(r, "key"))
	switch {
	case errors.Is(err, secrets.ErrKeyNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.WriteHeader(code)
	writeJSON(w, map[string]string{"error": err.Error()})
}
