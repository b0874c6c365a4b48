package server

import (
	"encoding/json"
	"html/template"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"tgvmax_archiver/logging"
	"tgvmax_archiver/models"
	"tgvmax_archiver/scheduler"
	"tgvmax_archiver/services"
)

// RunLister reads refresh runs from the ledger.
type RunLister interface {
	GetRecentRuns(dataset string, limit int) ([]models.RefreshRun, error)
}

// StatusSource reports the refresh loop's live state.
type StatusSource interface {
	State() scheduler.State
	Paused() bool
}

// Server publishes the public dir over HTTP. It only reads files and the run
// ledger, never the DuckDB archive, so it can run alongside a refresh cycle.
type Server struct {
	publicDir string
	dataset   string
	runs      RunLister
	status    StatusSource
	log       *logging.Logger
	router    chi.Router
}

func New(publicDir, dataset string, runs RunLister, status StatusSource, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	s := &Server{
		publicDir: publicDir,
		dataset:   dataset,
		runs:      runs,
		status:    status,
		log:       log,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/", s.indexHandler)
	r.Get("/public/*", s.downloadHandler)
	r.Head("/public/*", s.downloadHandler)
	r.Get("/api/status", s.statusHandler)
	r.Get("/healthz", s.healthHandler)
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HTTPServer wraps the router with the timeouts used in production.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Dataset}} archive</title></head>
<body>
<h1>{{.Dataset}} archive</h1>
<table>
<tr><th>file</th><th>size</th><th>rows</th><th>modified</th></tr>
{{- range .Files}}
<tr><td><a href="/public/{{.Path}}">{{.Path}}</a></td><td>{{.Size}}</td><td>{{.Rows}}</td><td title="{{.ModTime}}">{{.Age}}</td></tr>
{{- end}}
<tr><th>total</th><th>{{.Total}}</th><th></th><th></th></tr>
</table>
</body>
</html>
`))

type indexRow struct {
	Path    string
	Size    string
	Rows    string
	ModTime string
	Age     string
}

func (s *Server) indexHandler(w http.ResponseWriter, r *http.Request) {
	artifacts, err := services.Inventory(s.publicDir)
	if err != nil && !os.IsNotExist(err) {
		s.log.Error("list public dir", "dir", s.publicDir, "error", err)
		http.Error(w, "could not list artifacts", http.StatusInternalServerError)
		return
	}

	rows := make([]indexRow, len(artifacts))
	for i, a := range artifacts {
		rows[i] = indexRow{
			Path:    a.Path,
			Size:    humanize.Bytes(uint64(a.Size)),
			ModTime: a.ModTime.UTC().Format(time.RFC3339),
			Age:     humanize.Time(a.ModTime),
		}
		if a.Rows >= 0 {
			rows[i].Rows = humanize.Comma(a.Rows)
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err = indexTemplate.Execute(w, struct {
		Dataset string
		Files   []indexRow
		Total   string
	}{s.dataset, rows, humanize.Bytes(uint64(services.TotalSize(artifacts)))})
	if err != nil {
		s.log.Warn("render index", "error", err)
	}
}

func (s *Server) downloadHandler(w http.ResponseWriter, r *http.Request) {
	full, ok := s.resolve(chi.URLParam(r, "*"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	f, err := os.Open(full)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(full)+`"`)
	if strings.HasSuffix(full, ".parquet") {
		w.Header().Set("Content-Type", "application/vnd.apache.parquet")
	}
	http.ServeContent(w, r, filepath.Base(full), info.ModTime(), f)
}

// resolve maps a request path onto a file inside the public dir. Anything
// that would climb out of it, or passes through an in-progress or
// swapped-out export entry, is rejected.
func (s *Server) resolve(rel string) (string, bool) {
	if rel == "" || strings.Contains(rel, "..") || strings.Contains(rel, "\\") {
		return "", false
	}
	clean := strings.TrimPrefix(path.Clean("/"+rel), "/")
	if clean == "" {
		return "", false
	}
	for _, seg := range strings.Split(clean, "/") {
		if services.Transient(seg) {
			return "", false
		}
	}
	return filepath.Join(s.publicDir, filepath.FromSlash(clean)), true
}

type statusResponse struct {
	Dataset    string              `json:"dataset"`
	State      string              `json:"state,omitempty"`
	Paused     bool                `json:"paused"`
	Runs       []models.RefreshRun `json:"runs"`
	Artifacts  int                 `json:"artifacts"`
	TotalBytes int64               `json:"total_bytes"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Dataset: s.dataset, Runs: []models.RefreshRun{}}

	if s.status != nil {
		resp.State = s.status.State().String()
		resp.Paused = s.status.Paused()
	}
	if s.runs != nil {
		runs, err := s.runs.GetRecentRuns(s.dataset, 20)
		if err != nil {
			s.log.Error("read recent runs", "error", err)
			writeError(w, http.StatusInternalServerError, "could not read run ledger")
			return
		}
		if runs != nil {
			resp.Runs = runs
		}
	}
	if artifacts, err := services.Inventory(s.publicDir); err == nil {
		resp.Artifacts = len(artifacts)
		resp.TotalBytes = services.TotalSize(artifacts)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
