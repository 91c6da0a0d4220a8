package store

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tabflow/tabflow/internal/model"
	"github.com/tabflow/tabflow/pkg/errors"
)

// Server exposes the store over HTTP/JSON. Accepting a job synchronously
// enqueues it for the report worker pool; the pool claims and executes it.
type Server struct {
	store *Store
	queue chan<- string
	mux   *http.ServeMux
}

// NewServer creates the persistence API server. queue receives the IDs of
// jobs that need execution.
func NewServer(st *Store, queue chan<- string) *Server {
	s := &Server{
		store: st,
		queue: queue,
		mux:   http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures HTTP handlers.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/tables/", s.handleTables)
	s.mux.HandleFunc("/reports/jobs", s.handleJobs)
	s.mux.HandleFunc("/reports/jobs/", s.handleJob)
	s.mux.HandleFunc("/api/health", s.handleHealth)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]string{"status": "ok"})
}

// handleTables routes /tables/{dataset}/rows.
func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tables/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "rows" || parts[0] == "" {
		jsonError(w, "not found", http.StatusNotFound)
		return
	}
	dataset := parts[0]

	if dataset == "ingestion_log" {
		s.handleIngestionLog(w, r)
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.handleInsert(w, r, dataset)
	case http.MethodGet:
		s.handleQuery(w, r, dataset)
	case http.MethodDelete:
		s.handleDelete(w, r, dataset)
	default:
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleInsert handles POST /tables/{dataset}/rows batch inserts.
func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request, dataset string) {
	var req struct {
		Rows []model.Row `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.store.InsertRows(r.Context(), dataset, req.Rows); err != nil {
		writeStoreError(w, err)
		return
	}
	jsonResponse(w, map[string]interface{}{"inserted": len(req.Rows)})
}

// handleQuery handles GET /tables/{dataset}/rows window queries.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, dataset string) {
	q := r.URL.Query()
	start := q.Get("start_time")
	end := q.Get("end_time")
	tsColumn := q.Get("timestamp_column")

	if !model.IsCanonicalTimestamp(start) || !model.IsCanonicalTimestamp(end) {
		jsonError(w, "start_time and end_time must be canonical UTC timestamps", http.StatusBadRequest)
		return
	}
	if tsColumn == "" {
		jsonError(w, "timestamp_column is required", http.StatusBadRequest)
		return
	}

	var columns []string
	if raw := q.Get("columns"); raw != "" {
		columns = strings.Split(raw, ",")
	}

	cols, rows, err := s.store.QueryWindow(r.Context(), dataset, tsColumn, start, end, columns)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	jsonResponse(w, map[string]interface{}{
		"columns":   cols,
		"rows":      rows,
		"row_count": len(rows),
	})
}

// handleDelete handles DELETE /tables/{dataset}/rows, the administrative
// row-delete operation. Window-scoped with the same query shape as GET.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, dataset string) {
	q := r.URL.Query()
	start := q.Get("start_time")
	end := q.Get("end_time")
	tsColumn := q.Get("timestamp_column")

	if !model.IsCanonicalTimestamp(start) || !model.IsCanonicalTimestamp(end) {
		jsonError(w, "start_time and end_time must be canonical UTC timestamps", http.StatusBadRequest)
		return
	}

	n, err := s.store.DeleteWindow(r.Context(), dataset, tsColumn, start, end)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	jsonResponse(w, map[string]interface{}{"deleted": n})
}

// handleIngestionLog handles the ingestion-log dataset. POST records an
// ingestion (insert-if-absent); GET checks prior ingestion.
func (s *Server) handleIngestionLog(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Rows []IngestionEntry `json:"rows"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}

		inserted := 0
		for _, entry := range req.Rows {
			if entry.Filename == "" || entry.Dataset == "" {
				jsonError(w, "filename and dataset are required", http.StatusBadRequest)
				return
			}
			ok, err := s.store.RecordIngestion(r.Context(), entry.Dataset, entry.Filename)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			if ok {
				inserted++
			}
		}
		jsonResponse(w, map[string]interface{}{"inserted": inserted})

	case http.MethodGet:
		q := r.URL.Query()
		dataset := q.Get("dataset")
		if dataset == "" {
			jsonError(w, "dataset is required", http.StatusBadRequest)
			return
		}

		if filename := q.Get("filename"); filename != "" {
			ingested, err := s.store.WasIngested(r.Context(), dataset, filename)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			jsonResponse(w, map[string]interface{}{"ingested": ingested})
			return
		}

		entries, err := s.store.IngestionLog(r.Context(), dataset)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		jsonResponse(w, map[string]interface{}{
			"rows":      entries,
			"row_count": len(entries),
		})

	default:
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobs handles POST /reports/jobs submissions and GET listing.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req JobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}

		job, enqueue, err := s.store.CreateJob(r.Context(), req)
		if err != nil {
			writeStoreError(w, err)
			return
		}

		if enqueue {
			select {
			case s.queue <- job.ID:
			default:
				// Queue full: leave the job queued; a resubmission with the
				// same key re-enqueues it once capacity returns.
				jsonError(w, "job queue full", http.StatusServiceUnavailable)
				return
			}
		}

		jsonResponse(w, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})

	case http.MethodGet:
		jobs, err := s.store.ListJobs(r.Context())
		if err != nil {
			writeStoreError(w, err)
			return
		}
		jsonResponse(w, map[string]interface{}{"jobs": jobs})

	default:
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJob handles GET /reports/jobs/{id}.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/reports/jobs/")
	if id == "" {
		jsonError(w, "job id required", http.StatusBadRequest)
		return
	}

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	jsonResponse(w, job)
}

// writeStoreError maps store errors onto HTTP statuses: caller mistakes are
// 4xx, everything else is 5xx.
func writeStoreError(w http.ResponseWriter, err error) {
	switch errors.GetCode(err) {
	case errors.CodeSchemaUnknown, errors.CodeFileNotFound:
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.CodeMissingColumn, errors.CodeRequestRejected, errors.CodeTypeMismatch:
		jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}

// Helper functions

func jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
