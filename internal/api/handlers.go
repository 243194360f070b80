package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/clinicbase/clinicbase/internal/engine"
	storeerrors "github.com/clinicbase/clinicbase/internal/errors"
	"github.com/clinicbase/clinicbase/internal/observability"
	"github.com/clinicbase/clinicbase/internal/paginate"
	"github.com/clinicbase/clinicbase/internal/patient"
	"github.com/clinicbase/clinicbase/internal/querycache"
)

type createResponse struct {
	ID string `json:"id"`
}

type metricsResponse struct {
	observability.Report
	Cache querycache.Stats `json:"cache"`
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int, verr *storeerrors.ValidationError) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		verr.Add(name, "must be an integer")
		return def
	}
	return n
}

// searchParams reads the listing filters from the query string.
func searchParams(r *http.Request) (term string, opts engine.SearchOptions, page, size int, err error) {
	q := r.URL.Query()
	verr := &storeerrors.ValidationError{}
	opts = engine.SearchOptions{
		Gender:    q.Get("gender"),
		Residence: q.Get("residence"),
	}
	if q.Has("minAge") || q.Has("maxAge") {
		opts.AgeRange = &engine.AgeRange{
			Min: queryInt(r, "minAge", patient.MinAge, verr),
			Max: queryInt(r, "maxAge", patient.MaxAge, verr),
		}
	}
	opts.Limit = queryInt(r, "limit", 0, verr)
	opts.Offset = queryInt(r, "offset", 0, verr)
	if opts.Limit < 0 {
		verr.Add("limit", "must not be negative")
	}
	if opts.Offset < 0 {
		verr.Add("offset", "must not be negative")
	}
	page = queryInt(r, "page", 1, verr)
	size = queryInt(r, "pageSize", paginate.DefaultPageSize, verr)
	if page < 1 {
		verr.Add("page", "must be at least 1")
	}
	if size < 1 {
		verr.Add("pageSize", "must be at least 1")
	}
	return q.Get("q"), opts, page, size, verr.OrNil()
}

func (s *Server) handleListPatients(w http.ResponseWriter, r *http.Request) {
	term, opts, page, size, err := searchParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.eng.ListPage(r.Context(), term, opts, page, size)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreatePatient(w http.ResponseWriter, r *http.Request) {
	var in patient.Input
	if err := decode(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.eng.CreateRecord(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{ID: id})
}

func (s *Server) handleGetPatient(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok, err := s.eng.GetRecord(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		s.writeError(w, r, storeerrors.NewNotFound("record", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdatePatient(w http.ResponseWriter, r *http.Request) {
	var patch patient.Patch
	if err := decode(w, r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.eng.UpdateRecord(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeletePatient(w http.ResponseWriter, r *http.Request) {
	if _, err := s.eng.DeleteRecord(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClearAll wipes every record. It requires ?confirm=true.
func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		s.writeError(w, r, storeerrors.NewValidation("confirm", "must be true to clear all records"))
		return
	}
	if err := s.eng.ClearAll(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddVisit(w http.ResponseWriter, r *http.Request) {
	var v patient.Visit
	if err := decode(w, r, &v); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.eng.AddVisit(r.Context(), r.PathValue("id"), v)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleRemoveVisit(w http.ResponseWriter, r *http.Request) {
	rec, err := s.eng.RemoveVisit(r.Context(), r.PathValue("id"), r.PathValue("visitID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.eng.GetStatistics(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	list, err := s.eng.ListBackups(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	info, err := s.eng.CreateBackup(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.RestoreFromBackup(r.Context(), r.PathValue("key")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ex, err := s.eng.ExportRecords(r.Context(), r.URL.Query()["id"]...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="patients-export.json"`)
	writeJSON(w, http.StatusOK, ex)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		s.writeError(w, r, storeerrors.NewValidation("body", "%v", err))
		return
	}
	overwrite, _ := strconv.ParseBool(r.URL.Query().Get("overwrite"))
	res, err := s.eng.ImportRecords(r.Context(), payload, engine.ImportOptions{OverwriteExisting: overwrite})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleCheck answers 200 with the report when healthy and 409 otherwise.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	report, err := s.eng.CheckHealth(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	report, err := s.eng.Repair(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, metricsResponse{
		Report: s.metrics.Report(),
		Cache:  s.eng.CacheStats(),
	})
}
