package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clipcut/clipcut-agent/internal/compat"
	"github.com/clipcut/clipcut-agent/internal/export"
	"github.com/clipcut/clipcut-agent/internal/plan"
	"github.com/clipcut/clipcut-agent/internal/probe"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Repository, cfg.Logger))

		r.Post("/files/open", openFileHandler(cfg))
		r.Get("/files/index", fileIndexHandler(cfg))
		r.Delete("/files", closeFileHandler(cfg))
		r.Post("/resolve", resolveHandler(cfg))
		r.Post("/exports", startExportHandler(cfg))
		r.Get("/exports", listExportsHandler(cfg))
		r.Get("/exports/{id}", getExportHandler(cfg))
		r.Delete("/exports/{id}", cancelExportHandler(cfg))
		r.Get("/recent", recentFilesHandler(cfg))
		r.Get("/playback/file", playbackHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: uptime,
		})
	}
}

func openFileHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OpenFileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.Path == "" {
			WriteError(w, http.StatusBadRequest, "path is required", "BAD_REQUEST")
			return
		}

		abs, err := cfg.Probes.Open(req.Path)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		snap, _ := cfg.Probes.Get(abs)
		WriteJSON(w, http.StatusAccepted, OpenFileResponse{Path: abs, State: snap.State})
	}
}

func fileIndexHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if path == "" {
			WriteError(w, http.StatusBadRequest, "path query parameter required", "BAD_REQUEST")
			return
		}

		snap, ok := cfg.Probes.Get(path)
		if !ok {
			WriteError(w, http.StatusNotFound, "file is not open", "NOT_FOUND")
			return
		}

		resp := IndexResponse{Path: path, State: snap.State, Index: snap.Index}
		if snap.Err != nil {
			resp.Error = snap.Err.Error()
		}
		if snap.State == probe.StateReady && cfg.Repository != nil {
			cfg.Repository.TouchRecentFile(r.Context(),
				snap.Index.SourcePath, snap.Index.FormatName, snap.Index.DurationMs)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func closeFileHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if path == "" {
			WriteError(w, http.StatusBadRequest, "path query parameter required", "BAD_REQUEST")
			return
		}
		cfg.Probes.Close(path)
		w.WriteHeader(http.StatusNoContent)
	}
}

// readyIndex fetches the stream index a plan needs, translating the
// probe state to an HTTP failure when it is not usable yet.
func readyIndex(cfg ServerConfig, w http.ResponseWriter, sourcePath string) *probe.StreamIndex {
	snap, ok := cfg.Probes.Get(sourcePath)
	if !ok {
		WriteError(w, http.StatusNotFound, "source file is not open", "NOT_FOUND")
		return nil
	}
	switch snap.State {
	case probe.StateProbing:
		WriteError(w, http.StatusConflict, "stream index is still being built", "INDEX_NOT_READY")
		return nil
	case probe.StateFailed:
		WriteError(w, http.StatusUnprocessableEntity, snap.Err.Error(), "PROBE_FAILED")
		return nil
	}
	return snap.Index
}

func resolveHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p plan.EditPlan
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		index := readyIndex(cfg, w, p.SourcePath)
		if index == nil {
			return
		}

		cut, err := plan.Resolve(index, &p)
		if err != nil {
			writePlanError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, ResolveResponse{
			Streams:     cut.Streams,
			Diagnostics: cut.Diagnostics,
		})
	}
}

func startExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		index := readyIndex(cfg, w, req.Plan.SourcePath)
		if index == nil {
			return
		}

		outputPath := req.OutputPath
		if outputPath == "" {
			if req.OutputDir == "" {
				WriteError(w, http.StatusBadRequest, "output_path or output_dir required", "BAD_REQUEST")
				return
			}
			name := req.Name
			if name == "" {
				base := filepath.Base(req.Plan.SourcePath)
				name = strings.TrimSuffix(base, filepath.Ext(base)) + "-cut"
			}
			outputPath = export.BuildOutputPath(req.OutputDir, name, req.Plan.OutputFormat)
		}

		snap, err := cfg.Exports.Start(index, &req.Plan, outputPath)
		if err != nil {
			writePlanError(w, err)
			return
		}

		WriteJSON(w, http.StatusAccepted, ExportStartedResponse{
			JobID:      snap.ID,
			OutputPath: snap.OutputPath,
		})
	}
}

func getExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := cfg.Exports.Get(chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, http.StatusNotFound, "export job not found", "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusOK, SnapshotToResponse(snap))
	}
}

func cancelExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := cfg.Exports.Cancel(chi.URLParam(r, "id"))
		switch {
		case errors.Is(err, export.ErrJobNotFound):
			WriteError(w, http.StatusNotFound, "export job not found", "NOT_FOUND")
		case errors.Is(err, export.ErrNotCancellable):
			WriteError(w, http.StatusConflict, "export job already finished", "NOT_CANCELLABLE")
		case err != nil:
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		default:
			w.WriteHeader(http.StatusAccepted)
		}
	}
}

func listExportsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := cfg.Repository.ListExports(r.Context(), 50)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list exports", "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, ExportHistoryResponse{Exports: records})
	}
}

func recentFilesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		files, err := cfg.Repository.ListRecentFiles(r.Context(), 20)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list recent files", "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, RecentFilesResponse{Files: files})
	}
}

func playbackHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if path == "" {
			WriteError(w, http.StatusBadRequest, "path query parameter required", "BAD_REQUEST")
			return
		}
		if err := cfg.PlaybackServer.ServeFile(w, r, path); err != nil {
			cfg.Logger.Error("playback failed", "path", path, "error", err)
			WriteError(w, http.StatusInternalServerError, "playback failed", "INTERNAL_ERROR")
		}
	}
}

// writePlanError maps resolver, compatibility and job errors onto
// stable HTTP codes the GUI can branch on.
func writePlanError(w http.ResponseWriter, err error) {
	var ucErr *compat.UnsupportedCodecError
	switch {
	case errors.Is(err, plan.ErrEmptySelection):
		WriteError(w, http.StatusBadRequest, err.Error(), "EMPTY_SELECTION")
	case errors.Is(err, plan.ErrRangeOutOfBounds):
		WriteError(w, http.StatusBadRequest, err.Error(), "RANGE_OUT_OF_BOUNDS")
	case errors.As(err, &ucErr):
		WriteError(w, http.StatusUnprocessableEntity, err.Error(), "UNSUPPORTED_CODEC")
	case errors.Is(err, export.ErrExportInProgress):
		WriteError(w, http.StatusConflict, err.Error(), "EXPORT_IN_PROGRESS")
	default:
		WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
	}
}
