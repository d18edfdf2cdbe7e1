package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jo-hoe/heic2png/internal/common"
	"github.com/jo-hoe/heic2png/internal/jobs"
	"github.com/jo-hoe/heic2png/internal/storage"
	"github.com/jo-hoe/heic2png/internal/util"
)

const (
	// multipartOverhead is the slack allowed on top of the file limit for
	// boundaries and part headers.
	multipartOverhead = 1 << 20
	// multipartMemory is how much of a form is kept in memory before spilling to disk.
	multipartMemory = 8 << 20

	reasonQueueUnavailable = "conversion queue unavailable"
)

const (
	msgFileTooLarge    = "File too large."
	msgNoFile          = "No file uploaded."
	msgUnsupportedType = "Please upload a HEIC file."
	msgUploadFailed    = "Upload failed."
	msgStatusFailed    = "Error checking file status."
	msgJobNotFound     = "job not found"
	msgNotProcessedYet = "not processed yet"
	msgImageNotFound   = "Image not found"
)

func (svc *Service) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxBytes := safeInt64(svc.Cfg.Server.MaxUploadSize)
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, msgFileTooLarge)
			return
		}
		svc.Log.Debug("parse upload form", "err", err)
		writeError(w, http.StatusBadRequest, msgNoFile)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	files := r.MultipartForm.File[common.FormFieldImage]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, msgNoFile)
		return
	}
	fh := files[0]
	if err := svc.Uploader.Validate(fh); err != nil {
		svc.Log.Info("upload rejected", "filename", storage.SanitizeFilename(fh.Filename), "err", err)
		writeError(w, http.StatusUnsupportedMediaType, msgUnsupportedType)
		return
	}

	id := util.NewID()
	path, cleanup, err := svc.Uploader.SaveMultipartHEIC(id, fh, maxBytes)
	if err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, msgFileTooLarge)
			return
		}
		svc.Log.Error("store upload", "job_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, msgUploadFailed)
		return
	}

	job := jobs.Job{
		ID:           id,
		State:        jobs.StatePending,
		OriginalName: storage.SanitizeFilename(fh.Filename),
		CreatedAt:    time.Now().UTC(),
	}
	if err := svc.Registry.Put(r.Context(), job); err != nil {
		svc.Log.Error("register job", "job_id", id, "err", err)
		_ = cleanup()
		writeError(w, http.StatusInternalServerError, msgUploadFailed)
		return
	}

	// the client learns the id before any conversion work is attempted
	writeJSON(w, http.StatusOK, response{Success: true, ID: id})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	err = svc.Queue.Enqueue(jobs.WorkItem{JobID: id, InputPath: path, Cleanup: cleanup})
	if err != nil {
		svc.Log.Error("enqueue job", "job_id", id, "err", err)
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
		defer cancel()
		if ferr := svc.Registry.Fail(ctx, id, reasonQueueUnavailable); ferr != nil {
			svc.Log.Error("fail unqueued job", "job_id", id, "err", ferr)
		}
		_ = cleanup()
		return
	}
	svc.Log.Info("upload accepted", "job_id", id, "filename", job.OriginalName, "size", fh.Size)
}

func (svc *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !util.ValidID(id) {
		writeJSON(w, http.StatusNotFound, response{Status: common.StatusNotFound, Error: msgJobNotFound})
		return
	}
	job, err := svc.Registry.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, response{Status: common.StatusNotFound, Error: msgJobNotFound})
			return
		}
		svc.Log.Error("get job", "job_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, msgStatusFailed)
		return
	}

	switch job.State {
	case jobs.StateComplete:
		writeJSON(w, http.StatusOK, response{
			Success: true,
			Status:  common.StatusComplete,
			URL:     svc.downloadURL(id),
		})
	case jobs.StateFailed:
		writeJSON(w, http.StatusUnprocessableEntity, response{Status: common.StatusFailed, Error: job.Error})
	default:
		writeJSON(w, http.StatusAccepted, response{Status: common.StatusPending, Error: msgNotProcessedYet})
	}
}

func (svc *Service) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(chi.URLParam(r, "id"), svc.Converter.Extension())
	if !util.ValidID(id) {
		writeError(w, http.StatusNotFound, msgImageNotFound)
		return
	}
	job, err := svc.Registry.Get(r.Context(), id)
	if err != nil || job.State != jobs.StateComplete {
		if err != nil && !errors.Is(err, jobs.ErrNotFound) {
			svc.Log.Error("get job", "job_id", id, "err", err)
		}
		writeError(w, http.StatusNotFound, msgImageNotFound)
		return
	}

	body, size, err := svc.Artifacts.Open(r.Context(), job.ArtifactRef)
	if err != nil {
		if !errors.Is(err, storage.ErrArtifactNotFound) {
			svc.Log.Error("open artifact", "job_id", id, "ref", job.ArtifactRef, "err", err)
		}
		writeError(w, http.StatusNotFound, msgImageNotFound)
		return
	}
	defer func() { _ = body.Close() }()

	w.Header().Set("Content-Type", svc.Converter.ContentType())
	if size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.Header().Set("Content-Disposition", `inline; filename="`+id+svc.Converter.Extension()+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		svc.Log.Warn("stream artifact", "job_id", id, "err", err)
	}
}

func (svc *Service) downloadURL(id string) string {
	base := strings.TrimRight(svc.Cfg.Server.ExternalBaseURL, "/")
	return base + common.PathDownload + "/" + id
}
