package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/digkill/StoryForge/internal/service"
	"github.com/digkill/StoryForge/internal/storage"
)

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	books, err := s.deps.Books.GetUserBooks(r.Context(), userFrom(r), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, books)
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.deps.Books.GetBook(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if book == nil {
		s.fail(w, r, service.ErrNotFound)
		return
	}
	writeOK(w, http.StatusOK, book)
}

func (s *Server) handleBookPages(w http.ResponseWriter, r *http.Request) {
	pages, err := s.deps.Books.GetBookPages(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if pages == nil {
		s.fail(w, r, service.ErrNotFound)
		return
	}
	writeOK(w, http.StatusOK, pages)
}

type ratingRequest struct {
	Rating int `json:"rating"`
}

func (s *Server) handleRateBook(w http.ResponseWriter, r *http.Request) {
	var req ratingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Books.RateBook(r.Context(), userFrom(r), chi.URLParam(r, "id"), req.Rating); err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, req)
}

type readingProgressRequest struct {
	Progress int `json:"progress"`
}

func (s *Server) handleReadingProgress(w http.ResponseWriter, r *http.Request) {
	var req readingProgressRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Books.UpdateReadingProgress(r.Context(), userFrom(r), chi.URLParam(r, "id"), req.Progress); err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, req)
}

// handleUpload stores a reference image for image-to-mascot jobs and returns
// its opaque storage id.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, storage.MaxImageBytes+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, storage.MaxImageBytes+1))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "")
			return
		}
		s.fail(w, r, err)
		return
	}
	if len(data) > storage.MaxImageBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "")
		return
	}
	contentType, err := storage.NormalizeImageContentType(header.Header.Get("Content-Type"), data)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	key, err := s.deps.Uploads.Upload(r.Context(), storage.ScopeUploads, userFrom(r), data, contentType)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, map[string]string{"reference_image_id": key})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.deps.Profiles.Get(r.Context(), userFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if profile == nil {
		s.fail(w, r, service.ErrNotFound)
		return
	}
	writeOK(w, http.StatusOK, profile)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var req service.ProfileInput
	if !decodeJSON(w, r, &req) {
		return
	}
	profile, err := s.deps.Profiles.Upsert(r.Context(), userFrom(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, profile)
}
