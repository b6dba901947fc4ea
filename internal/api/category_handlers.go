package api

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/export"
	"github.com/JakeFAU/catalog-crawler/internal/hash/sha256"
	"github.com/JakeFAU/catalog-crawler/internal/session"
)

type triggerRequest struct {
	Category string `json:"category"`
}

type sessionResponse struct {
	Session  string `json:"session"`
	Status   string `json:"status"`
	Location string `json:"location"`
}

// triggerCategory handles POST /category with a form field or JSON body
// naming the category. It redirects to the export when one exists and
// otherwise answers 202 with the URL to poll.
func (s *Server) triggerCategory(w http.ResponseWriter, r *http.Request) {
	category, err := readCategory(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.sessions.Trigger(r.Context(), category)
	if errors.Is(err, crawler.ErrInvalidCategory) {
		writeError(w, http.StatusBadRequest, "invalid category")
		return
	}
	if err != nil {
		s.logger.Error("trigger failed", zap.String("category", category), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "trigger failed")
		return
	}

	location := "/category/" + res.Session
	if res.Ready {
		http.Redirect(w, r, location, http.StatusSeeOther)
		return
	}
	w.Header().Set("Location", location)
	s.setRetryAfter(w)
	writeJSON(w, http.StatusAccepted, sessionResponse{Session: res.Session, Status: "pending", Location: location})
}

// getExport handles GET /category/{key}.
func (s *Server) getExport(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	exp, err := s.sessions.Poll(r.Context(), key)
	switch {
	case err == nil:
		s.writeExport(w, r, exp)
	case errors.Is(err, crawler.ErrInProgress):
		s.setRetryAfter(w)
		writeJSON(w, http.StatusAccepted, sessionResponse{Session: key, Status: "pending", Location: r.URL.Path})
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, "no export for "+key)
	case errors.Is(err, crawler.ErrSessionFailed):
		writeError(w, http.StatusInternalServerError, "session failed; trigger it again")
	default:
		s.logger.Error("poll failed", zap.String("session", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "poll failed")
	}
}

// getStatus handles GET /category/{key}/status.
func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	stats, err := s.sessions.Status(r.Context(), key)
	if err != nil {
		s.logger.Error("status failed", zap.String("session", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	phase := string(stats.Phase)
	if phase == "" {
		phase = "absent"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":    key,
		"phase":      phase,
		"processing": stats.Processing,
		"finished":   stats.Finished,
		"records":    stats.Records,
		"complete":   stats.Complete(),
	})
}

func (s *Server) writeExport(w http.ResponseWriter, r *http.Request, exp crawler.Export) {
	if s.hasher != nil {
		digest, err := s.hasher.Hash(exp.Data)
		if err == nil {
			etag := sha256.ETag(digest)
			w.Header().Set("ETag", etag)
			if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
	}
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": exp.Session + ".csv",
	}))
	w.Header().Set("Content-Length", strconv.Itoa(len(exp.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(exp.Data); err != nil {
		s.logger.Warn("write export failed", zap.String("session", exp.Session), zap.Error(err))
	}
}

func (s *Server) setRetryAfter(w http.ResponseWriter) {
	seconds := int(s.cfg.RetryAfter().Seconds())
	if seconds <= 0 {
		seconds = 5
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
}

func readCategory(r *http.Request) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req triggerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", errors.New("invalid JSON")
		}
		return req.Category, nil
	}
	if err := r.ParseForm(); err != nil {
		return "", errors.New("invalid form")
	}
	category := r.PostForm.Get("category")
	if category == "" {
		category = r.URL.Query().Get("category")
	}
	return category, nil
}

// sessionKey normalizes the {key} URL parameter, so "/category/Data Science"
// and "/category/data-science" address the same session.
func sessionKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := session.Normalize(strings.TrimSpace(chi.URLParam(r, "key")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid category")
		return "", false
	}
	return key, true
}
