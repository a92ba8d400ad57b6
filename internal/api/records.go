package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"neowatch/internal/model"
	"neowatch/internal/storage"
)

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	var f storage.RecordFilter
	if v := q.Get("start_date"); v != "" {
		d, err := model.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start_date must be YYYY-MM-DD")
			return
		}
		f.From = d
	}
	if v := q.Get("end_date"); v != "" {
		d, err := model.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end_date must be YYYY-MM-DD")
			return
		}
		f.To = d
	}
	if v := q.Get("hazardous"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "hazardous must be a boolean")
			return
		}
		f.Hazardous = &b
	}
	list, err := s.store.ListRecords(r.Context(), f)
	if err != nil {
		s.storageError(w, "list records", err)
		return
	}
	if list == nil {
		list = []model.Record{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/neos/"), "/")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}
	rec, err := s.store.GetRecord(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.storageError(w, "get record", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, "body too large")
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	endpoint, ok := cleanEndpoint(req.URL)
	if !ok {
		writeError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}
	sub, err := s.store.AddSubscriber(r.Context(), endpoint)
	if errors.Is(err, storage.ErrDuplicate) {
		writeError(w, http.StatusConflict, "already subscribed")
		return
	}
	if err != nil {
		s.storageError(w, "add subscriber", err)
		return
	}
	if s.logger != nil {
		s.logger.Info("subscriber registered", "id", sub.ID, "url", sub.Endpoint)
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleSubscribers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	subs, err := s.store.ListSubscribers(r.Context())
	if err != nil {
		s.storageError(w, "list subscribers", err)
		return
	}
	if subs == nil {
		subs = []model.Subscriber{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleSubscriber(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/subscribers/"), "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing id")
		return
	}
	err := s.store.DeleteSubscriber(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.storageError(w, "delete subscriber", err)
		return
	}
	if s.logger != nil {
		s.logger.Info("subscriber removed", "id", id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) storageError(w http.ResponseWriter, op string, err error) {
	if s.logger != nil {
		s.logger.Error("storage error", "op", op, "err", err)
	}
	writeError(w, http.StatusInternalServerError, "storage error")
}

func cleanEndpoint(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return raw, true
}
