package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/zombor/gifticon-tracker/internal/gifticon"
	"github.com/zombor/gifticon-tracker/internal/ingest"
)

// writeJSON encodes v as the response body
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes a JSON error body
func writeError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeServiceError maps record service errors to status codes
func writeServiceError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, gifticon.ErrNotFound):
		writeError(w, "Not found", http.StatusNotFound)
	case errors.Is(err, gifticon.ErrDuplicate):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, gifticon.ErrInvalidInput):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error("Error "+action, "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// handleStartScan starts a gallery scan in the background
func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	var opts ingest.Options
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	session, err := s.deps.Scanner.StartScan(s.baseCtx, opts)
	switch {
	case errors.Is(err, ingest.ErrScanAlreadyInProgress):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, ingest.ErrAlbumRequired), errors.Is(err, ingest.ErrInvalidMode):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		slog.Error("Error starting scan", "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": session.ID,
		"status":     session.Status(),
	})
}

// handleScanState returns the state of the running or last scan
func (s *Server) handleScanState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Scanner.State())
}

// handleCancelScan requests cancellation of the running scan
func (s *Server) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Scanner.Cancel() {
		writeError(w, "No scan in progress", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

type scopeState struct {
	Scope     string     `json:"scope"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	Processed int        `json:"processed"`
}

// handleScanCursors lists the persisted incremental scan state per scope
func (s *Server) handleScanCursors(w http.ResponseWriter, r *http.Request) {
	scopes, err := s.deps.ScanStates.Scopes()
	if err != nil {
		slog.Error("Error listing scan scopes", "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	states := make([]scopeState, 0, len(scopes))
	for _, scope := range scopes {
		cursor, err := s.deps.ScanStates.LoadCursor(scope)
		if err != nil {
			slog.Error("Error loading scan cursor", "scope", scope, "error", err)
			writeError(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		st := scopeState{Scope: scope, Processed: len(cursor.Processed)}
		if !cursor.LastSeen.IsZero() {
			t := cursor.LastSeen
			st.LastSeen = &t
		}
		states = append(states, st)
	}
	writeJSON(w, http.StatusOK, states)
}

// handleReviewImage serves a gallery image to the manual review surface
func (s *Server) handleReviewImage(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		writeError(w, "uri is required", http.StatusBadRequest)
		return
	}

	data, err := s.deps.Images.Open(r.Context(), uri)
	if err != nil {
		slog.Warn("Error reading review image", "uri", uri, "error", err)
		writeError(w, "Image not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Write(data)
}

// handleListGifticons lists gifticons, filtered by tab and category
func (s *Server) handleListGifticons(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := gifticon.Filter{
		Tab:        gifticon.Tab(q.Get("tab")),
		CategoryID: q.Get("category"),
		Sort:       gifticon.SortOrder(q.Get("sort")),
	}
	switch filter.Tab {
	case gifticon.TabAll, gifticon.TabAvailable, gifticon.TabUsed:
	default:
		writeError(w, "tab must be available or used", http.StatusBadRequest)
		return
	}

	list, err := s.deps.Gifticons.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, "listing gifticons", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleSearchGifticons searches brand and product names
func (s *Server) handleSearchGifticons(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Gifticons.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeServiceError(w, "searching gifticons", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleGetGifticon returns a single gifticon
func (s *Server) handleGetGifticon(w http.ResponseWriter, r *http.Request) {
	g, err := s.deps.Gifticons.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, "getting gifticon", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleUpdateGifticon edits the fields of a gifticon
func (s *Server) handleUpdateGifticon(w http.ResponseWriter, r *http.Request) {
	var u gifticon.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	g, err := s.deps.Gifticons.Update(r.Context(), r.PathValue("id"), u)
	if err != nil {
		writeServiceError(w, "updating gifticon", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleMarkUsed marks a gifticon as used
func (s *Server) handleMarkUsed(w http.ResponseWriter, r *http.Request) {
	g, err := s.deps.Gifticons.MarkUsed(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, "marking gifticon used", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleMarkAvailable reverts a gifticon to available
func (s *Server) handleMarkAvailable(w http.ResponseWriter, r *http.Request) {
	g, err := s.deps.Gifticons.MarkAvailable(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, "marking gifticon available", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleDeleteGifticon deletes a gifticon
func (s *Server) handleDeleteGifticon(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Gifticons.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, "deleting gifticon", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteInactive bulk deletes used and expired gifticons. The status
// query must be "inactive" so a bare DELETE cannot wipe the collection.
func (s *Server) handleDeleteInactive(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("status") != "inactive" {
		writeError(w, "status must be inactive", http.StatusBadRequest)
		return
	}

	n, err := s.deps.Gifticons.DeleteUsedAndExpired(r.Context())
	if err != nil {
		writeServiceError(w, "deleting used and expired gifticons", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// handleGetGifticonImage returns the voucher image
func (s *Server) handleGetGifticonImage(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.deps.Gifticons.GetImage(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, "getting gifticon image", err)
		return
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleAlerts returns expiry alerts
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.deps.Gifticons.Alerts(r.Context())
	if err != nil {
		writeServiceError(w, "computing alerts", err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

// handleListCategories lists categories
func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Gifticons.ListCategories(r.Context())
	if err != nil {
		writeServiceError(w, "listing categories", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleCreateCategory creates a category
func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Icon  string `json:"icon"`
		Color string `json:"color"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	c, err := s.deps.Gifticons.CreateCategory(r.Context(), req.Name, req.Icon, req.Color)
	if err != nil {
		writeServiceError(w, "creating category", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// handleDeleteCategory deletes a category
func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Gifticons.DeleteCategory(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, "deleting category", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
