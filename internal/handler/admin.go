package handler

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/oraxen/licensing/internal/backup"
	"github.com/oraxen/licensing/internal/followup"
	"github.com/oraxen/licensing/internal/ws"
)

// AdminHandler serves the secret-gated operational endpoints: follow-up
// backfill, on-demand backup, and the live payment event feed.
type AdminHandler struct {
	secret     string
	backfiller *followup.Backfiller
	backups    *backup.Manager
	hub        *ws.Hub
	logger     *slog.Logger
}

func NewAdminHandler(secret string, backfiller *followup.Backfiller, backups *backup.Manager, hub *ws.Hub, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		secret:     secret,
		backfiller: backfiller,
		backups:    backups,
		hub:        hub,
		logger:     logger,
	}
}

func (h *AdminHandler) authorized(r *http.Request) bool {
	secret := r.URL.Query().Get("secret")
	return h.secret != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(h.secret)) == 1
}

// Backfill schedules follow-up runs for historical payments that predate the
// live scheduling path.
func (h *AdminHandler) Backfill(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	result, err := h.backfiller.Run(limit)
	if err != nil {
		h.logger.Error("followup backfill", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Backup triggers a ledger backup outside the daily schedule.
func (h *AdminHandler) Backup(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if !h.backups.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "backups are not configured")
		return
	}

	size, err := h.backups.RunNow(r.Context())
	if err != nil {
		h.logger.Error("manual backup", "error", err)
		writeError(w, http.StatusInternalServerError, "backup failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"size_bytes": size,
	})
}

// Events upgrades to a WebSocket carrying the live payment event feed.
func (h *AdminHandler) Events(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	ws.Handler(h.hub)(w, r)
}
