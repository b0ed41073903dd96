package handlers

import (
	"net/http"

	"github.com/dustin/go-humanize"
)

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	TotalUsers    int64  `json:"total_users"`
	TotalSessions int64  `json:"total_sessions"`
	TotalMessages int64  `json:"total_messages"`
	LastActivity  string `json:"last_activity"`
	Summary       string `json:"summary"`
}

// Stats returns platform-wide counts. Message content is never included.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalUsers, err := h.db.CountUsers(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count users")
		return
	}

	totalSessions, err := h.db.CountSessions(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count sessions")
		return
	}

	totalMessages, err := h.db.CountMessages(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count messages")
		return
	}

	lastActivityTime, err := h.db.GetMostRecentMessageTime(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to get last activity")
		return
	}

	lastActivity := "no activity yet"
	if lastActivityTime != nil {
		lastActivity = humanize.Time(*lastActivityTime)
	}

	h.JSON(w, http.StatusOK, StatsResponse{
		TotalUsers:    totalUsers,
		TotalSessions: totalSessions,
		TotalMessages: totalMessages,
		LastActivity:  lastActivity,
		Summary: humanize.Comma(totalMessages) + " messages in " +
			humanize.Comma(totalSessions) + " sessions",
	})
}
