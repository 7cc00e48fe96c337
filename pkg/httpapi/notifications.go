package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), 0, 500)
	if r.URL.Query().Get("unread") == "true" {
		writeJSON(w, http.StatusOK, s.Notifications.ListUnread(limit))
		return
	}
	writeJSON(w, http.StatusOK, s.Notifications.List(limit))
}

func (s *Server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	s.Notifications.MarkRead(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	s.Notifications.MarkAllRead()
	w.WriteHeader(http.StatusNoContent)
}

func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}
