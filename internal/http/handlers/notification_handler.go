// Notification HTTP handlers.
//
//   - GET  /notifications             (newest first, optional unread filter)
//   - POST /notifications/{id}/read   (acknowledge one notification)
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-marketplace-messaging/internal/domain"
)

// ListNotificationsResponse wraps the caller's notifications.
type ListNotificationsResponse struct {
	Notifications []domain.NotificationView `json:"notifications"`
}

// ListNotifications godoc
// @ID          listNotifications
// @Summary     List notifications
// @Tags        Notifications
// @Produce     json
//
// @Param       unread  query  bool  false "Only unread notifications"
// @Param       limit   query  int   false "Maximum items"  minimum(1) maximum(200) default(50)
//
// @Success     200  {object} handlers.ListNotificationsResponse
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /notifications [get]
func (h *Handlers) ListNotifications(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	unread, _ := strconv.ParseBool(c.DefaultQuery("unread", "false"))
	limit := queryInt(c, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}

	items, err := h.notifSvc.List(c.Request.Context(), uid, unread, limit)
	if err != nil {
		h.failService(c, err, ErrCodeListFailed)
		return
	}
	if items == nil {
		items = []domain.NotificationView{}
	}
	ok(c, http.StatusOK, ListNotificationsResponse{Notifications: items})
}

// MarkNotificationRead godoc
// @ID          markNotificationRead
// @Summary     Acknowledge a notification
// @Tags        Notifications
//
// @Param       id  path  string  true  "Notification ID (UUID)"  format(uuid)
//
// @Success     204  {string} string "No Content"
// @Failure     404  {object} handlers.ErrorResponse "Notification not found"
// @Router      /notifications/{id}/read [post]
func (h *Handlers) MarkNotificationRead(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	if err := h.notifSvc.MarkRead(c.Request.Context(), uid, c.Param("id")); err != nil {
		h.failService(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}
