package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-procurement-bot/internal/domain"
)

// NotificationsResponse is a page of the requester outbox.
type NotificationsResponse struct {
	Notifications []domain.Notification `json:"notifications"`
	Pagination    Pagination            `json:"pagination"`
}

// RequesterApplicationsResponse lists every application of a requester.
type RequesterApplicationsResponse struct {
	Applications []domain.Application `json:"applications"`
}

// ListNotifications godoc
// @ID          listRequesterNotifications
// @Summary     Requester outbox
// @Description Returns messages queued for the requester, oldest first. The front end polls it to deliver replies.
// @Tags        Requesters
// @Produce     json
// @Param       id         path   string  true  "Requester ID"  format(uuid)
// @Param       page       query  int     false "Page number"    minimum(1) default(1)
// @Param       page_size  query  int     false "Items per page" minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.NotificationsResponse
// @Failure     404  {object}  handlers.ErrorResponse "Not found"
// @Router      /requesters/{id}/notifications [get]
func (h *Handlers) ListNotifications(c *gin.Context) {
	page, pageSize := clampPagination(c)
	items, total, err := h.apps.Notifications(c.Request.Context(), c.Param("id"), page, pageSize)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, NotificationsResponse{Notifications: items, Pagination: newPagination(page, pageSize, total)})
}

// ListRequesterApplications godoc
// @ID          listRequesterApplications
// @Summary     Applications of a requester
// @Tags        Requesters
// @Produce     json
// @Param       id   path      string  true  "Requester ID"  format(uuid)
// @Success     200  {object}  handlers.RequesterApplicationsResponse
// @Failure     404  {object}  handlers.ErrorResponse "Not found"
// @Router      /requesters/{id}/applications [get]
func (h *Handlers) ListRequesterApplications(c *gin.Context) {
	items, err := h.apps.ListForRequester(c.Request.Context(), c.Param("id"))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, RequesterApplicationsResponse{Applications: items})
}
