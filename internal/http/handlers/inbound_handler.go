package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// PollInbound godoc
// @ID          pollInbound
// @Summary     Poll the supplier inbox now
// @Description Runs one correlator tick and returns its counters. Operator tool; the server also polls on a timer.
// @Tags        Inbound
// @Produce     json
// @Success     200  {object}  services.TickResult
// @Failure     502  {object}  handlers.ErrorResponse "Inbox unavailable"
// @Failure     503  {object}  handlers.ErrorResponse "Polling disabled"
// @Router      /inbound/poll [post]
func (h *Handlers) PollInbound(c *gin.Context) {
	if h.poller == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodePollFailed, "inbox polling is not configured")
		return
	}
	res, err := h.poller.Tick(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		fail(c, http.StatusBadGateway, ErrCodePollFailed, "the inbox could not be read; retry later")
		return
	}
	ok(c, http.StatusOK, res)
}
