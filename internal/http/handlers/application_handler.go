package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-procurement-bot/internal/domain"
	"github.com/tbourn/go-procurement-bot/internal/http/middleware"
	"github.com/tbourn/go-procurement-bot/internal/services"
)

// ListApplicationsResponse wraps a page of applications.
type ListApplicationsResponse struct {
	Applications []domain.Application `json:"applications"`
	Pagination   Pagination           `json:"pagination"`
}

// ApplicationDetail is one application with its audit trail.
type ApplicationDetail struct {
	domain.Application
	Actions []domain.ManagerAction `json:"actions"`
}

// TranscriptResponse is the negotiation e-mail thread.
type TranscriptResponse struct {
	Emails []domain.EmailRecord `json:"emails"`
}

// DecisionRequest is a manager decision.
type DecisionRequest struct {
	Action string  `json:"action" binding:"required" example:"negotiation" enums:"negotiation,request_info,reject,invoice"`
	Notes  string  `json:"notes"  binding:"max=4000" example:"Предложите оплату по факту поставки"`
	Amount float64 `json:"amount" binding:"gte=0"    example:"150000"`
}

// AssignSupplierRequest picks a supplier for an application in search.
type AssignSupplierRequest struct {
	SupplierID string `json:"supplier_id" binding:"required" example:"6c1f1f64-8a1d-4d1e-9d4b-3b8d2b9a6c55"`
}

// ListApplications godoc
// @ID          listApplications
// @Summary     List applications (paginated)
// @Description Returns a page of applications, newest first, optionally filtered by status. Supports a weak ETag via If-None-Match.
// @Tags        Applications
// @Produce     json
// @Param       status         query   string  false "Status filter"  example(manager_review)
// @Param       page           query   int     false "Page number"    minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page" minimum(1) maximum(100) default(20)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Success     200  {object} handlers.ListApplicationsResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Unknown status"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /applications [get]
func (h *Handlers) ListApplications(c *gin.Context) {
	ctx := c.Request.Context()
	status := domain.Status(strings.TrimSpace(c.Query("status")))
	page, pageSize := clampPagination(c)

	if status != "" && !status.Valid() {
		failService(c, services.ErrInvalidStatus)
		return
	}
	if h.versions != nil {
		count, maxTS, err := h.versions.Applications(ctx, status)
		scope := fmt.Sprintf("applications:%s:%d:%d", status, page, pageSize)
		if notModified(c, scope, count, maxTS, err) {
			return
		}
	}

	items, total, err := h.apps.ListPage(ctx, status, page, pageSize)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, ListApplicationsResponse{
		Applications: items,
		Pagination:   newPagination(page, pageSize, total),
	})
}

// GetApplication godoc
// @ID          getApplication
// @Summary     Get an application
// @Description Returns the application with requester, buyer, supplier and manager actions.
// @Tags        Applications
// @Produce     json
// @Param       id   path      string  true  "Application ID"  format(uuid)
// @Success     200  {object}  handlers.ApplicationDetail
// @Failure     404  {object}  handlers.ErrorResponse "Not found"
// @Router      /applications/{id} [get]
func (h *Handlers) GetApplication(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	app, err := h.apps.Get(ctx, id)
	if err != nil {
		failService(c, err)
		return
	}
	acts, err := h.apps.Actions(ctx, id)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, ApplicationDetail{Application: *app, Actions: acts})
}

// ListEmails godoc
// @ID          listApplicationEmails
// @Summary     Negotiation transcript
// @Description Returns the e-mails exchanged with the supplier in round order.
// @Tags        Applications
// @Produce     json
// @Param       id   path      string  true  "Application ID"  format(uuid)
// @Success     200  {object}  handlers.TranscriptResponse
// @Failure     404  {object}  handlers.ErrorResponse "Not found"
// @Router      /applications/{id}/emails [get]
func (h *Handlers) ListEmails(c *gin.Context) {
	rows, err := h.apps.Transcript(c.Request.Context(), c.Param("id"))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, TranscriptResponse{Emails: rows})
}

// PostDecision godoc
// @ID          postDecision
// @Summary     Apply a manager decision
// @Description Applies negotiation, request_info, reject or invoice. An Idempotency-Key makes retries return the first outcome.
// @Tags        Applications
// @Accept      json
// @Produce     json
// @Param       id               path    string                     true  "Application ID"  format(uuid)
// @Param       Idempotency-Key  header  string                     false "Idempotency key"
// @Param       X-Operator-ID    header  string                     false "Manager desk operator"
// @Param       body             body    handlers.DecisionRequest   true  "Decision"
// @Success     200  {object}  services.DecisionResult
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse "Not found"
// @Failure     409  {object}  handlers.ErrorResponse "Not allowed in current status"
// @Failure     502  {object}  handlers.ErrorResponse "E-mail draft failed"
// @Router      /applications/{id}/actions [post]
func (h *Handlers) PostDecision(c *gin.Context) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "action is required; amount must not be negative")
		return
	}
	d := services.Decision{
		Action: req.Action,
		Notes:  strings.TrimSpace(req.Notes),
		Amount: req.Amount,
	}
	if key, found := middleware.GetIdempotencyKey(c); found {
		d.IdempotencyKey = key
	}

	lg := middleware.LoggerFrom(c)
	res, err := h.manager.Decide(c.Request.Context(), c.Param("id"), d)
	if err != nil {
		lg.Warn().Err(err).Str("action", req.Action).Msg("manager decision failed")
		failService(c, err)
		return
	}
	if res.Replayed {
		c.Header("Idempotent-Replay", "true")
	}
	ok(c, http.StatusOK, res)
}

// AssignSupplier godoc
// @ID          assignSupplier
// @Summary     Assign a supplier manually
// @Description Moves an application stuck in search to manager review with the chosen supplier.
// @Tags        Applications
// @Accept      json
// @Produce     json
// @Param       id    path  string                          true  "Application ID"  format(uuid)
// @Param       body  body  handlers.AssignSupplierRequest  true  "Supplier"
// @Success     200  {object}  services.DecisionResult
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse "Not found"
// @Failure     409  {object}  handlers.ErrorResponse "Not in search"
// @Router      /applications/{id}/supplier [post]
func (h *Handlers) AssignSupplier(c *gin.Context) {
	var req AssignSupplierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "supplier_id is required")
		return
	}
	res, err := h.manager.AssignSupplier(c.Request.Context(), c.Param("id"), strings.TrimSpace(req.SupplierID))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}
