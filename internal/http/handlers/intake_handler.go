package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-procurement-bot/internal/domain"
	"github.com/tbourn/go-procurement-bot/internal/services"
)

// IntakeRequest is one message relayed from the conversational front end.
type IntakeRequest struct {
	ExternalID string `json:"external_id" binding:"required,max=64" example:"tg-123456"`
	Username   string `json:"username"    binding:"max=255"          example:"ivan_petrov"`
	FullName   string `json:"full_name"   binding:"max=255"          example:"Иван Петров"`
	Text       string `json:"text"        binding:"required"         example:"Нужен бетон М300, 20 кубов, Уфа"`
}

// IntakeResponse is the bot reply plus the application state.
type IntakeResponse struct {
	ApplicationID string            `json:"application_id" example:"a0c2f2c4-5a55-4c3b-9f7a-1b1d4a6b2f10"`
	Status        domain.Status     `json:"status"         example:"intake"`
	Reply         string            `json:"reply"          example:"Уточните, пожалуйста: адрес доставки."`
	Complete      bool              `json:"complete"`
	Suppliers     []domain.Supplier `json:"suppliers,omitempty"`
}

// PostIntake godoc
// @ID          postIntake
// @Summary     Relay a requester message
// @Description Starts a new application or continues the open intake of the requester and returns the bot reply.
// @Tags        Intake
// @Accept      json
// @Produce     json
// @Param       body  body      handlers.IntakeRequest  true  "Requester message"
// @Success     200   {object}  handlers.IntakeResponse
// @Failure     400   {object}  handlers.ErrorResponse  "Bad request"
// @Failure     409   {object}  handlers.ErrorResponse  "Application left intake"
// @Failure     429   {object}  handlers.ErrorResponse  "Rate limited"
// @Failure     500   {object}  handlers.ErrorResponse  "Internal error"
// @Router      /intake [post]
func (h *Handlers) PostIntake(c *gin.Context) {
	var req IntakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "external_id and text are required")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message text is required")
		return
	}

	who := services.RequesterIdentity{
		ExternalID: strings.TrimSpace(req.ExternalID),
		Username:   strings.TrimSpace(req.Username),
		FullName:   strings.TrimSpace(req.FullName),
	}
	res, err := h.intake.Handle(c.Request.Context(), who, text)
	if err != nil {
		failService(c, err)
		return
	}

	resp := IntakeResponse{Reply: res.Reply, Complete: res.Complete, Suppliers: res.Suppliers}
	if res.Application != nil {
		resp.ApplicationID = res.Application.ID
		resp.Status = res.Application.Status
	}
	ok(c, http.StatusOK, resp)
}
