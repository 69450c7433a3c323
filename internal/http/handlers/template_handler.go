package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-tg-dispatcher/internal/services"
)

// UpsertTemplateRequest is the JSON payload of PUT /templates.
type UpsertTemplateRequest struct {
	Key      string `json:"key" example:"late_notice"`
	Language string `json:"language" example:"uz"`
	Body     string `json:"body" example:"Sizda {count} ta kechikish bor"`
	// Active defaults to true when omitted.
	Active *bool `json:"active,omitempty" example:"true"`
}

// UpsertTemplate godoc
// @ID          upsertTemplate
// @Summary     Create or replace a template
// @Description Stores the body for (key, language) and drops the cached copy.
// @Tags        Templates
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.UpsertTemplateRequest  true  "Template"
//
// @Success     200  {object}  domain.Template
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Write failed"
// @Router      /templates [put]
func (h *Handlers) UpsertTemplate(c *gin.Context) {
	var req UpsertTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	t, err := h.templates.Upsert(c.Request.Context(), req.Key, req.Language, req.Body, active)
	if err != nil {
		if errors.Is(err, services.ErrInvalidRequest) {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "key is required")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeTemplateWrite, err.Error())
		return
	}
	ok(c, http.StatusOK, t)
}
