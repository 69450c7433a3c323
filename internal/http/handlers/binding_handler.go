package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-tg-dispatcher/internal/domain"
	"github.com/tbourn/go-tg-dispatcher/internal/gateway"
	"github.com/tbourn/go-tg-dispatcher/internal/services"
	"github.com/tbourn/go-tg-dispatcher/internal/utils"
)

// LinkBindingRequest is the JSON payload of POST /bindings.
type LinkBindingRequest struct {
	UserID   int64  `json:"user_id" example:"7"`
	ChatID   int64  `json:"chat_id" example:"5550001"`
	Language string `json:"language,omitempty" example:"ru"`
	Username string `json:"username,omitempty" example:"alice"`
	Phone    string `json:"phone,omitempty" example:"+998901234567"`
}

// PushResult reports the status message pushed to the chat.
type PushResult struct {
	OK     bool   `json:"ok"`
	Status int    `json:"status" example:"200"`
	Error  string `json:"error,omitempty"`
}

// LinkBindingResponse is returned by POST /bindings.
type LinkBindingResponse struct {
	Binding *domain.ChatBinding `json:"binding"`
	Push    PushResult          `json:"push"`
}

// ListBindingsResponse wraps a user's bindings.
type ListBindingsResponse struct {
	Bindings []domain.ChatBinding `json:"bindings"`
}

func pushResult(r gateway.Result) PushResult {
	out := PushResult{OK: r.OK, Status: r.Status}
	if !r.OK {
		out.Error = r.Text
	}
	return out
}

// LinkBinding godoc
// @ID          linkBinding
// @Summary     Link a Telegram chat to a user
// @Description Creates or re-activates the binding and pushes "approved" to the chat.
// @Description A failed push is reported in the response and does not undo the link.
// @Tags        Bindings
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.LinkBindingRequest  true  "Binding"
//
// @Success     201  {object}  handlers.LinkBindingResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Link failed"
// @Router      /bindings [post]
func (h *Handlers) LinkBinding(c *gin.Context) {
	var req LinkBindingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	b, res, err := h.pairing.Link(c.Request.Context(), domain.ChatBinding{
		UserID:   req.UserID,
		ChatID:   req.ChatID,
		Language: req.Language,
		Username: req.Username,
		Phone:    req.Phone,
	})
	if err != nil {
		if errors.Is(err, services.ErrInvalidRequest) {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_id must be positive and chat_id non-zero")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeLinkFailed, err.Error())
		return
	}
	ok(c, http.StatusCreated, LinkBindingResponse{Binding: b, Push: pushResult(res)})
}

// DenyBinding godoc
// @ID          denyBinding
// @Summary     Reject a pairing request
// @Description Pushes "denied" to a chat that is not bound to an active user.
// @Tags        Bindings
// @Produce     json
//
// @Param       chat_id  path  int  true  "Telegram chat id"
//
// @Success     200  {object}  handlers.PushResult
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     409  {object}  handlers.ErrorResponse  "Chat is bound"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /bindings/{chat_id}/deny [post]
func (h *Handlers) DenyBinding(c *gin.Context) {
	chatID, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil || chatID == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "chat_id must be a non-zero integer")
		return
	}
	res, err := h.pairing.Deny(c.Request.Context(), chatID)
	switch {
	case errors.Is(err, services.ErrChatBound):
		fail(c, http.StatusConflict, ErrCodeChatBound, err.Error())
	case errors.Is(err, services.ErrInvalidRequest):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	default:
		ok(c, http.StatusOK, pushResult(res))
	}
}

// ListBindings godoc
// @ID          listBindings
// @Summary     List a user's chat bindings
// @Tags        Bindings
// @Produce     json
//
// @Param       user_id  query  int  true  "User id"  minimum(1)
//
// @Success     200  {object}  handlers.ListBindingsResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "No bindings"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /bindings [get]
func (h *Handlers) ListBindings(c *gin.Context) {
	uid, valid := utils.ParseID(c.Query("user_id"))
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_id must be a positive integer")
		return
	}
	out, err := h.pairing.Bindings(c.Request.Context(), uid)
	switch {
	case errors.Is(err, services.ErrBindingNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "no bindings for user")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	default:
		ok(c, http.StatusOK, ListBindingsResponse{Bindings: out})
	}
}
