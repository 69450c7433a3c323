package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-tg-dispatcher/internal/domain"
	"github.com/tbourn/go-tg-dispatcher/internal/http/middleware"
	"github.com/tbourn/go-tg-dispatcher/internal/services"
	"github.com/tbourn/go-tg-dispatcher/internal/utils"
)

// EnqueueNotificationRequest is the JSON payload of POST /notifications.
type EnqueueNotificationRequest struct {
	// UserIDs are the recipients, 1 to 1000 positive ids.
	UserIDs []int64 `json:"user_ids" example:"7,8"`
	// Type is forwarded to the gateway unchanged.
	Type string `json:"type" example:"reminder"`
	// TemplateKey names the template to render.
	TemplateKey string `json:"template_key" example:"late_notice"`
	// Context is one object shared by all recipients, or an array with one
	// object per recipient position.
	Context domain.Context `json:"context" swaggertype:"object"`
	// IdempotencyKey replaces the computed fingerprint. The Idempotency-Key
	// header takes precedence.
	IdempotencyKey string `json:"idempotency_key,omitempty" example:"order-42"`
}

// ListNotificationsResponse wraps a page of records.
type ListNotificationsResponse struct {
	Notifications []domain.Notification `json:"notifications"`
	Pagination    Pagination            `json:"pagination"`
}

// EnqueueNotification godoc
// @ID          enqueueNotification
// @Summary     Enqueue a notification dispatch
// @Description Validates the request and hands it to the task queue. Delivery is asynchronous;
// @Description per-recipient outcomes are recorded in the notification log.
// @Tags        Notifications
// @Accept      json
// @Produce     json
//
// @Param       Idempotency-Key  header  string  false "Overrides the computed fingerprint"  example(order-42)
// @Param       body             body    handlers.EnqueueNotificationRequest  true  "Dispatch request"
//
// @Success     202  {object}  queue.TaskInfo
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Enqueue failed"
// @Router      /notifications [post]
func (h *Handlers) EnqueueNotification(c *gin.Context) {
	var req EnqueueNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if hk, ok := middleware.GetIdempotencyKey(c); ok {
		key = hk
	}

	info, err := h.notifications.Enqueue(c.Request.Context(), domain.DispatchRequest{
		UserIDs:     req.UserIDs,
		Type:        req.Type,
		TemplateKey: req.TemplateKey,
		Context:     req.Context,
		IdemKey:     key,
	})
	if err != nil {
		if errors.Is(err, services.ErrInvalidRequest) {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_ids (1-1000 positive ids) and template_key (1-128 chars) are required")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeEnqueueFailed, err.Error())
		return
	}
	if middleware.IsReplay(c) {
		c.Header("Idempotency-Replayed", "true")
	}
	ok(c, http.StatusAccepted, info)
}

// GetNotification godoc
// @ID          getNotification
// @Summary     Read a notification record
// @Tags        Notifications
// @Produce     json
//
// @Param       fingerprint  path  string  true  "Record fingerprint or idempotency key"
//
// @Success     200  {object}  domain.Notification
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /notifications/{fingerprint} [get]
func (h *Handlers) GetNotification(c *gin.Context) {
	n, err := h.notifications.Get(c.Request.Context(), c.Param("fingerprint"))
	switch {
	case errors.Is(err, services.ErrNotificationNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "notification not found")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	default:
		ok(c, http.StatusOK, n)
	}
}

// ListNotifications godoc
// @ID          listNotifications
// @Summary     List a user's notification records
// @Description Newest first, optionally narrowed to one template. Supports a weak ETag via
// @Description If-None-Match and may return 304.
// @Tags        Notifications
// @Produce     json
//
// @Param       If-None-Match header string  false  "Return 304 if ETag matches"  example(W/\"notifications:7::1:20:3:1714564800000000000\")
// @Param       user_id       query  int     true   "User id"  minimum(1)
// @Param       template_key  query  string  false  "Template key"
// @Param       page          query  int     false  "Page number"     minimum(1) default(1)
// @Param       page_size     query  int     false  "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object}  handlers.ListNotificationsResponse
// @Header      200  {string}  ETag  "Weak ETag for the current listing"
// @Success     304  {string}  string "Not Modified"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /notifications [get]
func (h *Handlers) ListNotifications(c *gin.Context) {
	uid, valid := utils.ParseID(c.Query("user_id"))
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_id must be a positive integer")
		return
	}
	page, pageSize := utils.ClampPage(c.Query("page"), c.Query("page_size"), defaultPageSize, maxPageSize)
	ctx := c.Request.Context()
	tpl := strings.TrimSpace(c.Query("template_key"))

	// ETag pre-check (best effort).
	if count, maxTS, err := h.notifications.Stats(ctx, uid, tpl); err == nil {
		var ts int64
		if maxTS != nil {
			ts = maxTS.UnixNano()
		}
		etag := fmt.Sprintf(`W/"notifications:%d:%s:%d:%d:%d:%d"`, uid, tpl, page, pageSize, count, ts)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	items, total, err := h.notifications.ListPage(ctx, uid, tpl, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListNotificationsResponse{
		Notifications: items,
		Pagination:    newPagination(page, pageSize, total),
	})
}

// ReplayNotification godoc
// @ID          replayNotification
// @Summary     Replay a notification record
// @Description Re-enqueues a pending or failed record as a single-recipient dispatch reusing its fingerprint.
// @Tags        Notifications
// @Produce     json
//
// @Param       fingerprint  path  string  true  "Record fingerprint"
//
// @Success     202  {object}  queue.TaskInfo
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Already sent"
// @Failure     500  {object}  handlers.ErrorResponse  "Enqueue failed"
// @Router      /notifications/{fingerprint}/replay [post]
func (h *Handlers) ReplayNotification(c *gin.Context) {
	info, err := h.notifications.Replay(c.Request.Context(), c.Param("fingerprint"))
	switch {
	case errors.Is(err, services.ErrNotificationNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "notification not found")
	case errors.Is(err, services.ErrAlreadySent):
		fail(c, http.StatusConflict, ErrCodeAlreadySent, "notification already sent")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeEnqueueFailed, err.Error())
	default:
		ok(c, http.StatusAccepted, info)
	}
}
