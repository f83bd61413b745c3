package subscription

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"triggerhub/internal/constants"
	"triggerhub/internal/logger"
	"triggerhub/pkg/cel"
	"triggerhub/pkg/errors"
	"triggerhub/pkg/models"
)

// ChangedByHeader names the actor recorded in the audit trail.
const ChangedByHeader = "X-Changed-By"

type Handler struct {
	service *Service
	logger  logger.Logger
}

func NewHandler(service *Service, log logger.Logger) *Handler {
	if log == nil {
		log = logger.NopLogger()
	}
	return &Handler{service: service, logger: log}
}

func (h *Handler) handleError(c *gin.Context, err error) {
	status := errors.ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	} else {
		h.logger.WarnwCtx(c.Request.Context(), "Request rejected", "error", err, "path", c.Request.URL.Path)
	}
	c.JSON(status, errors.ToErrorResponse(err))
}

func requestContext(c *gin.Context) context.Context {
	return WithChangedBy(c.Request.Context(), c.GetHeader(ChangedByHeader))
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	v1 := router.Group("/api/v1")
	{
		subs := v1.Group("/subscriptions")
		{
			subs.GET("", h.List)
			subs.POST("", h.Create)
			subs.GET("/:id", h.Get)
			subs.PATCH("/:id", h.Update)
			subs.DELETE("/:id", h.Delete)
			subs.POST("/:id/renew", h.Renew)
			subs.GET("/:id/outcomes", h.Outcomes)
			subs.GET("/:id/audit", h.Audit)
		}
		v1.GET("/filters/examples", h.FilterExamples)
	}
}

// List godoc
// @Summary      List subscriptions
// @Description  List activated triggers, optionally for one provider
// @Tags         subscriptions
// @Produce      json
// @Param        provider  query     string  false  "Provider kind"
// @Success      200       {array}   models.Subscription
// @Failure      500       {object}  errors.ErrorResponse
// @Router       /subscriptions [get]
func (h *Handler) List(c *gin.Context) {
	subs, err := h.service.List(c.Request.Context(), models.ProviderKind(c.Query("provider")))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, subs)
}

// Create godoc
// @Summary      Activate a trigger
// @Description  Create a subscription and register the provider-side watch when the provider needs one
// @Tags         subscriptions
// @Accept       json
// @Produce      json
// @Param        subscription  body      CreateRequest  true  "Subscription"
// @Success      201           {object}  View
// @Failure      400           {object}  errors.ErrorResponse
// @Failure      409           {object}  errors.ErrorResponse
// @Failure      503           {object}  errors.ErrorResponse
// @Param        X-Changed-By  header    string  false  "Actor recorded in the audit trail"
// @Router       /subscriptions [post]
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	view, err := h.service.Create(requestContext(c), req)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

// Get godoc
// @Summary      Get a subscription
// @Description  Get a subscription and its current checkpoint
// @Tags         subscriptions
// @Produce      json
// @Param        id   path      string  true  "Subscription ID"
// @Success      200  {object}  View
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /subscriptions/{id} [get]
func (h *Handler) Get(c *gin.Context) {
	view, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Update godoc
// @Summary      Update a subscription
// @Description  Change the declared events, filters or verification of a subscription
// @Tags         subscriptions
// @Accept       json
// @Produce      json
// @Param        id            path      string         true  "Subscription ID"
// @Param        subscription  body      UpdateRequest  true  "Changes"
// @Success      200           {object}  View
// @Failure      400           {object}  errors.ErrorResponse
// @Failure      404           {object}  errors.ErrorResponse
// @Param        X-Changed-By  header    string  false  "Actor recorded in the audit trail"
// @Router       /subscriptions/{id} [patch]
func (h *Handler) Update(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	view, err := h.service.Update(requestContext(c), c.Param("id"), req)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Delete godoc
// @Summary      Unsubscribe
// @Description  Release the provider-side watch, cancel in-flight work and delete the subscription
// @Tags         subscriptions
// @Param        id   path  string  true  "Subscription ID"
// @Success      204  "No Content"
// @Failure      404  {object}  errors.ErrorResponse
// @Param        X-Changed-By  header    string  false  "Actor recorded in the audit trail"
// @Router       /subscriptions/{id} [delete]
func (h *Handler) Delete(c *gin.Context) {
	if err := h.service.Delete(requestContext(c), c.Param("id")); err != nil {
		h.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Renew godoc
// @Summary      Renew the provider watch
// @Tags         subscriptions
// @Produce      json
// @Param        id   path      string  true  "Subscription ID"
// @Success      200  {object}  View
// @Failure      400  {object}  errors.ErrorResponse
// @Failure      404  {object}  errors.ErrorResponse
// @Param        X-Changed-By  header    string  false  "Actor recorded in the audit trail"
// @Router       /subscriptions/{id}/renew [post]
func (h *Handler) Renew(c *gin.Context) {
	view, err := h.service.Renew(requestContext(c), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Outcomes godoc
// @Summary      Recent trigger outcomes
// @Description  What happened to the latest notifications and events of a subscription, newest first
// @Tags         subscriptions
// @Produce      json
// @Param        id     path      string  true   "Subscription ID"
// @Param        limit  query     int     false  "Maximum number of outcomes (1-1000)" default(100)
// @Success      200    {array}   outcome.Outcome
// @Failure      404    {object}  errors.ErrorResponse
// @Router       /subscriptions/{id}/outcomes [get]
func (h *Handler) Outcomes(c *gin.Context) {
	out, err := h.service.Outcomes(c.Request.Context(), c.Param("id"), parseLimit(c.Query("limit")))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// Audit godoc
// @Summary      Subscription change history
// @Tags         subscriptions
// @Produce      json
// @Param        id     path      string  true   "Subscription ID"
// @Param        limit  query     int     false  "Maximum number of entries (1-1000)" default(100)
// @Success      200    {array}   AuditLog
// @Router       /subscriptions/{id}/audit [get]
func (h *Handler) Audit(c *gin.Context) {
	logs, err := h.service.AuditLogs(c.Request.Context(), c.Param("id"), parseLimit(c.Query("limit")))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// FilterExamples godoc
// @Summary      Filter expression examples
// @Description  Sample CEL expressions accepted in a filter rule
// @Tags         filters
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /filters/examples [get]
func (h *Handler) FilterExamples(c *gin.Context) {
	c.JSON(http.StatusOK, cel.FilterExpressionExamples)
}

func parseLimit(limitStr string) int {
	if limitStr == "" {
		return constants.DefaultLimit
	}
	parsed, err := strconv.Atoi(limitStr)
	if err != nil || parsed <= 0 || parsed > constants.MaxLimit {
		return constants.DefaultLimit
	}
	return parsed
}
