package secrets

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/apperr"
	"github.com/taskdeck/taskdeck/internal/common/logger"
)

// Handler provides the HTTP surface for secrets. Plaintext never crosses it:
// responses carry status and metadata only.
type Handler struct {
	service *Service
	logger  *logger.Logger
}

// NewHandler creates a secrets handler.
func NewHandler(svc *Service, log *logger.Logger) *Handler {
	return &Handler{service: svc, logger: log}
}

// RegisterRoutes attaches the secrets endpoints to the API group.
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/secrets", h.saveSecret)
	api.GET("/secrets", h.listSecrets)
	api.GET("/secrets/:kind/:provider", h.getSecretStatus)
	api.DELETE("/secrets/:kind/:provider", h.deleteSecret)
}

func (h *Handler) saveSecret(c *gin.Context) {
	var req SaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	status, err := h.service.Save(c.Request.Context(), &req)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, status)
}

func (h *Handler) listSecrets(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.List())
}

func (h *Handler) getSecretStatus(c *gin.Context) {
	kind := Kind(c.Param("kind"))
	provider := Provider(c.Param("provider"))
	if providers, ok := ValidProviders[kind]; !ok || !providers[provider] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown kind or provider"})
		return
	}
	c.JSON(http.StatusOK, h.service.Status(kind, provider))
}

func (h *Handler) deleteSecret(c *gin.Context) {
	kind := Kind(c.Param("kind"))
	provider := Provider(c.Param("provider"))
	if err := h.service.Delete(c.Request.Context(), kind, provider); err != nil {
		h.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) renderError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInvalidInput {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Validation failed",
			"details": apperr.DetailsOf(err),
		})
		return
	}
	if kind == apperr.KindUnexpected || kind == apperr.KindBackendFailure {
		h.logger.Error("secret operation failed", zap.Error(err))
	}
	c.JSON(apperr.HTTPStatus(kind), gin.H{"error": apperr.MessageOf(err)})
}
