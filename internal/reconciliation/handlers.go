package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the conservation audit over HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates a new reconciliation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up audit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit/conservation", h.Conservation)
}

// Conservation handles GET /v1/audit/conservation. With ?cached=true it
// answers with the most recent result, if any, instead of running a check.
func (h *Handler) Conservation(c *gin.Context) {
	if c.Query("cached") == "true" {
		if last := h.service.Last(); last != nil {
			c.JSON(http.StatusOK, last)
			return
		}
	}
	res, err := h.service.Check(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal",
			"message": "Reconciliation check failed",
		})
		return
	}
	c.JSON(http.StatusOK, res)
}
