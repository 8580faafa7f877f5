package webhooks

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/validation"
)

const (
	// MaxSubscriptionsPerParty bounds how many endpoints one party may register.
	MaxSubscriptionsPerParty = 10

	maxURLLength = 2048
)

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store       Store
	validateURL func(string) error
}

// NewHandler creates a new webhook handler
func NewHandler(store Store) *Handler {
	return &Handler{
		store:       store,
		validateURL: ValidateURL,
	}
}

// RegisterProtectedRoutes sets up webhook routes. A party manages only its
// own subscriptions.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/parties/:address/webhooks", h.CreateWebhook)
	r.GET("/parties/:address/webhooks", h.ListWebhooks)
	r.DELETE("/parties/:address/webhooks/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// CreateWebhook handles POST /v1/parties/:address/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	party, ok := h.owner(c)
	if !ok {
		return
	}

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("url", req.URL),
		validation.MaxLength("url", req.URL, maxURLLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
		})
		return
	}
	if err := h.validateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}
	if unknown := unknownEvents(req.Events); len(unknown) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_events",
			"message": "unknown events: " + strings.Join(unknown, ", "),
			"known":   escrow.EventNames(),
		})
		return
	}

	ctx := c.Request.Context()
	existing, err := h.store.ListByParty(ctx, party)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}
	if len(existing) >= MaxSubscriptionsPerParty {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "limit_reached",
			"message": "Too many webhooks for this party",
		})
		return
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		Party:     party,
		URL:       req.URL,
		Secret:    secret,
		Events:    req.Events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.Create(ctx, sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /v1/parties/:address/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	party, ok := h.owner(c)
	if !ok {
		return
	}

	subs, err := h.store.ListByParty(c.Request.Context(), party)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"webhooks": subs,
		"count":    len(subs),
	})
}

// DeleteWebhook handles DELETE /v1/parties/:address/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	party, ok := h.owner(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	sub, err := h.store.Get(ctx, c.Param("webhookId"))
	if err != nil || !strings.EqualFold(sub.Party, party) {
		if err == nil || errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Webhook not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	if err := h.store.Delete(ctx, sub.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}

// owner resolves :address and requires the caller to be that party.
func (h *Handler) owner(c *gin.Context) (string, bool) {
	caller := c.GetString(escrow.CallerKey)
	if caller == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Caller identity required",
		})
		return "", false
	}
	party := c.Param("address")
	if !strings.EqualFold(caller, party) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "access_denied",
			"message": "Webhooks can only be managed by their party",
		})
		return "", false
	}
	return party, true
}

func unknownEvents(names []string) []string {
	known := make(map[string]bool)
	for _, n := range escrow.EventNames() {
		known[n] = true
	}
	var unknown []string
	for _, n := range names {
		if !known[n] {
			unknown = append(unknown, n)
		}
	}
	return unknown
}
