package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for account balances and funding.
type Handler struct {
	ledger    *Ledger
	admin     string
	callerKey string
}

// NewHandler creates a ledger handler. Deposits are restricted to admin;
// the caller identity is read from the gin context under callerKey.
func NewHandler(l *Ledger, admin, callerKey string) *Handler {
	return &Handler{ledger: l, admin: normalize(admin), callerKey: callerKey}
}

// RegisterRoutes sets up public (read-only) account routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:id/balance", h.GetBalance)
	r.GET("/accounts/:id/entries", h.ListEntries)
}

// RegisterProtectedRoutes sets up routes that require a caller identity.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/accounts/:id/deposit", h.Deposit)
}

// DepositRequest funds an account from outside the system.
type DepositRequest struct {
	Amount    uint64 `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

// GetBalance handles GET /v1/accounts/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	account := normalize(c.Param("id"))
	bal, err := h.ledger.Balance(c.Request.Context(), account)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account": account,
		"balance": bal,
	})
}

// ListEntries handles GET /v1/accounts/:id/entries?limit=50
func (h *Handler) ListEntries(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	entries, err := h.ledger.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// Deposit handles POST /v1/accounts/:id/deposit
func (h *Handler) Deposit(c *gin.Context) {
	caller := normalize(c.GetString(h.callerKey))
	if caller == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Caller identity required",
		})
		return
	}
	if caller != h.admin {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "access_denied",
			"message": "Only the admin may fund accounts",
		})
		return
	}

	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount is required",
		})
		return
	}
	ref := validation.SanitizeString(req.Reference, validation.MaxStringLength)
	if ref == "" {
		ref = idgen.WithPrefix("dep_")
	}

	account := normalize(c.Param("id"))
	ctx := c.Request.Context()
	if err := h.ledger.Deposit(ctx, account, req.Amount, ref); err != nil {
		respondError(c, err)
		return
	}
	bal, err := h.ledger.Balance(ctx, account)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account":   account,
		"balance":   bal,
		"reference": ref,
	})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidAccount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrReservedAccount):
		c.JSON(http.StatusForbidden, gin.H{"error": "reserved_account", "message": err.Error()})
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "Internal error"})
	}
}
