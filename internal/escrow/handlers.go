package escrow

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/validation"
)

// CallerKey is the gin context key holding the authenticated caller identity.
const CallerKey = "callerAddr"

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transactions", h.ListTransactions)
	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/parties/:address/transactions", h.ListPartyTransactions)
}

// RegisterProtectedRoutes sets up routes that act on behalf of the caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.POST("/transactions/:id/approve", h.simple(h.service.Approve))
	r.POST("/transactions/:id/complete", h.simple(h.service.Complete))
	r.POST("/transactions/:id/abort", h.simple(h.service.Abort))
	r.POST("/transactions/:id/return", h.simple(h.service.AdminReturn))
	r.POST("/transactions/:id/recover", h.simple(h.service.RecoverExpired))
	r.POST("/transactions/:id/dispute", h.simple(h.service.OpenDispute))
	r.POST("/transactions/:id/resolve", h.ResolveDispute)
	r.POST("/transactions/:id/freeze", h.simple(h.service.Freeze))
	r.POST("/transactions/:id/extend", h.ExtendDeadline)
}

// ResolveRequest carries the purchaser's share of a disputed payment.
type ResolveRequest struct {
	Percent *uint64 `json:"percent" binding:"required"`
}

// ExtendRequest carries a deadline extension in height units.
type ExtendRequest struct {
	Delta uint64 `json:"delta"`
}

// CreateTransaction handles POST /v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidIdentity("merchant", req.Merchant),
		validation.MaxLength("itemRef", req.ItemRef, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	rec, err := h.service.Create(c.Request.Context(), caller, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": rec})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	rec, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": rec})
}

// ListTransactions handles GET /v1/transactions?state=pending
func (h *Handler) ListTransactions(c *gin.Context) {
	state, err := ParseState(c.DefaultQuery("state", StatePending.String()))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	records, err := h.service.ListByState(c.Request.Context(), state, limitParam(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": records,
		"count":        len(records),
	})
}

// ListPartyTransactions handles GET /v1/parties/:address/transactions
func (h *Handler) ListPartyTransactions(c *gin.Context) {
	records, err := h.service.ListByParty(c.Request.Context(), c.Param("address"), limitParam(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": records,
		"count":        len(records),
	})
}

// ResolveDispute handles POST /v1/transactions/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "percent is required",
		})
		return
	}

	rec, err := h.service.ResolveDispute(c.Request.Context(), id, caller, *req.Percent)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": rec})
}

// ExtendDeadline handles POST /v1/transactions/:id/extend
func (h *Handler) ExtendDeadline(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}

	var req ExtendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	rec, err := h.service.ExtendDeadline(c.Request.Context(), id, caller, req.Delta)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction": rec,
		"expiration":  rec.Expiration,
	})
}

type operation func(ctx context.Context, id uint64, caller string) (*Record, error)

// simple adapts an operation that takes only an id and the caller.
func (h *Handler) simple(op operation) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerOf(c)
		if !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		rec, err := op(c.Request.Context(), id, caller)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"transaction": rec})
	}
}

func callerOf(c *gin.Context) (string, bool) {
	caller := c.GetString(CallerKey)
	if caller == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Caller identity required",
		})
		return "", false
	}
	return caller, true
}

func idParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Transaction id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

func limitParam(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		return 50
	}
	if limit > 500 {
		limit = 500
	}
	return limit
}

// StatusFor maps an escrow error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidTransactionID), errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrAlreadyFinalized), errors.Is(err, ErrInvalidState), errors.Is(err, ErrStaleRecord):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidCounterparty):
		return http.StatusBadRequest
	case errors.Is(err, ErrDealExpired), errors.Is(err, ErrNotYetExpired):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrPaymentFailure):
		return http.StatusPaymentRequired
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := StatusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "Internal error"
	}
	c.JSON(status, gin.H{
		"error":   Kind(err),
		"message": message,
	})
}
