package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *harness) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := newHarness(t)
	handler := NewHandler(h.svc)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)

	// X-Caller-Address stands in for the identity middleware.
	authGroup := v1.Group("")
	authGroup.Use(func(c *gin.Context) {
		if addr := c.GetHeader("X-Caller-Address"); addr != "" {
			c.Set(CallerKey, addr)
		}
		c.Next()
	})
	handler.RegisterProtectedRoutes(authGroup)

	return r, h
}

func doRequest(r *gin.Engine, method, path, caller string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set("X-Caller-Address", caller)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type transactionResponse struct {
	Transaction struct {
		ID              uint64 `json:"id"`
		State           string `json:"state"`
		Amount          uint64 `json:"amount"`
		Expiration      uint64 `json:"expiration"`
		PurchaserAmount uint64 `json:"purchaserAmount"`
		MerchantAmount  uint64 `json:"merchantAmount"`
	} `json:"transaction"`
}

func decodeTransaction(t *testing.T, w *httptest.ResponseRecorder) transactionResponse {
	t.Helper()
	var resp transactionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp.Error
}

func TestHandler_CreateGetComplete(t *testing.T) {
	router, h := setupTestRouter(t)

	w := doRequest(router, "POST", "/v1/transactions", purchaser, CreateRequest{Merchant: merchant, Amount: 500})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeTransaction(t, w)
	assert.Equal(t, uint64(1), created.Transaction.ID)
	assert.Equal(t, "pending", created.Transaction.State)

	w = doRequest(router, "GET", "/v1/transactions/1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, uint64(500), decodeTransaction(t, w).Transaction.Amount)

	w = doRequest(router, "POST", "/v1/transactions/1/complete", purchaser, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "completed", decodeTransaction(t, w).Transaction.State)
	assert.Equal(t, uint64(10_500), h.balance(t, merchant))

	w = doRequest(router, "POST", "/v1/transactions/1/complete", purchaser, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_finalized", errorCode(t, w))
}

func TestHandler_ErrorMapping(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doRequest(router, "POST", "/v1/transactions", purchaser, CreateRequest{Merchant: purchaser, Amount: 5})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_counterparty", errorCode(t, w))

	w = doRequest(router, "POST", "/v1/transactions", purchaser, CreateRequest{Merchant: merchant, Amount: 1_000_000})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "insufficient_funds", errorCode(t, w))

	w = doRequest(router, "POST", "/v1/transactions", "", CreateRequest{Merchant: merchant, Amount: 5})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(router, "GET", "/v1/transactions/7", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "invalid_transaction_id", errorCode(t, w))

	w = doRequest(router, "GET", "/v1/transactions/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, "POST", "/v1/transactions", purchaser, CreateRequest{Merchant: merchant, Amount: 5})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(router, "POST", "/v1/transactions/1/approve", stranger, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "access_denied", errorCode(t, w))

	w = doRequest(router, "POST", "/v1/transactions/1/recover", purchaser, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "not_yet_expired", errorCode(t, w))

	w = doRequest(router, "POST", "/v1/transactions/1/resolve", testAdmin, map[string]uint64{"percent": 50})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_state", errorCode(t, w))

	w = doRequest(router, "POST", "/v1/transactions/1/resolve", testAdmin, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", errorCode(t, w))
}

func TestHandler_DisputeFlow(t *testing.T) {
	router, h := setupTestRouter(t)

	w := doRequest(router, "POST", "/v1/transactions", purchaser, CreateRequest{Merchant: merchant, Amount: 1000})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(router, "POST", "/v1/transactions/1/approve", merchant, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = doRequest(router, "POST", "/v1/transactions/1/dispute", merchant, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "disputed", decodeTransaction(t, w).Transaction.State)

	w = doRequest(router, "POST", "/v1/transactions/1/resolve", testAdmin, map[string]uint64{"percent": 60})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resolved := decodeTransaction(t, w)
	assert.Equal(t, "resolved", resolved.Transaction.State)
	assert.Equal(t, uint64(600), resolved.Transaction.PurchaserAmount)
	assert.Equal(t, uint64(400), resolved.Transaction.MerchantAmount)
	h.assertConserved(t)
}

func TestHandler_ExtendAndLists(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doRequest(router, "POST", "/v1/transactions", purchaser, CreateRequest{Merchant: merchant, Amount: 10})
	require.Equal(t, http.StatusCreated, w.Code)
	before := decodeTransaction(t, w).Transaction.Expiration

	w = doRequest(router, "POST", "/v1/transactions/1/extend", merchant, ExtendRequest{Delta: 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_amount", errorCode(t, w))

	w = doRequest(router, "POST", "/v1/transactions/1/extend", merchant, ExtendRequest{Delta: 100})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, before+100, decodeTransaction(t, w).Transaction.Expiration)

	w = doRequest(router, "POST", "/v1/transactions/1/freeze", merchant, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, "GET", "/v1/transactions?state=frozen", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	w = doRequest(router, "GET", "/v1/parties/bob/transactions", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	w = doRequest(router, "GET", "/v1/transactions?state=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
