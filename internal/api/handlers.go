package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/davidahmann/receipt-verifier/internal/auth"
	"github.com/davidahmann/receipt-verifier/internal/ledger"
	"github.com/davidahmann/receipt-verifier/internal/metrics"
	"github.com/davidahmann/receipt-verifier/internal/receipt"
	"github.com/davidahmann/receipt-verifier/internal/spsp"
	"github.com/davidahmann/receipt-verifier/pkg/types"
)

const (
	actionCreditReceipt = "creditReceipt"
	actionSpend         = "spend"

	// Spend bodies are decimal integers; anything longer is not an amount.
	maxAmountBodyBytes = 64
)

type Handler struct {
	Ledger   *ledger.Ledger
	Verifier receipt.Verifier
	Proxy    *spsp.Proxy
	// Auth guards the balance routes when set.
	Auth   auth.Authenticator
	Logger *zap.Logger
}

// Verify checks a base64 receipt and reports the amount it adds.
func (h *Handler) Verify(c *gin.Context) {
	_, delta, ok := h.resolveBody(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, types.VerifyResponse{
		Amount:       strconv.FormatUint(delta.Value, 10),
		SPSPEndpoint: delta.SPSPEndpoint,
		ID:           delta.SPSPID,
	})
}

// Receipts checks a base64 receipt and echoes the stream it belongs to.
func (h *Handler) Receipts(c *gin.Context) {
	rec, _, ok := h.resolveBody(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, types.ReceiptResponse{
		Nonce:         rec.NonceString(),
		StreamID:      strconv.FormatUint(uint64(rec.StreamID), 10),
		TotalReceived: strconv.FormatUint(rec.TotalReceived, 10),
	})
}

// resolveBody verifies the receipt in the request body and resolves its
// delta. It writes the error response itself and reports false on failure.
func (h *Handler) resolveBody(c *gin.Context) (receipt.Receipt, ledger.Delta, bool) {
	rec, ok := h.readReceipt(c)
	if !ok {
		return receipt.Receipt{}, ledger.Delta{}, false
	}
	delta, err := h.Ledger.ResolveReceipt(c.Request.Context(), rec)
	if err != nil {
		h.writeLedgerError(c, err, http.StatusConflict)
		return receipt.Receipt{}, ledger.Delta{}, false
	}
	if delta.Value == 0 {
		writeError(c, http.StatusBadRequest, ledger.ErrExpiredReceipt.Error())
		return receipt.Receipt{}, ledger.Delta{}, false
	}
	return rec, delta, true
}

// Balance returns the balance for :id as a decimal string.
func (h *Handler) Balance(c *gin.Context) {
	balance, err := h.Ledger.Balance(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeLedgerError(c, err, http.StatusServiceUnavailable)
		return
	}
	writeAmount(c, balance)
}

// BalanceAction dispatches POST /balances/{id}:{action}.
func (h *Handler) BalanceAction(c *gin.Context) {
	id, action, ok := splitAction(c.Param("id"))
	if !ok {
		writeError(c, http.StatusNotFound, "not found")
		return
	}
	switch action {
	case actionCreditReceipt:
		h.creditReceipt(c, id)
	case actionSpend:
		h.spend(c, id)
	default:
		writeError(c, http.StatusNotFound, "not found")
	}
}

func (h *Handler) creditReceipt(c *gin.Context, id string) {
	rec, ok := h.readReceipt(c)
	if !ok {
		return
	}
	_, balance, err := h.Ledger.CreditReceipt(c.Request.Context(), id, rec)
	if err != nil {
		h.writeLedgerError(c, err, http.StatusServiceUnavailable)
		return
	}
	writeAmount(c, balance)
}

func (h *Handler) spend(c *gin.Context, id string) {
	body, ok := readBody(c, maxAmountBodyBytes)
	if !ok {
		return
	}
	amount, err := ledger.ParseAmount(string(body))
	if err != nil {
		h.writeLedgerError(c, err, http.StatusServiceUnavailable)
		return
	}
	balance, err := h.Ledger.Spend(c.Request.Context(), id, amount)
	if err != nil {
		h.writeLedgerError(c, err, http.StatusServiceUnavailable)
		return
	}
	writeAmount(c, balance)
}

// Pay proxies an SPSP query and attaches a fresh receipt nonce.
func (h *Handler) Pay(c *gin.Context) {
	if h.Proxy == nil {
		writeError(c, http.StatusNotFound, "not found")
		return
	}
	if c.GetHeader("Accept") == "" || c.NegotiateFormat(spsp.ContentType) == "" {
		writeError(c, http.StatusNotAcceptable, "accept must include "+spsp.ContentType)
		return
	}

	resp, err := h.Proxy.Handle(c.Request.Context(), c.Request.URL.Path, c.Request.Header)
	if err != nil {
		status := http.StatusConflict
		switch {
		case errors.Is(err, spsp.ErrEndpointNotFound):
			status = http.StatusNotFound
		case errors.Is(err, spsp.ErrRegister):
			status = http.StatusServiceUnavailable
		}
		h.logger().Warn("spsp proxy failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		writeError(c, status, err.Error())
		return
	}

	header := c.Writer.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	c.Status(resp.StatusCode)
	_, _ = c.Writer.Write(resp.Body)
}

func (h *Handler) requireAuth(c *gin.Context) {
	if h.Auth == nil {
		c.Next()
		return
	}
	if _, err := h.Auth.Authenticate(c.Request); err != nil {
		writeError(c, http.StatusUnauthorized, err.Error())
		c.Abort()
		return
	}
	c.Next()
}

// readReceipt reads and verifies a base64 receipt body.
func (h *Handler) readReceipt(c *gin.Context) (receipt.Receipt, bool) {
	body, ok := readBody(c, int64(receipt.MaxEncodedLen()))
	if !ok {
		return receipt.Receipt{}, false
	}
	rec, err := h.Verifier.VerifyBase64(string(body))
	if err != nil {
		if errors.Is(err, receipt.ErrMissingSeed) {
			h.logger().Error("receipt verifier has no seed")
			writeError(c, http.StatusInternalServerError, err.Error())
			return receipt.Receipt{}, false
		}
		metrics.ReceiptsTotal.WithLabelValues(rejectResult(err)).Inc()
		writeError(c, http.StatusBadRequest, err.Error())
		return receipt.Receipt{}, false
	}
	return rec, true
}

// rejectResult labels a failed verification: "invalid" for a bad HMAC,
// "malformed" for anything that did not decode.
func rejectResult(err error) string {
	if errors.Is(err, receipt.ErrInvalidReceipt) {
		return "invalid"
	}
	return "malformed"
}

func readBody(c *gin.Context, limit int64) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		writeError(c, http.StatusBadRequest, "unreadable body")
		return nil, false
	}
	return body, true
}

// writeLedgerError maps ledger sentinels to statuses. Anything else is a
// store failure and gets storeStatus so callers retry.
func (h *Handler) writeLedgerError(c *gin.Context, err error, storeStatus int) {
	status := storeStatus
	switch {
	case errors.Is(err, ledger.ErrExpiredReceipt),
		errors.Is(err, ledger.ErrMalformedAmount),
		errors.Is(err, ledger.ErrNegativeAmount),
		errors.Is(err, ledger.ErrInvalidBalanceID):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrUnknownBalance):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrAmountOverflow),
		errors.Is(err, ledger.ErrCreditOverflow),
		errors.Is(err, ledger.ErrSpendOverflow),
		errors.Is(err, ledger.ErrBalanceOverflow),
		errors.Is(err, ledger.ErrInsufficientBalance):
		status = http.StatusConflict
	default:
		h.logger().Error("ledger store failure", zap.Error(err))
	}
	writeError(c, status, err.Error())
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

// splitAction splits "alice:spend" at the last colon.
func splitAction(param string) (id, action string, ok bool) {
	i := strings.LastIndex(param, ":")
	if i <= 0 || i == len(param)-1 {
		return "", "", false
	}
	return param[:i], param[i+1:], true
}

func writeAmount(c *gin.Context, amount int64) {
	c.String(http.StatusOK, strconv.FormatInt(amount, 10))
}

func writeError(c *gin.Context, status int, msg string) {
	c.JSON(status, types.ErrorResponse{Error: msg})
}
