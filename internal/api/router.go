package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter wires the verifier, balance and proxy routes onto a gin engine.
func NewRouter(h *Handler) *gin.Engine {
	logger := h.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()
	// Proxied paths embed URLs; they must reach the proxy untouched.
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(requestID(), requestLogger(logger), gin.Recovery(), cors())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/verify", h.Verify)
	r.POST("/receipts", h.Receipts)

	balances := r.Group("/balances")
	balances.Use(h.requireAuth)
	balances.GET("/:id", h.Balance)
	balances.POST("/:id", h.BalanceAction)

	r.GET("/.well-known/pay", h.Pay)
	r.NoRoute(func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			writeError(c, http.StatusNotFound, "not found")
			return
		}
		h.Pay(c)
	})
	return r
}
