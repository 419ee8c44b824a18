package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/claim"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/ledger"
)

// Claimer is satisfied by payout.Engine.
// Decoupled here so handler tests can use a mock.
type Claimer interface {
	SubmitClaim(ctx context.Context, address, assetSymbol, network string) claim.Result
	Lookup(ctx context.Context, address, assetSymbol, network string) (ledger.Entry, error)
	Networks() []string
}

type claimRequest struct {
	Address string `json:"address" binding:"required"`
	Asset   string `json:"asset"`
	Network string `json:"network"`
}

type statusResponse struct {
	Address string `json:"address"`
	Asset   string `json:"asset,omitempty"`
	Network string `json:"network,omitempty"`
	State   string `json:"state"`
	TxHash  string `json:"tx_hash,omitempty"`
}

// Handler exposes the engine to HTTP claim sources.
type Handler struct {
	claims Claimer
	log    *zap.Logger
}

func NewHandler(claims Claimer, log *zap.Logger) *Handler {
	return &Handler{claims: claims, log: log}
}

// Register mounts the claim routes. Auth and dedup middleware should already
// be applied to the group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/claim", h.handleClaim)
	rg.GET("/claim/:address", h.handleStatus)
}

// Health serves GET /healthz.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "networks": h.claims.Networks()})
}

func (h *Handler) handleClaim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, claim.Result{
			Status:  claim.ResultRejected,
			Kind:    claim.KindValidation.String(),
			Message: "invalid request body",
		})
		return
	}

	// A client hanging up mid-claim must not cut the payout short.
	res := h.claims.SubmitClaim(context.WithoutCancel(c.Request.Context()), req.Address, req.Asset, req.Network)
	h.log.Info("claim handled",
		zap.String("claim", res.ClaimID),
		zap.String("address", req.Address),
		zap.String("status", string(res.Status)),
		zap.String("kind", res.Kind),
		zap.String("request_id", c.GetString("request_id")),
	)
	c.JSON(httpStatus(res), res)
}

func (h *Handler) handleStatus(c *gin.Context) {
	address := c.Param("address")
	asset := c.Query("asset")
	network := c.Query("network")

	e, err := h.claims.Lookup(c.Request.Context(), address, asset, network)
	if err != nil {
		var ce *claim.Error
		if errors.As(err, &ce) && ce.Kind == claim.KindValidation {
			c.JSON(http.StatusBadRequest, gin.H{"error": ce.Reason})
			return
		}
		h.log.Error("status lookup", zap.String("address", address), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable"})
		return
	}
	c.JSON(http.StatusOK, statusResponse{
		Address: address,
		Asset:   asset,
		Network: network,
		State:   e.State.String(),
		TxHash:  e.TxHash,
	})
}

// httpStatus maps a claim result to a response code. The body always carries
// the status and message.
func httpStatus(res claim.Result) int {
	if res.Status == claim.ResultConfirmed {
		return http.StatusOK
	}
	switch res.Kind {
	case claim.KindValidation.String():
		return http.StatusBadRequest
	case claim.KindNotEligible.String():
		return http.StatusForbidden
	case claim.KindAlreadyPaid.String():
		return http.StatusConflict
	case claim.KindInsufficientFunds.String(), claim.KindTransientRPC.String():
		return http.StatusServiceUnavailable
	case claim.KindConfirmationTimeout.String(), claim.KindAmbiguous.String():
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
