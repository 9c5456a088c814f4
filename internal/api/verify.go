package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/officialcmg/echo/internal/attest"
	"github.com/officialcmg/echo/internal/export"
	"github.com/officialcmg/echo/internal/verify"
	"go.uber.org/zap"
)

// VerifyHandler verifies uploaded artifacts. It holds no session state, so a
// third party can check a recording without trusting the recorder.
type VerifyHandler struct {
	verifier *verify.Verifier
	issuer   *attest.Issuer
	logger   *zap.Logger
}

// NewVerifyHandler creates a VerifyHandler. issuer may be nil, which disables
// attestations.
func NewVerifyHandler(v *verify.Verifier, issuer *attest.Issuer, logger *zap.Logger) *VerifyHandler {
	return &VerifyHandler{verifier: v, issuer: issuer, logger: logger}
}

// Register mounts the verification routes on the given router group.
func (h *VerifyHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/verify", h.Verify)
	a := rg.Group("/attestations")
	{
		a.GET("/key", h.Key)
		a.POST("/check", h.Check)
	}
}

type verifyResponse struct {
	Report      *verify.Report `json:"report"`
	Attestation string         `json:"attestation,omitempty"`
}

// Verify handles POST /verify. The body is an exported artifact.
func (h *VerifyHandler) Verify(c *gin.Context) {
	policy, err := policyFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	wantAttest, err := boolQuery(c, "attest")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if wantAttest && h.issuer == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "attestations are not configured"})
		return
	}

	a, err := export.Decode(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := h.verifier.Verify(c.Request.Context(), a.VerifyInput(), policy)
	if err != nil {
		h.logger.Error("verify artifact", zap.String("chain_id", a.ChainID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify artifact"})
		return
	}
	RecordVerification(string(report.Verdict))

	resp := verifyResponse{Report: report}
	if wantAttest {
		tok, err := h.issuer.Issue(a.ChainID, report)
		if err != nil {
			h.logger.Error("issue attestation", zap.String("chain_id", a.ChainID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue attestation"})
			return
		}
		resp.Attestation = tok
	}
	c.JSON(http.StatusOK, resp)
}

// Key handles GET /attestations/key.
func (h *VerifyHandler) Key(c *gin.Context) {
	if h.issuer == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "attestations are not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alg": "EdDSA", "public_key": h.issuer.PublicKeyHex()})
}

// Check handles POST /attestations/check. It validates a token issued by this
// server and returns its claims.
func (h *VerifyHandler) Check(c *gin.Context) {
	if h.issuer == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "attestations are not configured"})
		return
	}
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, err := h.issuer.Verify(req.Token)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "claims": claims})
}
