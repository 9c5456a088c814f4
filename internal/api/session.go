package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/officialcmg/echo/internal/chain"
	"github.com/officialcmg/echo/internal/export"
	"github.com/officialcmg/echo/internal/recorder"
	"go.uber.org/zap"
)

const (
	headerSegmentIndex = "X-Segment-Index"
	headerCapturedAt   = "X-Captured-At"
)

// SessionHandler exposes recording sessions over HTTP.
type SessionHandler struct {
	mgr    *recorder.Manager
	logger *zap.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(mgr *recorder.Manager, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{mgr: mgr, logger: logger}
}

// Register mounts the session routes on the given router group.
func (h *SessionHandler) Register(rg *gin.RouterGroup) {
	s := rg.Group("/sessions")
	{
		s.POST("", h.Start)
		s.GET("/:id", h.Get)
		s.POST("/:id/segments", h.Ingest)
		s.POST("/:id/seal", h.Seal)
		s.GET("/:id/export", h.Export)
		s.GET("/:id/verify", h.Verify)
		s.GET("/:id/revisions/:idx", h.GetRevision)
		s.POST("/:id/revisions/:idx/signature", h.AttachSignature)
		s.POST("/:id/revisions/:idx/witness", h.Witness)
	}
}

// Start handles POST /sessions.
func (h *SessionHandler) Start(c *gin.Context) {
	s, err := h.mgr.Start(c.Request.Context())
	if err != nil {
		h.fail(c, "start session", err)
		return
	}
	c.JSON(http.StatusCreated, s.Info())
}

// Get handles GET /sessions/:id.
func (h *SessionHandler) Get(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.Info())
}

// Ingest handles POST /sessions/:id/segments. The body is the raw chunk; the
// index and capture time travel in headers.
func (h *SessionHandler) Ingest(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	idx, err := strconv.ParseUint(c.GetHeader(headerSegmentIndex), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": headerSegmentIndex + " must be a non-negative integer"})
		return
	}
	var capturedAt time.Time
	if v := c.GetHeader(headerCapturedAt); v != "" {
		capturedAt, err = time.Parse(time.RFC3339Nano, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": headerCapturedAt + " must be RFC 3339"})
			return
		}
	}
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read segment body"})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "segment body is empty"})
		return
	}

	rev, err := s.Ingest(c.Request.Context(), chain.Segment{Index: idx, Data: data, CapturedAt: capturedAt})
	if err != nil {
		h.fail(c, "ingest segment", err)
		return
	}
	c.JSON(http.StatusCreated, rev)
}

// Seal handles POST /sessions/:id/seal.
func (h *SessionHandler) Seal(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	info, err := s.Seal(c.Request.Context())
	if err != nil {
		h.fail(c, "seal session", err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Export handles GET /sessions/:id/export.
func (h *SessionHandler) Export(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	a, err := s.Export(c.Request.Context())
	if err != nil {
		h.fail(c, "export session", err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+s.ID()+`.json"`)
	c.Header("Content-Type", "application/json")
	c.Status(http.StatusOK)
	if err := export.Encode(c.Writer, a); err != nil {
		h.logger.Error("encode artifact", zap.String("session_id", s.ID()), zap.Error(err))
	}
}

// Verify handles GET /sessions/:id/verify, verifying the stored chain.
func (h *SessionHandler) Verify(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	policy, err := policyFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	report, err := s.Verify(c.Request.Context(), policy)
	if err != nil {
		h.fail(c, "verify session", err)
		return
	}
	RecordVerification(string(report.Verdict))
	c.JSON(http.StatusOK, report)
}

// GetRevision handles GET /sessions/:id/revisions/:idx.
func (h *SessionHandler) GetRevision(c *gin.Context) {
	s, idx, ok := h.revision(c)
	if !ok {
		return
	}
	rev, err := s.Revision(idx)
	if err != nil {
		h.fail(c, "get revision", err)
		return
	}
	c.JSON(http.StatusOK, rev)
}

// AttachSignature handles POST /sessions/:id/revisions/:idx/signature. Keys
// never reach the server: the client signs the selfHash and posts the result.
func (h *SessionHandler) AttachSignature(c *gin.Context) {
	s, idx, ok := h.revision(c)
	if !ok {
		return
	}
	var sig chain.Signature
	if err := c.ShouldBindJSON(&sig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rev, err := s.AttachSignature(c.Request.Context(), idx, sig)
	if err != nil {
		h.fail(c, "attach signature", err)
		return
	}
	c.JSON(http.StatusOK, rev)
}

// Witness handles POST /sessions/:id/revisions/:idx/witness. The request is
// dispatched in the background and answered with 202, unless ?wait=true asks
// for the receipt.
func (h *SessionHandler) Witness(c *gin.Context) {
	s, idx, ok := h.revision(c)
	if !ok {
		return
	}

	if c.Query("wait") == "true" {
		receipt, err := s.WitnessNow(c.Request.Context(), idx)
		if err != nil {
			h.fail(c, "witness revision", err)
			return
		}
		c.JSON(http.StatusOK, receipt)
		return
	}

	if err := s.Witness(idx); err != nil {
		h.fail(c, "witness revision", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": s.ID(), "sequence_index": idx, "status": "pending"})
}

func (h *SessionHandler) session(c *gin.Context) (*recorder.Session, bool) {
	s, err := h.mgr.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "load session", err)
		return nil, false
	}
	return s, true
}

func (h *SessionHandler) revision(c *gin.Context) (*recorder.Session, uint64, bool) {
	idx, err := strconv.ParseUint(c.Param("idx"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return nil, 0, false
	}
	s, ok := h.session(c)
	if !ok {
		return nil, 0, false
	}
	return s, idx, true
}

func (h *SessionHandler) fail(c *gin.Context, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(op, zap.String("session_id", c.Param("id")), zap.Error(err))
		c.JSON(status, gin.H{"error": "failed to " + op})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
