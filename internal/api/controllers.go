package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"

	"tradeguard/internal/breaker"
	"tradeguard/internal/killswitch"
	"tradeguard/internal/registry"
	"tradeguard/pkg/db"

	"github.com/gin-gonic/gin"
)

// getStatus returns the full control-plane health snapshot.
func (s *Server) getStatus(c *gin.Context) {
	h := s.Monitor.Health(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"health":  h,
		"dry_run": s.Meta.DryRun,
		"venue":   s.Meta.Venue,
		"version": s.Meta.Version,
	})
}

// getAuditTail returns the newest audit events (?n=100).
func (s *Server) getAuditTail(c *gin.Context) {
	n, _ := strconv.Atoi(c.DefaultQuery("n", "100"))
	events, err := s.Audit.Tail(c.Request.Context(), n)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) getPositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"positions": s.State.Positions(),
		"equity":    s.State.Equity(),
	})
}

// ----------------------------------------
// Breakers
// ----------------------------------------

func (s *Server) getBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": s.Breakers.States()})
}

func (s *Server) resetBreaker(c *gin.Context) {
	kind := breaker.Kind(c.Param("kind"))
	err := s.Breakers.ManualReset(c.Request.Context(), kind, CurrentOperator(c))
	switch {
	case errors.Is(err, breaker.ErrNotTriggered):
		c.JSON(http.StatusConflict, gin.H{
			"code":  "NOT_TRIGGERED",
			"error": err.Error(),
		})
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_BREAKER",
			"error": err.Error(),
		})
	default:
		c.JSON(http.StatusOK, gin.H{"breakers": s.Breakers.States()})
	}
}

// ----------------------------------------
// Kill switch
// ----------------------------------------

func (s *Server) getKillSwitch(c *gin.Context) {
	c.JSON(http.StatusOK, s.KillSwitch.Status())
}

func (s *Server) activateKillSwitch(c *gin.Context) {
	var req struct {
		Mode   string `json:"mode"`
		Reason string `json:"reason"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}

	err := s.KillSwitch.Activate(c.Request.Context(),
		killswitch.Mode(req.Mode), req.Reason,
		CurrentOperator(c), killswitch.Role(CurrentRole(c)))
	if err != nil {
		s.killSwitchError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.KillSwitch.Status())
}

func (s *Server) clearKillSwitch(c *gin.Context) {
	err := s.KillSwitch.Clear(c.Request.Context(),
		CurrentOperator(c), killswitch.Role(CurrentRole(c)))
	if err != nil {
		s.killSwitchError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.KillSwitch.Status())
}

func (s *Server) killSwitchError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, killswitch.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"code":  "UNAUTHORIZED_ROLE",
			"error": err.Error(),
		})
	case errors.Is(err, killswitch.ErrInvalidState), errors.Is(err, killswitch.ErrAlreadySet):
		c.JSON(http.StatusConflict, gin.H{
			"code":  "INVALID_STATE",
			"error": err.Error(),
		})
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_REQUEST",
			"error": err.Error(),
		})
	}
}

// ----------------------------------------
// Models
// ----------------------------------------

func (s *Server) listModels(c *gin.Context) {
	versions, err := s.Registry.List(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": versions})
}

func (s *Server) registerModel(c *gin.Context) {
	var req struct {
		VersionID string `json:"version_id"`
		Blob      string `json:"blob"` // base64
		Metadata  string `json:"metadata"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	blob, err := base64.StdEncoding.DecodeString(req.Blob)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_BLOB",
			"error": "blob must be base64",
		})
		return
	}

	m, err := s.Registry.Register(c.Request.Context(), req.VersionID, blob, req.Metadata)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "REGISTER_FAILED",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (s *Server) startShadow(c *gin.Context) {
	err := s.Registry.StartShadow(c.Request.Context(), c.Param("id"), CurrentOperator(c))
	if err != nil {
		s.registryError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": db.ModelShadow})
}

func (s *Server) promoteModel(c *gin.Context) {
	var req struct {
		SharpeDelta       float64 `json:"sharpe_delta"`
		DrawdownWorsening float64 `json:"drawdown_worsening"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}

	err := s.Registry.Promote(c.Request.Context(), c.Param("id"), CurrentOperator(c),
		registry.Metrics{SharpeDelta: req.SharpeDelta, DrawdownWorsening: req.DrawdownWorsening})
	if err != nil {
		s.registryError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": db.ModelProduction})
}

func (s *Server) rollbackModel(c *gin.Context) {
	dryRun := c.Query("dry_run") == "true"
	record, err := s.Registry.Rollback(c.Request.Context(), CurrentOperator(c), dryRun)
	if err != nil {
		s.registryError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dry_run": dryRun, "plan": record})
}

func (s *Server) registryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "MODEL_NOT_FOUND",
			"error": err.Error(),
		})
	case errors.Is(err, registry.ErrWindowNotMet),
		errors.Is(err, registry.ErrCriteriaNotMet),
		errors.Is(err, registry.ErrWrongStatus),
		errors.Is(err, registry.ErrNoHistory):
		c.JSON(http.StatusConflict, gin.H{
			"code":  "PRECONDITION_FAILED",
			"error": err.Error(),
		})
	case errors.Is(err, registry.ErrChecksumMismatch):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"code":  "CHECKSUM_MISMATCH",
			"error": err.Error(),
		})
	default:
		s.internalError(c, err)
	}
}

func (s *Server) internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":  "INTERNAL_ERROR",
		"error": err.Error(),
	})
}
