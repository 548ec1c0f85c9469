package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/proxy-pool-manager/internal/manager"
	"github.com/proxy-pool-manager/internal/monitors"
	"github.com/proxy-pool-manager/internal/types"
	log "github.com/sirupsen/logrus"
)

const maxProvisionBatch = 100

type acquireResponse struct {
	Proxy       *types.Proxy `json:"proxy"`
	AuthURL     string       `json:"auth_url"`
	HealthScore float64      `json:"health_score"`
}

type provisionRequest struct {
	Count int `json:"count"`
}

func (r provisionRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Count, validation.Required, validation.Min(1), validation.Max(maxProvisionBatch)),
	)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleAcquire(c *gin.Context) {
	var req types.Requirements
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid requirements: " + err.Error()})
			return
		}
	}

	p, err := s.pool.GetProxy(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err, http.StatusServiceUnavailable)
		return
	}

	c.JSON(http.StatusOK, acquireResponse{
		Proxy:       p,
		AuthURL:     p.AuthURL(),
		HealthScore: p.HealthScore(time.Now()),
	})
}

func (s *Server) handleUsage(c *gin.Context) {
	var usage types.Usage
	if err := c.ShouldBindJSON(&usage); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid usage report: " + err.Error()})
		return
	}
	if usage.ResponseTimeMS < 0 || usage.BandwidthMB < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Response time and bandwidth must not be negative"})
		return
	}

	ctx := c.Request.Context()
	p, err := s.pool.Lookup(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err, http.StatusNotFound)
		return
	}

	if err := s.pool.ReportUsage(ctx, p, usage); err != nil {
		s.writeError(c, err, http.StatusServiceUnavailable)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"proxy_id":     p.ID,
		"requests":     p.Requests,
		"failure_rate": p.FailureRate(),
	})
}

func (s *Server) handleProvision(c *gin.Context) {
	var req provisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid provision request: " + err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	log.Infof("Manual provisioning of %d proxies triggered via API", req.Count)
	added := s.pool.Provision(c.Request.Context(), req.Count)

	c.JSON(http.StatusOK, gin.H{"requested": req.Count, "provisioned": added})
}

func (s *Server) handleStats(c *gin.Context) {
	ctx := c.Request.Context()

	stats, err := s.pool.GetStats(ctx)
	if err != nil {
		s.writeError(c, err, http.StatusServiceUnavailable)
		return
	}

	response := gin.H{"pool": stats}
	if s.monitors != nil {
		if n, err := s.monitors.ActiveCount(ctx); err == nil {
			response["active_monitors"] = n
		} else {
			log.Warnf("Failed to count monitors: %v", err)
		}
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) handlePoolHealth(c *gin.Context) {
	if s.snapshot == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No health report yet"})
		return
	}
	c.JSON(http.StatusOK, s.snapshot.Get())
}

func (s *Server) handleCreateMonitor(c *gin.Context) {
	var req monitors.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	m, err := s.monitors.Create(c.Request.Context(), req)
	if err != nil {
		var verrs validation.Errors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		log.Errorf("Failed to create monitor: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "monitor_id": m.ID, "monitor": m})
}

func (s *Server) handleStopMonitor(c *gin.Context) {
	err := s.monitors.Stop(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, monitors.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
	case err != nil:
		log.Errorf("Failed to stop monitor: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// writeError maps pool errors onto status codes. notFound is used for
// ErrNoProxy since its meaning depends on the endpoint.
func (s *Server) writeError(c *gin.Context, err error, notFound int) {
	switch {
	case errors.Is(err, manager.ErrNoProxy):
		c.JSON(notFound, gin.H{"error": err.Error()})
	case errors.Is(err, manager.ErrStoreUnavailable), errors.Is(err, manager.ErrShuttingDown):
		log.Errorf("Pool unavailable: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		log.Errorf("Pool request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
