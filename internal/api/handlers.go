package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleetforge/fleet-medic/internal/models"
)

type patternResponse struct {
	Kind       models.ErrorKind     `json:"kind"`
	Severity   models.Severity      `json:"severity"`
	Match      string               `json:"match"`
	Strategies []models.StrategyRef `json:"strategies"`
}

type rebuildRequest struct {
	Target string `json:"target"`
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) startMonitoring(c *gin.Context) {
	if err := s.monitor.Start(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"monitoring": true})
}

func (s *Server) stopMonitoring(c *gin.Context) {
	s.monitor.Stop()
	c.JSON(http.StatusOK, gin.H{"monitoring": false})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.monitor.Status())
}

func (s *Server) listIncidents(c *gin.Context) {
	snapshot := s.monitor.Status()
	active := snapshot.ActiveIncidents
	recent := snapshot.RecentErrors

	if state := c.Query("state"); state != "" {
		active = filterByState(active, models.IncidentState(state))
		recent = filterByState(recent, models.IncidentState(state))
	}
	c.JSON(http.StatusOK, gin.H{
		"active": active,
		"recent": recent,
	})
}

func filterByState(incidents []models.Incident, state models.IncidentState) []models.Incident {
	out := make([]models.Incident, 0, len(incidents))
	for _, inc := range incidents {
		if inc.State == state {
			out = append(out, inc)
		}
	}
	return out
}

func (s *Server) listPatterns(c *gin.Context) {
	patterns := s.catalog.Patterns()
	out := make([]patternResponse, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, patternResponse{
			Kind:       p.Kind,
			Severity:   p.Severity,
			Match:      p.Match,
			Strategies: p.Strategies,
		})
	}
	c.JSON(http.StatusOK, gin.H{"patterns": out})
}

func (s *Server) manualFix(c *gin.Context) {
	var req models.ManualFixRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	incident, err := s.monitor.ManualFix(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"incident": incident})
}

func (s *Server) rebuild(c *gin.Context) {
	var req rebuildRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	if err := s.monitor.Rebuild(c.Request.Context(), req.Target); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) restartAll(c *gin.Context) {
	if err := s.monitor.RestartAll(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) cleanup(c *gin.Context) {
	s.monitor.Cleanup()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
