package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// getStatus is the composite health object: connection states, strategy
// count, kill-switch state and headline metrics in one call.
func (s *Server) getStatus(c *gin.Context) {
	status := gin.H{
		"executorId": s.Meta.ExecutorID,
		"version":    s.Meta.Version,
		"uptime":     time.Since(s.started).Round(time.Second).String(),
	}

	if s.Supervisor != nil {
		status["connections"] = s.Supervisor.Snapshot()
	}
	if s.Registry != nil {
		status["activeStrategies"] = s.Registry.Len()
	}
	if s.KillSwitch != nil {
		status["killSwitch"] = s.KillSwitch.Info()
	}
	if s.Metrics != nil {
		status["metrics"] = s.Metrics.GetSnapshot()
	}

	c.JSON(http.StatusOK, status)
}

func (s *Server) getConnections(c *gin.Context) {
	if s.Supervisor == nil {
		c.JSON(http.StatusOK, gin.H{"connections": gin.H{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": s.Supervisor.Snapshot()})
}

func (s *Server) getStrategies(c *gin.Context) {
	strategies := s.Registry.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"count":      len(strategies),
		"strategies": strategies,
	})
}

func (s *Server) getRecentSignals(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	signals, err := s.DB.RecentSignals(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals})
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) getLogs(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	if s.Logs == nil {
		c.JSON(http.StatusOK, gin.H{"lines": []string{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lines": s.Logs.Tail(limit)})
}

// startStrategy activates a strategy from the local surface, through the same
// lifecycle path a cloud START_STRATEGY command takes.
func (s *Server) startStrategy(c *gin.Context) {
	if s.Monitor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":  "MONITOR_UNAVAILABLE",
			"error": "strategy monitor not running",
		})
		return
	}

	var params map[string]any
	if err := c.BindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}

	if err := s.Monitor.StartStrategy(c.Request.Context(), params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_STRATEGY",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"started": true})
}

func (s *Server) stopStrategy(c *gin.Context) {
	if s.Monitor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":  "MONITOR_UNAVAILABLE",
			"error": "strategy monitor not running",
		})
		return
	}

	id := c.Param("id")
	if err := s.Monitor.StopStrategy(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "stopped": true})
}

func (s *Server) getKillSwitch(c *gin.Context) {
	c.JSON(http.StatusOK, s.KillSwitch.Info())
}

func (s *Server) tripKillSwitch(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.BindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual trip via status api"
	}

	s.KillSwitch.Trip(req.Reason, "operator")
	c.JSON(http.StatusOK, s.KillSwitch.Info())
}

// resetKillSwitch re-arms trading. Monitoring loops do not restart
// automatically; the control plane (or a restart) re-issues START commands.
func (s *Server) resetKillSwitch(c *gin.Context) {
	s.KillSwitch.Reset("operator")
	c.JSON(http.StatusOK, s.KillSwitch.Info())
}

// setAttached records the operator's confirmation that the terminal-side
// expert is attached to the chart. Informational only.
func (s *Server) setAttached(c *gin.Context) {
	id := c.Param("id")
	var req struct {
		Attached bool `json:"attached"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}

	if err := s.Registry.SetAttached(c.Request.Context(), id, req.Attached); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "UNKNOWN_STRATEGY",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "attached": req.Attached})
}
