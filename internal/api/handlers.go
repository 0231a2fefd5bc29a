package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": "unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now().UTC()})
}

func (s *Server) handleListAgents(c *gin.Context) {
	agents, err := s.store.AllAgents(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, agents)
}

func (s *Server) agentIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid agent id")
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetAgent(c *gin.Context) {
	id, ok := s.agentIDParam(c)
	if !ok {
		return
	}
	agent, found, err := s.store.AgentByID(c.Request.Context(), id)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		errorResponse(c, http.StatusNotFound, "agent not found")
		return
	}
	successResponse(c, agent)
}

func (s *Server) handleAgentPositions(c *gin.Context) {
	id, ok := s.agentIDParam(c)
	if !ok {
		return
	}
	limit := queryLimit(c, 50)
	positions, err := s.store.AgentPositions(c.Request.Context(), id, limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, positions)
}

func (s *Server) handleAgentLogs(c *gin.Context) {
	id, ok := s.agentIDParam(c)
	if !ok {
		return
	}
	limit := queryLimit(c, 100)
	logs, err := s.store.RecentLogs(c.Request.Context(), id, limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, logs)
}

func (s *Server) handleRecentSignals(c *gin.Context) {
	limit := queryLimit(c, 50)
	signals, err := s.store.RecentSignals(c.Request.Context(), c.Param("symbol"), c.Param("timeframe"), limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, signals)
}

func (s *Server) handleZones(c *gin.Context) {
	zones, err := s.store.Zones(c.Request.Context(), c.Param("symbol"), c.Param("timeframe"))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, zones)
}

func queryLimit(c *gin.Context, fallback int) int {
	raw := c.Query("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{"error": true, "message": message})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}
