package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/store"
)

const storeTimeout = 2 * time.Second

func (s *Server) handleHealthz(c *gin.Context) {
	body := gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	}

	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
		defer cancel()
		if err := s.deps.Store.HealthCheck(ctx); err != nil {
			body["status"] = "degraded"
			body["store"] = "unavailable"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["store"] = "ok"
	}

	c.JSON(http.StatusOK, body)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Engine.Status())
}

func (s *Server) handlePositions(c *gin.Context) {
	positions := s.deps.Engine.Positions()
	if positions == nil {
		positions = []map[string]interface{}{}
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) handleRecentEvents(c *gin.Context) {
	limit := parseLimit(c, 50, 500)

	var evs []events.Event
	if s.deps.Events != nil {
		evs = s.deps.Events.Recent(limit)
	}
	if evs == nil {
		evs = []events.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

func (s *Server) handleRecentTrades(c *gin.Context) {
	limit := parseLimit(c, 50, 500)
	symbol := strings.ToUpper(c.Query("symbol"))

	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()

	trades, err := s.deps.Store.RecentTrades(ctx, symbol, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("recent trades query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trade history unavailable"})
		return
	}
	if trades == nil {
		trades = []*store.TradeRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func parseLimit(c *gin.Context, def, max int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
