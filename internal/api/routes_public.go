package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kargono/kgnet/internal/health"
	"github.com/kargono/kgnet/internal/scheduler"
)

// Version is reported by the ping and server info endpoints.
var Version = "0.1.0"

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "kgnet",
		"version": Version,
	})
}

func (s *Server) handleServerInfo(c *gin.Context) {
	uptime := s.transport.Uptime()
	c.JSON(http.StatusOK, gin.H{
		"address":           s.transport.LocalAddr().String(),
		"app_id":            uint16(s.transport.AppID()),
		"clients":           s.transport.NumClients(),
		"max_clients":       s.transport.MaxClients(),
		"uptime_sec":        int64(uptime.Seconds()),
		"uptime":            scheduler.FormatUptime(uptime),
		"dropped_datagrams": s.transport.Dropped(),
		"version":           Version,
	})
}

// handleHealth returns the latest report. A critical status answers 503.
func (s *Server) handleHealth(c *gin.Context) {
	report := s.health.Last()
	status := http.StatusOK
	if report.Status == health.LevelCritical {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
