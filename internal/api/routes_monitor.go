package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/kargono/kgnet/internal/db"
	"github.com/kargono/kgnet/internal/network"
	"github.com/kargono/kgnet/internal/util"
)

const defaultListLimit = 50

// parseIndex reads the :index path parameter. It writes a 400 and returns
// false when the value is not a client index.
func parseIndex(c *gin.Context) (network.ClientIndex, bool) {
	n, err := strconv.ParseUint(c.Param("index"), 10, 8)
	if err != nil || network.ClientIndex(n) == network.InvalidClientIndex {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client index"})
		return 0, false
	}
	return network.ClientIndex(n), true
}

func parseLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > 1000 {
		limit = 1000
	}
	return limit
}

func (s *Server) handleConnections(c *gin.Context) {
	conns := s.transport.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"count":       len(conns),
		"max_clients": s.transport.MaxClients(),
		"connections": conns,
	})
}

func (s *Server) handleConnection(c *gin.Context) {
	idx, ok := parseIndex(c)
	if !ok {
		return
	}
	for _, info := range s.transport.Snapshot() {
		if info.Index == idx {
			c.JSON(http.StatusOK, info)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no client at index", "index": idx})
}

func (s *Server) requireHistory(c *gin.Context) bool {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session history is disabled"})
		return false
	}
	return true
}

func (s *Server) handleSessions(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}
	sessions, err := s.history.Recent(parseLimit(c))
	if err != nil {
		log.Error().Err(err).Msg("API: failed to list sessions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = []db.SessionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(sessions), "sessions": sessions})
}

func (s *Server) handleSession(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}
	rec, err := s.history.Get(c.Param("id"))
	if errors.Is(err, db.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDenials(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}
	denials, err := s.history.Denials(parseLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if denials == nil {
		denials = []db.DenialRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(denials), "denials": denials})
}

func (s *Server) handleSystem(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"system": util.GetSystemInfo(),
		"usage":  util.GetUsage("."),
	})
}
