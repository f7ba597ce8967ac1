package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/kargono/kgnet/internal/protocol"
	"github.com/kargono/kgnet/internal/server"
)

// messageRequest is the body of the message and broadcast endpoints. The
// text is sent as a single string field.
type messageRequest struct {
	Type *uint32 `json:"type"`
	Text string  `json:"text" binding:"required"`
}

func (r messageRequest) build() *protocol.Message {
	typ := protocol.MsgServerMessage
	if r.Type != nil {
		typ = protocol.MessageType(*r.Type)
	}
	msg := protocol.NewMessage(typ)
	msg.AppendString(r.Text)
	return msg
}

func transportStatus(err error) int {
	switch {
	case errors.Is(err, server.ErrUnknownClient):
		return http.StatusNotFound
	case errors.Is(err, server.ErrNotRunning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleKick(c *gin.Context) {
	idx, ok := parseIndex(c)
	if !ok {
		return
	}

	if err := s.transport.Kick(idx); err != nil {
		c.JSON(transportStatus(err), gin.H{"error": err.Error(), "index": idx})
		return
	}

	log.Info().Int("index", int(idx)).Str("client_ip", c.ClientIP()).Msg("API: client kicked")
	c.JSON(http.StatusOK, gin.H{"status": "kicked", "index": idx})
}

func (s *Server) handleMessage(c *gin.Context) {
	idx, ok := parseIndex(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.transport.SendMessage(idx, req.build()); err != nil {
		c.JSON(transportStatus(err), gin.H{"error": err.Error(), "index": idx})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent", "index": idx})
}

func (s *Server) handleBroadcast(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sent, err := s.transport.Broadcast(req.build())
	if err != nil {
		c.JSON(transportStatus(err), gin.H{"error": err.Error(), "sent": sent})
		return
	}

	log.Info().Int("recipients", sent).Msg("API: broadcast sent")
	c.JSON(http.StatusOK, gin.H{"status": "sent", "recipients": sent})
}
