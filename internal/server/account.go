package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type voiceResponse struct {
	VoiceID string `json:"voice_id"`
	Name    string `json:"name"`
	Source  string `json:"source"`
}

// GetMe returns the caller and their current subscription, if any.
func (s *Server) GetMe(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	summary, err := s.subscriptionSvc.Summary(c.Request.Context(), identity.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user": gin.H{
			"id":    identity.UserID.String(),
			"email": identity.Email,
			"role":  identity.Role,
		},
		"subscription": summary,
	})
}

func (s *Server) ListLanguages(c *gin.Context) {
	c.JSON(http.StatusOK, s.gateway.Languages(c.Request.Context()))
}

// ListVoices returns the built-in speakers followed by the caller's clones.
func (s *Server) ListVoices(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	clones, err := s.voiceRepo.ListActiveByUser(c.Request.Context(), s.db, identity.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	catalogue := s.catalogue.Get()
	voices := make([]voiceResponse, 0, len(catalogue.DefaultSpeakers)+len(clones))
	for _, speaker := range catalogue.DefaultSpeakers {
		voices = append(voices, voiceResponse{VoiceID: speaker, Name: speaker, Source: "default"})
	}
	for _, clone := range clones {
		voices = append(voices, voiceResponse{VoiceID: clone.VoiceID, Name: clone.Name, Source: "clone"})
	}

	c.JSON(http.StatusOK, gin.H{"voices": voices})
}

// SynthesisHealth reports whether the speech engine is reachable.
func (s *Server) SynthesisHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	health, err := s.gateway.Health(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, health)
}
