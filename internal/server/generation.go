package server

import (
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"

	"github.com/gin-gonic/gin"
	generationdomain "github.com/smallbiznis/voxa/internal/generation/domain"
	"github.com/smallbiznis/voxa/internal/observability/logger"
	"github.com/smallbiznis/voxa/internal/storage"
	"github.com/smallbiznis/voxa/pkg/db/pagination"
	"go.uber.org/zap"
)

const (
	HeaderGenerationID     = "X-Generation-Id"
	HeaderAudioURL         = "X-Audio-Url"
	HeaderCreditsRemaining = "X-Credits-Remaining"
	HeaderTextLength       = "X-Text-Length"

	audioContentType  = "audio/wav"
	audioCacheControl = "public, max-age=31536000"
	streamChunkSize   = 32 * 1024
)

var audioFilenamePattern = regexp.MustCompile(`^[0-9]+\.wav$`)

// GenerateStream starts a generation and writes audio to the response as it
// arrives. Once headers are sent, failures can only truncate the body; the
// record carries the terminal status.
func (s *Server) GenerateStream(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req generationdomain.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	result, err := s.generationSvc.Generate(ctx, identity.UserID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	defer result.Audio.Close()

	header := c.Writer.Header()
	header.Set("Content-Type", audioContentType)
	header.Set("Cache-Control", "no-cache")
	header.Set(HeaderGenerationID, result.Generation.ID.String())
	header.Set(HeaderAudioURL, result.Generation.AudioURL)
	header.Set(HeaderCreditsRemaining, strconv.FormatInt(result.CreditsRemaining, 10))
	header.Set(HeaderTextLength, strconv.FormatInt(result.TextLength, 10))
	header.Set("Access-Control-Expose-Headers",
		HeaderGenerationID+", "+HeaderAudioURL+", "+HeaderCreditsRemaining+", "+HeaderTextLength)
	c.Status(http.StatusOK)

	written, err := copyFlushing(c, result.Audio)
	log := logger.FromContext(ctx).With(
		zap.String("generation_id", result.Generation.ID.String()),
		zap.Int64("bytes", written),
	)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		log.Info("client went away during stream")
	default:
		log.Warn("audio stream interrupted", zap.Error(err))
	}
}

// Generate runs a generation to completion and returns the settled record.
func (s *Server) Generate(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req generationdomain.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.generationSvc.GenerateFull(c.Request.Context(), identity.UserID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"generation":       result.Generation,
		"creditsRemaining": result.CreditsRemaining,
	})
}

func (s *Server) ListGenerations(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.generationSvc.List(c.Request.Context(), identity.UserID, query)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetGenerationByID(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	generation, err := s.generationSvc.Get(c.Request.Context(), identity.UserID, c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, generation)
}

// ServeAudio streams a persisted audio file. Files appear only after the
// generation finished persisting.
func (s *Server) ServeAudio(c *gin.Context) {
	filename := c.Param("filename")
	if !audioFilenamePattern.MatchString(filename) {
		AbortWithError(c, newValidationError("filename", "invalid_filename", "invalid audio filename"))
		return
	}

	rc, size, err := s.store.Open(c.Request.Context(), filename)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			AbortWithError(c, ErrNotFound)
			return
		}
		AbortWithError(c, err)
		return
	}
	defer rc.Close()

	c.Header("Cache-Control", audioCacheControl)
	c.DataFromReader(http.StatusOK, size, audioContentType, rc, nil)
}

func copyFlushing(c *gin.Context, src io.Reader) (int64, error) {
	buf := make([]byte, streamChunkSize)
	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			m, writeErr := c.Writer.Write(buf[:n])
			written += int64(m)
			if writeErr != nil {
				return written, writeErr
			}
			c.Writer.Flush()
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
