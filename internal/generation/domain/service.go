package domain

import (
	"context"
	"errors"
	"io"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/voxa/pkg/db/pagination"
)

// Stage is a step of the generation pipeline.
type Stage string

const (
	StageValidating Stage = "validating"
	StageAuthorized Stage = "authorized"
	StageReserved   Stage = "reserved"
	StageStreaming  Stage = "streaming"
	StagePersisting Stage = "persisting"
	StageDelivered  Stage = "delivered"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// StreamResult is returned once audio has started flowing. Audio must be
// closed by the caller; closing it early does not affect persistence.
type StreamResult struct {
	Generation       *Generation
	Audio            io.ReadCloser
	CreditsRemaining int64
	TextLength       int64
	// Settled is closed after the record reached its terminal status.
	Settled <-chan struct{}
}

// FullResult is a buffered generation.
type FullResult struct {
	Generation       *Generation
	Audio            []byte
	CreditsRemaining int64
}

type ListResponse struct {
	pagination.PageInfo
	Generations []Generation `json:"generations"`
}

type Service interface {
	Generate(ctx context.Context, userID snowflake.ID, req Request) (*StreamResult, error)
	GenerateFull(ctx context.Context, userID snowflake.ID, req Request) (*FullResult, error)
	Get(ctx context.Context, userID snowflake.ID, id string) (*Generation, error)
	List(ctx context.Context, userID snowflake.ID, page pagination.Pagination) (ListResponse, error)
	FailStale(ctx context.Context, limit int) (int64, error)
	// Shutdown waits for in-flight persistence to finish.
	Shutdown(ctx context.Context) error
}

var (
	ErrInvalidGeneration  = errors.New("invalid_generation")
	ErrGenerationNotFound = errors.New("generation_not_found")
	ErrShuttingDown       = errors.New("shutting_down")
)
