package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, generation *Generation) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Generation, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, limit, offset int) ([]Generation, int64, error)
	// MarkTerminal moves a processing record to a terminal status. It reports
	// false when the record already left processing.
	MarkTerminal(ctx context.Context, db *gorm.DB, id snowflake.ID, term Termination) (bool, error)
	// UpdateMetadata replaces the metadata document of a record.
	UpdateMetadata(ctx context.Context, db *gorm.DB, id snowflake.ID, metadata datatypes.JSONMap, at time.Time) error
	FailStale(ctx context.Context, db *gorm.DB, before time.Time, reason string, now time.Time, limit int) (int64, error)
}
