package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	generationdomain "github.com/smallbiznis/voxa/internal/generation/domain"
	identitydomain "github.com/smallbiznis/voxa/internal/identity/domain"
	subscriptiondomain "github.com/smallbiznis/voxa/internal/subscription/domain"
	voiceclonedomain "github.com/smallbiznis/voxa/internal/voiceclone/domain"
	"github.com/smallbiznis/voxa/pkg/db"
	"gorm.io/gorm"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Run brings the schema up to date. Postgres uses the versioned SQL files;
// the other dialects are for local development and are auto-migrated from
// the models.
func Run(conn *gorm.DB, dbType string) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	if dbType == db.TypePostgres {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}
	return AutoMigrate(conn, dbType)
}

func RunMigrations(sqlDB *sql.DB) error {
	if sqlDB == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// AutoMigrate creates the tables from the models. SQLite also gets the
// partial unique index that limits a user to one active subscription; MySQL
// has no partial indexes and relies on the transactional check alone.
func AutoMigrate(conn *gorm.DB, dbType string) error {
	if err := conn.AutoMigrate(
		&identitydomain.User{},
		&identitydomain.APIKey{},
		&subscriptiondomain.Subscription{},
		&generationdomain.Generation{},
		&voiceclonedomain.VoiceClone{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	switch dbType {
	case db.TypeSQLite, db.TypeSQLiteCGO:
		if err := conn.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_subscriptions_active_user
			ON subscriptions (user_id) WHERE status = 'active'`).Error; err != nil {
			return fmt.Errorf("create active subscription index: %w", err)
		}
	}
	return nil
}
