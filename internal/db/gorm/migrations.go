// Package gorm provides the GORM-backed durable notebook store for coachnote.
package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: notebooks table
		{
			ID: "001_notebooks",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&NotebookRow{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("notebooks")
			},
		},

		// Migration 002: therapist/status lookup for restoring active sessions
		{
			ID: "002_notebooks_therapist_status",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_notebooks_therapist_status
					ON notebooks(therapist_id, status, saved_at_epoch DESC)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP INDEX IF EXISTS idx_notebooks_therapist_status").Error
			},
		},
	})

	return m.Migrate()
}
