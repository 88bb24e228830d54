// Package db opens the PostgreSQL store and owns the persisted entity
// model. Repository implementations live in db/repository; nothing
// outside that package issues SQL.
package db

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/recasthq/recast/config"
)

// Open connects to PostgreSQL and applies the pool settings.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(cfg.URL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	return gdb, nil
}

// tenantTables are protected by row-level security policies keyed on
// the app.workspace_id session variable.
var tenantTables = []string{"documents", "transformations", "transformation_presets"}

// Migrate creates or updates the schema and installs the row-level
// security policies. The policies are the second tenancy layer; the
// repository always filters by workspace_id explicitly as well.
func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&Workspace{},
		&User{},
		&Session{},
		&Document{},
		&Transformation{},
		&Preset{},
		&QueuedTask{},
	); err != nil {
		return fmt.Errorf("auto migration failed: %w", err)
	}

	// Claim eligibility scans order by (not_before, id).
	if err := gdb.Exec(
		`CREATE INDEX IF NOT EXISTS idx_queued_tasks_claim ON queued_tasks (not_before, id)`,
	).Error; err != nil {
		return fmt.Errorf("queue index creation failed: %w", err)
	}

	for _, table := range tenantTables {
		stmts := []string{
			fmt.Sprintf(`ALTER TABLE %s ENABLE ROW LEVEL SECURITY`, table),
			fmt.Sprintf(`ALTER TABLE %s FORCE ROW LEVEL SECURITY`, table),
			fmt.Sprintf(`DROP POLICY IF EXISTS %s_workspace_isolation ON %s`, table, table),
			fmt.Sprintf(
				`CREATE POLICY %s_workspace_isolation ON %s USING (workspace_id = current_setting('app.workspace_id', true)::uuid) WITH CHECK (workspace_id = current_setting('app.workspace_id', true)::uuid)`,
				table, table,
			),
		}
		for _, stmt := range stmts {
			if err := gdb.Exec(stmt).Error; err != nil {
				return fmt.Errorf("row security setup failed for %s: %w", table, err)
			}
		}
	}

	return nil
}

// SetWorkspaceGUC binds the tenancy session variable inside the
// current transaction. It must run inside a transaction so the value
// cannot leak onto a pooled connection.
func SetWorkspaceGUC(tx *gorm.DB, workspaceID string) error {
	return tx.Exec(`SELECT set_config('app.workspace_id', ?, true)`, workspaceID).Error
}
