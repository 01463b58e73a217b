package db

import (
	"fmt"
	"os"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open opens (creating if absent) the manifest database at path, forcing
// file mode 0600, enabling WAL journaling and a busy timeout for
// concurrent-reader tolerance, and running AutoMigrate against the
// schema in models.go. This mirrors the teacher's
// pkg/controlplane/store.New, minus the Postgres backend: the manifest
// is always a single local SQLite file (spec §6, "Persisted state").
func Open(path string) (*gorm.DB, error) {
	if err := ensureMode0600(path); err != nil {
		return nil, err
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: open %q: %w", path, err)
	}

	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("db: migrate %q: %w", path, err)
	}

	if err := os.Chmod(path, 0600); err != nil {
		return nil, fmt.Errorf("db: chmod %q: %w", path, err)
	}

	return db, nil
}

// ensureMode0600 creates an empty file at path with mode 0600 if it does
// not exist yet, so the subsequent chmod in Open always has a target. A
// pre-existing file keeps its mode here; Open's later chmod tightens it.
func ensureMode0600(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("db: create %q: %w", path, err)
	}
	return f.Close()
}
