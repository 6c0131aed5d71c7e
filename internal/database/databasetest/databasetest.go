// Package databasetest provides throwaway migrated databases for tests.
package databasetest

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ksred/semicrypto-api/internal/database"
)

// New returns a migrated in-memory database private to the calling test
func New(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := database.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String()))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}
