package test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hrygo/casechat/internal/profile"
	"github.com/hrygo/casechat/internal/version"
	"github.com/hrygo/casechat/store"
	"github.com/hrygo/casechat/store/db"
)

// NewTestingStore returns a migrated store backed by the driver named in DRIVER
// (sqlite by default). The store is closed when the test finishes.
func NewTestingStore(ctx context.Context, t *testing.T) *store.Store {
	t.Helper()
	profile := getTestingProfile(t)
	dbDriver, err := db.NewDBDriver(profile)
	if err != nil {
		t.Fatalf("failed to create db driver: %v", err)
	}

	ts := store.New(dbDriver, profile)
	if err := ts.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate db: %v", err)
	}
	t.Cleanup(func() {
		ts.Close()
	})
	return ts
}

func getTestingProfile(t *testing.T) *profile.Profile {
	driver := getDriverFromEnv()
	dir := t.TempDir()
	p := &profile.Profile{
		Mode:    "dev",
		Version: version.GetCurrentVersion("dev"),
		Data:    dir,
		Driver:  driver,
		Secret:  "casechat-test",
	}
	switch driver {
	case "postgres":
		p.DSN = GetPostgresDSN(t)
	default:
		p.DSN = filepath.Join(dir, "casechat_test.db")
	}
	return p
}

func getDriverFromEnv() string {
	driver := os.Getenv("DRIVER")
	if driver == "" {
		driver = "sqlite"
	}
	return driver
}
