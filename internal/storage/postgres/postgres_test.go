package postgres_test

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/patternd/internal/storage"
	"github.com/ashita-ai/patternd/internal/storage/postgres"
	"github.com/ashita-ai/patternd/internal/storage/storagetest"
	"github.com/ashita-ai/patternd/internal/testutil"
	"github.com/ashita-ai/patternd/migrations"
)

var tc *testutil.TestContainer

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() || os.Getenv("PATTERND_SKIP_CONTAINERS") != "" {
		os.Exit(m.Run())
	}
	tc = testutil.MustStartPostgres()

	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to prepare database: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	db.Close(context.Background())

	code := m.Run()
	tc.Terminate()
	os.Exit(code)
}

func openDB(t *testing.T, opts ...storage.Option) storage.Store {
	t.Helper()
	opts = append([]storage.Option{storage.WithLogger(testutil.TestLogger())}, opts...)
	db, err := postgres.New(context.Background(), tc.DSN, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(context.Background()) })
	return db
}

func TestStoreContract(t *testing.T) {
	if tc == nil {
		t.Skip("postgres container not started")
	}
	storagetest.Run(t, openDB)
}

func TestRunMigrationsIdempotent(t *testing.T) {
	if tc == nil {
		t.Skip("postgres container not started")
	}
	db, err := postgres.New(context.Background(), tc.DSN, storage.WithLogger(testutil.TestLogger()))
	require.NoError(t, err)
	defer db.Close(context.Background())
	require.NoError(t, db.RunMigrations(context.Background(), migrations.FS))
}
