//go:build integration

package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/config"
)

// setupStoreTest starts a PostgreSQL container and returns a migrated Store
// with a short lock timeout so contention cases settle quickly.
func setupStoreTest(t *testing.T) (*Store, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start PostgreSQL container")

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=testuser password=testpass dbname=testdb sslmode=disable", host, port.Port())

	store, err := Connect(&config.DBConfig{
		DatabaseURI:        dsn,
		PoolSize:           5,
		MaxOverflow:        5,
		PoolTimeoutSeconds: 1,
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate())

	cleanup := func() {
		store.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return store, cleanup
}

func TestStoreMigrateIsIdempotent_Integration(t *testing.T) {
	store, cleanup := setupStoreTest(t)
	defer cleanup()

	require.NoError(t, store.Migrate(), "second migration run must be a no-op")
	require.NoError(t, store.Ping(context.Background()))
}

func TestStoreClassifiesUniqueViolation_Integration(t *testing.T) {
	store, cleanup := setupStoreTest(t)
	defer cleanup()
	ctx := context.Background()

	first := Tool{Name: "bwa", CreatedDate: time.Now().UTC()}
	require.NoError(t, store.DB.Create(&first).Error)

	err := store.Transaction(ctx, func(tx *gorm.DB) error {
		return tx.Create(&Tool{Name: "bwa", CreatedDate: time.Now().UTC()}).Error
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrConflict), "duplicate tool name must surface as a conflict")
}

func TestStoreRowLockTimeout_Integration(t *testing.T) {
	store, cleanup := setupStoreTest(t)
	defer cleanup()
	ctx := context.Background()

	tool := Tool{Name: "locked-tool", CreatedDate: time.Now().UTC()}
	require.NoError(t, store.DB.Create(&tool).Error)

	locked := make(chan struct{})
	release := make(chan struct{})
	holderDone := make(chan error, 1)

	go func() {
		holderDone <- store.Transaction(ctx, func(tx *gorm.DB) error {
			var held Tool
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				First(&held, "id = ?", tool.ID).Error; err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()

	<-locked
	err := store.Transaction(ctx, func(tx *gorm.DB) error {
		var blocked Tool
		return tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&blocked, "id = ?", tool.ID).Error
	})
	close(release)

	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrConflict), "lock timeout must surface as a conflict, got %v", err)
	require.NoError(t, <-holderDone)
}

func TestServerClockFrozenInsideTransaction_Integration(t *testing.T) {
	store, cleanup := setupStoreTest(t)
	defer cleanup()
	ctx := context.Background()

	var first, second time.Time
	err := store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		if first, err = Now(tx); err != nil {
			return err
		}
		time.Sleep(50 * time.Millisecond)
		second, err = Now(tx)
		return err
	})
	require.NoError(t, err)
	assert.True(t, first.Equal(second), "now() must return the transaction start time on both reads")
}

func TestReaperLeaseRoundTrip_Integration(t *testing.T) {
	store, cleanup := setupStoreTest(t)
	defer cleanup()
	ctx := context.Background()

	held, err := store.AcquireLease(ctx, "replica-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, held)

	held, err = store.AcquireLease(ctx, "replica-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, held, "second replica must not take a live lease")

	held, err = store.AcquireLease(ctx, "replica-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, held, "the holder refreshes its own lease")

	require.NoError(t, store.ReleaseLease(ctx, "replica-a"))

	held, err = store.AcquireLease(ctx, "replica-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, held, "released lease is immediately available")
}
