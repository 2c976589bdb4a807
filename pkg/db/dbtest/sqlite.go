// Package dbtest opens isolated sqlite databases carrying the full model set.
package dbtest

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/esimhub-backend/pkg/db"
	"github.com/angelmondragon/esimhub-backend/pkg/db/models"
)

// Open returns a fresh in-memory database migrated with every model.
// A single connection serializes transactions the way row locks do in Postgres.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:esimhub_%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, conn.AutoMigrate(models.All()...))
	for _, stmt := range partialIndexes {
		require.NoError(t, conn.Exec(stmt).Error)
	}
	return conn
}

// partialIndexes mirrors the Postgres partial unique indexes that struct tags
// cannot express.
var partialIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_wallet_transactions_credit_reference
		ON wallet_transactions (agent_id, type, reference_id)
		WHERE reference_id IS NOT NULL AND type IN ('deposit', 'credit', 'refund', 'purchase')`,
}

// Client wraps Open in the shared db.Client.
func Client(t testing.TB) (*db.Client, *gorm.DB) {
	t.Helper()
	conn := Open(t)
	return db.NewFromConn(conn), conn
}
