package migration_1

import (
	"testing"
	"time"

	m0 "precalc-backend/internal/database/versions/migration_0"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, m0.Migration(db))

	return db
}

func TestMigrationBackfillsDistinctCount(t *testing.T) {
	db := setupTestDB(t)

	require.NoError(t, db.Create(&m0.RequestBatch{
		RequestId:    "r1",
		ModelId:      "m1",
		Fingerprint:  "abc",
		InputCount:   3,
		CreationTime: time.Now(),
		Inputs: []m0.RequestInput{
			{RequestId: "r1", Position: 0, Input: "A"},
			{RequestId: "r1", Position: 1, Input: "A"},
			{RequestId: "r1", Position: 2, Input: "B"},
		},
	}).Error)

	require.NoError(t, db.Create(&m0.RequestBatch{
		RequestId:    "r2",
		ModelId:      "m1",
		Fingerprint:  "def",
		CreationTime: time.Now(),
	}).Error)

	require.NoError(t, Migration(db))

	var counts []struct {
		RequestId     string
		DistinctCount int
	}
	require.NoError(t, db.Table("request_batches").Select("request_id, distinct_count").Order("request_id").Scan(&counts).Error)

	require.Len(t, counts, 2)
	assert.Equal(t, "r1", counts[0].RequestId)
	assert.Equal(t, 2, counts[0].DistinctCount)
	assert.Equal(t, "r2", counts[1].RequestId)
	assert.Equal(t, 0, counts[1].DistinctCount)
}

func TestRollbackDropsColumn(t *testing.T) {
	db := setupTestDB(t)

	require.NoError(t, Migration(db))
	assert.True(t, db.Migrator().HasColumn(&RequestBatch{}, "DistinctCount"))

	require.NoError(t, Rollback(db))
	assert.False(t, db.Migrator().HasColumn(&RequestBatch{}, "DistinctCount"))
}
