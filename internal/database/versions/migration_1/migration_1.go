package migration_1

import (
	"fmt"

	"gorm.io/gorm"
)

// RequestBatch gains the number of distinct inputs so coverage can be reported
// without rescanning request_inputs.
type RequestBatch struct {
	RequestId     string `gorm:"primaryKey;size:128"`
	DistinctCount int    `gorm:"not null;default:0"`
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&RequestBatch{}, "DistinctCount"); err != nil {
		return fmt.Errorf("error adding distinct_count column: %w", err)
	}

	backfill := `
		UPDATE request_batches
		SET distinct_count = (
			SELECT COUNT(DISTINCT request_inputs.input)
			FROM request_inputs
			WHERE request_inputs.request_id = request_batches.request_id
		)`
	if err := db.Exec(backfill).Error; err != nil {
		return fmt.Errorf("error backfilling distinct_count: %w", err)
	}

	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropColumn(&RequestBatch{}, "DistinctCount"); err != nil {
		return fmt.Errorf("error dropping distinct_count column: %w", err)
	}
	return nil
}
