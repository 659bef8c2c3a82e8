package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Prediction struct {
	InputKey  string         `gorm:"primaryKey;size:64"`
	ModelId   string         `gorm:"primaryKey;size:64;index"`
	Input     string         `gorm:"not null;index"`
	Output    datatypes.JSON `gorm:"not null"`
	WrittenAt time.Time
}

type RequestBatch struct {
	RequestId     string `gorm:"primaryKey;size:128"`
	ModelId       string `gorm:"size:64;not null"`
	Fingerprint   string `gorm:"size:64;not null"`
	InputCount    int    `gorm:"not null;default:0"`
	DistinctCount int    `gorm:"not null;default:0"`
	CreationTime  time.Time

	Inputs []RequestInput `gorm:"foreignKey:RequestId;constraint:OnDelete:CASCADE"`
}

type RequestInput struct {
	RequestId string `gorm:"primaryKey;size:128"`
	Position  int    `gorm:"primaryKey"`
	Input     string `gorm:"not null;index"`
}

const (
	JobQueued    string = "QUEUED"
	JobRunning   string = "RUNNING"
	JobCompleted string = "COMPLETED"
	JobFailed    string = "FAILED"
)

type PipelineRun struct {
	Id      uuid.UUID `gorm:"type:uuid;primaryKey"`
	ModelId string    `gorm:"size:64;not null;index"`
	Sha     string    `gorm:"size:64;not null"`

	Status         string `gorm:"size:20;not null"`
	StartTime      int64
	CreationTime   time.Time
	CompletionTime sql.NullTime

	Shards     int `gorm:"not null"`
	SampleSize int `gorm:"not null;default:0"`

	ShardTasks []ShardTask `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
}

type ShardTask struct {
	RunId uuid.UUID    `gorm:"type:uuid;primaryKey"`
	Shard int          `gorm:"primaryKey"`
	Run   *PipelineRun `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`

	Status         string `gorm:"size:20;not null"`
	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	RowStart        int
	RowEnd          int
	PredictionCount int
	Error           sql.NullString
}
