package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	ShardQueue      = "precalc_shard_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

// ShardTaskPayload asks a worker to compute one shard of a pipeline run.
// Shard is the 1-based numerator, Shards the denominator.
type ShardTaskPayload struct {
	RunId      uuid.UUID
	ModelId    string
	Sha        string
	Shard      int
	Shards     int
	SampleSize int
}

type Publisher interface {
	PublishShardTask(ctx context.Context, payload ShardTaskPayload) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}
