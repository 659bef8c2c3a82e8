package integrationtests

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"precalc-backend/internal/messaging"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRabbitMQ(t *testing.T) {
	skipShort(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	publisher, receiver := setupRabbitMQContainer(t, ctx)

	t.Run("Publish and Receive ShardTask", func(t *testing.T) {
		payload := messaging.ShardTaskPayload{RunId: uuid.New(), ModelId: "eos0", Sha: "abc", Shard: 2, Shards: 3, SampleSize: 10}
		err := publisher.PublishShardTask(ctx, payload)
		require.NoError(t, err)

		select {
		case task := <-receiver.Tasks():
			assert.Equal(t, messaging.ShardQueue, task.Type())

			var receivedPayload messaging.ShardTaskPayload
			err := json.Unmarshal(task.Payload(), &receivedPayload)
			require.NoError(t, err)
			assert.Equal(t, payload, receivedPayload)

			err = task.Ack()
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("Timed out waiting for task")
		}
	})

	t.Run("Nacked Task Is Dropped", func(t *testing.T) {
		dropped := messaging.ShardTaskPayload{RunId: uuid.New(), ModelId: "eos0", Shard: 1, Shards: 1}
		require.NoError(t, publisher.PublishShardTask(ctx, dropped))

		select {
		case task := <-receiver.Tasks():
			require.NoError(t, task.Nack())
		case <-time.After(10 * time.Second):
			t.Fatal("Timed out waiting for task")
		}

		next := messaging.ShardTaskPayload{RunId: uuid.New(), ModelId: "eos0", Shard: 1, Shards: 1}
		require.NoError(t, publisher.PublishShardTask(ctx, next))

		select {
		case task := <-receiver.Tasks():
			var receivedPayload messaging.ShardTaskPayload
			require.NoError(t, json.Unmarshal(task.Payload(), &receivedPayload))
			assert.Equal(t, next.RunId, receivedPayload.RunId)
			require.NoError(t, task.Ack())
		case <-time.After(10 * time.Second):
			t.Fatal("Timed out waiting for task")
		}
	})
}
