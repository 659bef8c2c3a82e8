package executor

import (
	"context"
	"testing"

	"precalc-backend/internal/config"
	"precalc-backend/internal/core/normalize"
	"precalc-backend/plugin/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingPlugin struct {
	unblock chan struct{}
}

func (b *blockingPlugin) Run(req shared.RunRequest) (shared.RunResponse, error) {
	<-b.unblock
	return shared.RunResponse{}, nil
}

type answeringPlugin struct{}

func (answeringPlugin) Run(req shared.RunRequest) (shared.RunResponse, error) {
	resp := shared.RunResponse{Columns: []string{"key", "input", "score"}}
	for _, input := range req.Inputs {
		resp.Rows = append(resp.Rows, []string{"AAAAAAAAAAAAAA-BBBBBBBBBB-C", input, "1"})
	}
	return resp, nil
}

func TestPluginExecutorReleasedAfterCancel(t *testing.T) {
	blocked := &blockingPlugin{unblock: make(chan struct{})}
	defer close(blocked.unblock)

	exec := &PluginExecutor{executor: blocked}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := exec.Run(ctx, "eos0", []string{"CCO"})
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, exec.Released())

	_, err = exec.Run(context.Background(), "eos0", []string{"CCO"})
	require.Error(t, err)
}

func TestRouterRecreatesReleasedExecutor(t *testing.T) {
	blocked := &blockingPlugin{unblock: make(chan struct{})}
	defer close(blocked.unblock)

	created := []*PluginExecutor{
		{executor: blocked},
		{executor: answeringPlugin{}},
	}
	calls := 0

	router := NewRouter(config.NewModelRegistry("eos0"), t.TempDir())
	router.newExecutor = func(cfg config.ExecutorConfig, workDir string) (Executor, error) {
		exec := created[calls]
		calls++
		return exec, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := router.Run(ctx, "eos0", []string{"CCO"})
	require.ErrorIs(t, err, context.Canceled)

	table, err := router.Run(context.Background(), "eos0", []string{"CCO", "CCN"})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, normalize.Table{
		Columns: []string{"key", "input", "score"},
		Rows: [][]string{
			{"AAAAAAAAAAAAAA-BBBBBBBBBB-C", "CCO", "1"},
			{"AAAAAAAAAAAAAA-BBBBBBBBBB-C", "CCN", "1"},
		},
	}, table)

	// a working executor is reused
	_, err = router.Run(context.Background(), "eos0", []string{"CCO"})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
