package executor

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"

	"precalc-backend/internal/core/normalize"
	"precalc-backend/plugin/shared"

	"github.com/hashicorp/go-plugin"
)

// PluginExecutor runs a model inside a go-plugin subprocess over net/rpc.
// Calls are serialized, the plugin handles one run at a time.
type PluginExecutor struct {
	mu       sync.Mutex
	client   *plugin.Client
	executor shared.Executor
	released atomic.Bool
}

func LoadPluginExecutor(binary string, args ...string) (*PluginExecutor, error) {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  shared.Handshake,
		Plugins:          shared.PluginMap,
		Cmd:              exec.Command(binary, args...),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("error establishing RPC connection: %w", err)
	}

	raw, err := rpcClient.Dispense(shared.PluginName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("error dispensing '%s': %w", shared.PluginName, err)
	}

	executor, ok := raw.(shared.Executor)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("dispensed interface '%s' is not of expected type shared.Executor (actual type: %T)", shared.PluginName, raw)
	}

	return &PluginExecutor{client: client, executor: executor}, nil
}

type pluginResult struct {
	resp shared.RunResponse
	err  error
}

func (p *PluginExecutor) Run(ctx context.Context, modelId string, inputs []string) (normalize.Table, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.executor == nil {
		return normalize.Table{}, fmt.Errorf("plugin for model %s has been released", modelId)
	}

	done := make(chan pluginResult, 1)
	go func() {
		resp, err := p.executor.Run(shared.RunRequest{ModelId: modelId, Inputs: inputs})
		done <- pluginResult{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		// net/rpc calls cannot be cancelled, killing the plugin aborts the run
		p.release()
		return normalize.Table{}, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return normalize.Table{}, fmt.Errorf("plugin run for model %s failed: %w", modelId, res.err)
		}
		return normalize.Table{Columns: res.resp.Columns, Rows: res.resp.Rows}, nil
	}
}

func (p *PluginExecutor) release() {
	if p.client != nil {
		p.client.Kill()
		p.client = nil
	}
	p.executor = nil
	p.released.Store(true)
}

// Released reports whether the plugin process is gone. A released executor
// fails every run.
func (p *PluginExecutor) Released() bool {
	return p.released.Load()
}

func (p *PluginExecutor) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.release()
}
