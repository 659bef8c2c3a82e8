package shared

import (
	"net/rpc"

	"github.com/hashicorp/go-plugin"
)

// Handshake is shared by the host and executor plugin binaries. Plugins built
// against a different protocol version refuse to start.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PRECALC_EXECUTOR_PLUGIN",
	MagicCookieValue: "5d0c7f0e-precalc-executor",
}

const PluginName = "executor"

var PluginMap = map[string]plugin.Plugin{
	PluginName: &ExecutorPlugin{},
}

type RunRequest struct {
	ModelId string
	Inputs  []string
}

// RunResponse is the raw tabular output of a model: the identity columns
// followed by one column per output value.
type RunResponse struct {
	Columns []string
	Rows    [][]string
}

type Executor interface {
	Run(req RunRequest) (RunResponse, error)
}

type ExecutorPlugin struct {
	Impl Executor
}

func (p *ExecutorPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &RPCServer{Impl: p.Impl}, nil
}

func (*ExecutorPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c}, nil
}

// Serve runs impl as a plugin process. It blocks until the host disconnects.
func Serve(impl Executor) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			PluginName: &ExecutorPlugin{Impl: impl},
		},
	})
}
