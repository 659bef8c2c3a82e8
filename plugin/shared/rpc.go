package shared

import "net/rpc"

// RPCClient is an implementation of Executor that talks over RPC.
type RPCClient struct{ client *rpc.Client }

func NewRPCClient(client *rpc.Client) *RPCClient {
	return &RPCClient{client: client}
}

func (m *RPCClient) Run(req RunRequest) (RunResponse, error) {
	var resp RunResponse
	err := m.client.Call("Plugin.Run", req, &resp)
	return resp, err
}

// Here is the RPC server that RPCClient talks to, conforming to
// the requirements of net/rpc
type RPCServer struct {
	// This is the real implementation
	Impl Executor
}

func (m *RPCServer) Run(req RunRequest, resp *RunResponse) error {
	v, err := m.Impl.Run(req)
	*resp = v
	return err
}
