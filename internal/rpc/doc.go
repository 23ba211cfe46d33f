// Package rpc implements a client runtime for servers that speak
// newline-delimited JSON-RPC 2.0 on the standard streams of a child process.
//
// A Client spawns the server through an injected SpawnFunc, performs the
// "initialize" handshake, and then correlates requests with responses.
// Every request carries its own timeout chosen by a TimeoutPolicy. A
// handshake that times out while the server is still alive is retried by a
// ResyncCoordinator with exponential backoff.
//
// Connection progress is observable through a ConnectionState machine:
//
//	Disconnected -> Connecting -> Connected
//	                    |             |
//	                    v             v
//	                  Error  <- TimeoutRetrying
//
// Illegal transitions are rejected with an InvalidTransitionError and leave
// the state untouched.
//
// Example:
//
//	client, err := rpc.NewClient(rpc.Capabilities{
//		ServerCommand: func() (rpc.ServerCommand, error) {
//			return rpc.ServerCommand{Command: "my-server"}, nil
//		},
//	}, supervisor.Spawn)
//	if err != nil {
//		return err
//	}
//	if err := client.Start(ctx); err != nil {
//		return err
//	}
//	defer client.Stop()
//
//	result, err := client.Request(ctx, "tools/list", nil)
package rpc
