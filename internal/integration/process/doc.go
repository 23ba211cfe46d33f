// Package process starts and supervises the server processes that rpc
// clients talk to.
//
// A Process pipes the standard streams of an exec.Cmd and hands stdout
// and stderr chunks to listeners as they are read. Exit codes and
// terminating signals are recorded once the output has drained, and
// liveness is probed with the null signal. *Process implements
// rpc.ProcessHandle.
//
// # Supervisor
//
// The Supervisor tracks every process it starts and cleans up on
// shutdown. Its Spawn method is an rpc.SpawnFunc:
//
//	supervisor := process.NewSupervisor()
//	defer supervisor.Shutdown(5 * time.Second)
//
//	client, err := rpc.NewClient(caps, supervisor.Spawn)
//
// # Graceful Shutdown
//
//	// Send SIGTERM, wait up to 5 seconds, then SIGKILL
//	supervisor.Shutdown(5 * time.Second)
//
// # Thread Safety
//
// Both Supervisor and Process are safe for concurrent use.
package process
