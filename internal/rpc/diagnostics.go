package rpc

import "time"

// Diagnostics window sizes.
const (
	DiagnosticsLogEntries     = 20
	DiagnosticsHistoryEntries = 10
)

// Diagnostics is a point-in-time, read-only view of a client.
type Diagnostics struct {
	Identity Identity    `json:"identity"`
	Server   *ServerInfo `json:"server,omitempty"`

	Pid   int  `json:"pid,omitempty"`
	Alive bool `json:"alive"`

	State   State  `json:"state"`
	Message string `json:"message"`

	Pending   []PendingInfo `json:"pending"`
	LastError string        `json:"lastError,omitempty"`

	Timeouts TimeoutConfig `json:"timeouts"`

	RecentMessages []CommunicationLogEntry `json:"recentMessages"`
	RecentHistory  []ConnectionStatus      `json:"recentHistory"`

	Timestamp time.Time `json:"timestamp"`
}

// Diagnostics collects a snapshot of the client. It has no side effects.
func (c *Client) Diagnostics() Diagnostics {
	status := c.state.Status()

	d := Diagnostics{
		Identity:       c.identity,
		Server:         c.ServerInfo(),
		Alive:          c.IsAlive(),
		State:          status.State,
		Message:        status.Message,
		Pending:        c.registry.Pending(),
		Timeouts:       c.policy.Config(),
		RecentMessages: c.commLog.Recent(DiagnosticsLogEntries),
		RecentHistory:  c.state.RecentHistory(DiagnosticsHistoryEntries),
		Timestamp:      status.Timestamp,
	}
	if proc := c.process(); proc != nil {
		d.Pid = proc.Pid()
	}
	if err := c.LastError(); err != nil {
		d.LastError = err.Error()
	}
	return d
}
