// Package config loads stdiorpc configuration.
//
// Configuration is layered with higher layers overriding lower:
//
//	┌─────────────────────────────┐
//	│  4. Command Line Flags      │  ← Highest priority (cmd/stdiorpc)
//	├─────────────────────────────┤
//	│  3. Environment Variables   │  ← STDIORPC_SECTION_KEY
//	├─────────────────────────────┤
//	│  2. Config File             │  ← .toml, .yaml, .json or .jsonc
//	├─────────────────────────────┤
//	│  1. Built-in Defaults       │  ← Lowest priority
//	└─────────────────────────────┘
//
// A TOML file looks like:
//
//	[server]
//	command = "my-server"
//	args = ["--stdio"]
//
//	[timeouts]
//	initializationTimeoutMs = 90000
//	toolsListTimeoutMs = 60000
//
//	[resync]
//	maxRetries = 5
//
// Environment variables map onto the same keys:
// STDIORPC_TIMEOUTS_INITIALIZATION_TIMEOUT_MS sets
// timeouts.initializationTimeoutMs.
//
// # Live Reload
//
// A Watcher reloads the file after it changes:
//
//	w, err := config.NewWatcher(path, func(cfg *config.Config, err error) {
//	    if err == nil {
//	        _ = client.UpdateTimeouts(cfg.Timeouts)
//	    }
//	})
//	defer w.Close()
package config
