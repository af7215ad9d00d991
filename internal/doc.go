// Package internal contains the core implementation packages for pock.
//
// # Package Organization
//
//   - config: Configuration loading, defaults and validation
//   - errors: Structured error types shared by every package
//   - ipc: Line-delimited JSON messages between supervisor and worker
//   - logging: Structured logging on top of charmbracelet/log
//   - server: The mock server with static hosting and the upstream proxy
//   - shutdown: Cleanup registry and signal handling
//   - supervisor: Worker lifecycle state machine for watch mode
//   - version: Build information
//   - watcher: Debounced file system monitoring of route files
//   - worker: Worker process spawning and the worker side of the handshake
//
// # Process Model
//
// Without --watch the mock server runs in the pock process. With --watch the
// pock process becomes a supervisor: it watches the route files and runs the
// server in a worker process (the hidden "pock worker" command), replacing it
// after every debounced change. Only one worker is alive at a time.
package internal
