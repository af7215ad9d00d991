// # Commands
//
//   - pock: serve mocked routes, static files and a proxy; -w restarts the
//     server in a fresh worker process whenever a route file changes
//   - pock version: print build information
//   - pock worker: the supervised process behind -w (hidden)
//
// # Examples
//
//	// Serve ./mock and restart on change
//	pock -d mock -w
//
//	// Mock a single file and proxy everything else
//	pock -f api.yml -u http://localhost:8080 -P /api
//
//	// Host ./dist with CORS over HTTPS
//	pock -s dist -C -S -c cert.pem -k key.pem
//
// # Exit Codes
//
// 0 after a signal-driven shutdown, the worker's own code when it reported a
// fatal error, and 1 for configuration errors, watcher failures and failed
// cleanups.
package cmd
