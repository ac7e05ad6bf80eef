// Package sessionid mints process- and client-scoped correlation ids used
// only in log lines -- never on the wire, where the 32-bit ClientID counter
// is the sole identifier. These ids correlate a process's log lines (and,
// per client, its locally accepted TCP connections) across restarts, the
// way a request id correlates an HTTP access log.
package sessionid

import "github.com/rs/xid"

// New mints a fresh globally-sortable correlation id.
func New() string {
	return xid.New().String()
}

// Process is minted once per frontend/backend process instance, at startup.
var Process = New()
