package events

import (
	"time"
)

// Reason represents the reason code for an event.
type Reason string

// Server lifecycle reasons.
const (
	// ReasonServerRegistered indicates a server was added to the registry.
	ReasonServerRegistered Reason = "ServerRegistered"

	// ReasonServerConnecting indicates a connection attempt started.
	ReasonServerConnecting Reason = "ServerConnecting"

	// ReasonServerConnected indicates a session was established.
	ReasonServerConnected Reason = "ServerConnected"

	// ReasonServerDisconnected indicates a session was released.
	ReasonServerDisconnected Reason = "ServerDisconnected"

	// ReasonServerDegraded indicates repeated health probe failures
	// demoted a connected server.
	ReasonServerDegraded Reason = "ServerDegraded"

	// ReasonServerError indicates a connection attempt exhausted retries.
	ReasonServerError Reason = "ServerError"

	// ReasonServerRemoved indicates a server and its tools were removed.
	ReasonServerRemoved Reason = "ServerRemoved"

	// ReasonServerRecovered indicates a degraded or errored server
	// reconnected successfully.
	ReasonServerRecovered Reason = "ServerRecovered"
)

// Tool discovery reasons.
const (
	// ReasonToolsDiscovered indicates tools were discovered and indexed.
	ReasonToolsDiscovered Reason = "ToolsDiscovered"

	// ReasonToolsUnavailable indicates discovery failed for a server.
	ReasonToolsUnavailable Reason = "ToolsUnavailable"
)

// Event is a best-effort notification about a state change. Payload keys
// are free-form; "status" carries the new server status on lifecycle events.
type Event struct {
	Reason    Reason
	ServerID  string
	Payload   map[string]interface{}
	Timestamp time.Time
}
