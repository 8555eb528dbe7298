// Package rpcplugin runs a plugin as a separate process that talks to the
// ludo host over net/rpc, using hashicorp/go-plugin for the process
// handshake and connection multiplexing.
//
// A native plugin is an ordinary plugin.Plugin compiled into its own
// executable:
//
//	func main() {
//	    rpcplugin.Serve(&MyPlugin{})
//	}
//
// The host launches the executable, calls Init and Run over RPC and serves
// the plugin's HostAPI back to it on a brokered connection. Values cross
// the boundary as JSON, so plugins see exactly what WASM guests see.
package rpcplugin

import (
	"encoding/json"
	"fmt"

	goplugin "github.com/hashicorp/go-plugin"

	"github.com/goatkit/ludo/pkg/plugin"
)

// Handshake is the shared handshake config for host and plugins. A binary
// built against a different ProtocolVersion is refused at launch.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "LUDO_PLUGIN",
	MagicCookieValue: "ludo-v1",
}

// PluginName is the name the plugin is dispensed under.
const PluginName = "ludo"

// Host call methods, the same set WASM guests reach through host_call.
const (
	CallEmit            = "emit"
	CallStoreGet        = "store_get"
	CallStoreSet        = "store_set"
	CallStoreDelete     = "store_delete"
	CallInput           = "input"
	CallWidgetCreate    = "widget_create"
	CallWidgetUpdate    = "widget_update"
	CallWidgetMove      = "widget_move"
	CallWidgetRemove    = "widget_remove"
	CallWidgetAttribute = "widget_attribute"
	CallLog             = "log"
)

// InitRequest asks the plugin to initialise. HostID is the broker stream
// the plugin dials to reach its HostAPI.
type InitRequest struct {
	HostID uint32
}

// InitResponse carries the JSON encoded plugin.Registration.
type InitResponse struct {
	Registration json.RawMessage
	Error        string
}

// RunRequest carries one JSON encoded plugin.Event.
type RunRequest struct {
	Event json.RawMessage
}

// RunResponse reports a failed Run.
type RunResponse struct {
	Error string
}

// ShutdownRequest asks the plugin to clean up. Reason is informational.
type ShutdownRequest struct {
	Reason string
}

// ShutdownResponse reports a failed Shutdown.
type ShutdownResponse struct {
	Error string
}

// HostRequest is a host call from the plugin.
type HostRequest struct {
	Method string
	Args   json.RawMessage
}

// HostResponse is the host's answer. Code is a stable error code such as
// "not_owner" or "quota_exceeded".
type HostResponse struct {
	Result json.RawMessage
	Error  string
	Code   string
}

// HostError is a host call the host rejected.
type HostError struct {
	Method  string
	Code    string
	Message string
}

func (e *HostError) Error() string {
	return fmt.Sprintf("host %s: %s", e.Method, e.Message)
}

// RemoteError is a failure the plugin itself returned from Init or Run, as
// opposed to a broken connection.
type RemoteError struct {
	Call    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Call, e.Message)
}

// Host call arguments, JSON encoded into HostRequest.Args.

type KeyArgs struct {
	Key string `json:"key"`
}

type StoreSetArgs struct {
	Key   string       `json:"key"`
	Value plugin.Value `json:"value"`
}

type StoreGetResult struct {
	Value plugin.Value `json:"value"`
	Found bool         `json:"found"`
}

type WidgetUpdateArgs struct {
	ID    plugin.WidgetID `json:"id"`
	Key   string          `json:"key"`
	Value plugin.Value    `json:"value"`
}

type WidgetMoveArgs struct {
	ID plugin.WidgetID `json:"id"`
	X  float32         `json:"x"`
	Y  float32         `json:"y"`
}

type WidgetIDArgs struct {
	ID plugin.WidgetID `json:"id"`
}

type WidgetAttributeArgs struct {
	ID  plugin.WidgetID `json:"id"`
	Key string          `json:"key"`
}

type LogArgs struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}
