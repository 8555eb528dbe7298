package rpcplugin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/rpc"

	"github.com/goatkit/ludo/pkg/plugin"
)

// HostClient implements plugin.HostAPI by calling back into the host. The
// host only answers while one of the plugin's Init or Run calls is in
// flight.
type HostClient struct {
	client *rpc.Client
}

var _ plugin.HostAPI = (*HostClient)(nil)

// NewHostClient wraps an RPC connection to the host API server.
func NewHostClient(client *rpc.Client) *HostClient {
	return &HostClient{client: client}
}

// Close closes the connection.
func (c *HostClient) Close() error { return c.client.Close() }

func (c *HostClient) call(method string, args, out any) error {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	var resp HostResponse
	if err := c.client.Call("Plugin.Call", HostRequest{Method: method, Args: argsJSON}, &resp); err != nil {
		return fmt.Errorf("host rpc: %w", err)
	}
	if resp.Error != "" {
		return &HostError{Method: method, Code: resp.Code, Message: resp.Error}
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", method, err)
	}
	return nil
}

// Emit implements plugin.HostAPI.
func (c *HostClient) Emit(_ context.Context, msg plugin.Message) error {
	return c.call(CallEmit, msg, nil)
}

// StoreGet implements plugin.HostAPI.
func (c *HostClient) StoreGet(_ context.Context, key string) (plugin.Value, bool, error) {
	var res StoreGetResult
	if err := c.call(CallStoreGet, KeyArgs{Key: key}, &res); err != nil {
		return plugin.Null(), false, err
	}
	return res.Value, res.Found, nil
}

// StoreSet implements plugin.HostAPI.
func (c *HostClient) StoreSet(_ context.Context, key string, value plugin.Value) error {
	return c.call(CallStoreSet, StoreSetArgs{Key: key, Value: value}, nil)
}

// StoreDelete implements plugin.HostAPI.
func (c *HostClient) StoreDelete(_ context.Context, key string) error {
	return c.call(CallStoreDelete, KeyArgs{Key: key}, nil)
}

// Input implements plugin.HostAPI.
func (c *HostClient) Input(_ context.Context) (plugin.InputState, error) {
	var st plugin.InputState
	err := c.call(CallInput, struct{}{}, &st)
	return st, err
}

// CreateWidget implements plugin.HostAPI.
func (c *HostClient) CreateWidget(_ context.Context, spec plugin.WidgetSpec) (plugin.WidgetID, error) {
	var id plugin.WidgetID
	err := c.call(CallWidgetCreate, spec, &id)
	return id, err
}

// UpdateWidget implements plugin.HostAPI.
func (c *HostClient) UpdateWidget(_ context.Context, id plugin.WidgetID, key string, value plugin.Value) error {
	return c.call(CallWidgetUpdate, WidgetUpdateArgs{ID: id, Key: key, Value: value}, nil)
}

// MoveWidget implements plugin.HostAPI.
func (c *HostClient) MoveWidget(_ context.Context, id plugin.WidgetID, x, y float32) error {
	return c.call(CallWidgetMove, WidgetMoveArgs{ID: id, X: x, Y: y}, nil)
}

// RemoveWidget implements plugin.HostAPI.
func (c *HostClient) RemoveWidget(_ context.Context, id plugin.WidgetID) error {
	return c.call(CallWidgetRemove, WidgetIDArgs{ID: id}, nil)
}

// WidgetAttribute implements plugin.HostAPI.
func (c *HostClient) WidgetAttribute(_ context.Context, id plugin.WidgetID, key string) (plugin.Value, error) {
	var v plugin.Value
	err := c.call(CallWidgetAttribute, WidgetAttributeArgs{ID: id, Key: key}, &v)
	return v, err
}

// Log implements plugin.HostAPI. Logging failures are dropped.
func (c *HostClient) Log(_ context.Context, level, message string, fields map[string]any) {
	_ = c.call(CallLog, LogArgs{Level: level, Message: message, Fields: fields}, nil)
}
