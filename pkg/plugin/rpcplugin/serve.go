package rpcplugin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/rpc"
	"sync"

	goplugin "github.com/hashicorp/go-plugin"

	"github.com/goatkit/ludo/pkg/plugin"
)

// Serve is called by plugin executables to serve their implementation. It
// blocks until the host goes away.
func Serve(impl plugin.Plugin) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         PluginMap(impl),
	})
}

// PluginMap is the plugin set both sides agree on. The host passes a nil
// impl.
func PluginMap(impl plugin.Plugin) map[string]goplugin.Plugin {
	return map[string]goplugin.Plugin{PluginName: &Plugin{Impl: impl}}
}

// Plugin is the go-plugin.Plugin implementation.
type Plugin struct {
	Impl plugin.Plugin
}

// Server returns the RPC server for the plugin (plugin side).
func (p *Plugin) Server(b *goplugin.MuxBroker) (interface{}, error) {
	return &Server{Impl: p.Impl, broker: b}, nil
}

// Client returns the RPC client for the plugin (host side).
func (p *Plugin) Client(b *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &Client{client: c, broker: b}, nil
}

// Server is the RPC server implementation (plugin side).
type Server struct {
	Impl   plugin.Plugin
	broker *goplugin.MuxBroker

	mu   sync.Mutex
	host *HostClient
}

// Init dials the host's API stream and runs the plugin's Init.
func (s *Server) Init(req InitRequest, resp *InitResponse) error {
	conn, err := s.broker.Dial(req.HostID)
	if err != nil {
		return fmt.Errorf("dial host api: %w", err)
	}
	host := NewHostClient(rpc.NewClient(conn))

	s.mu.Lock()
	if s.host != nil {
		s.host.Close()
	}
	s.host = host
	s.mu.Unlock()

	reg, err := s.Impl.Init(context.Background(), host)
	if err != nil {
		resp.Error = err.Error()
		return nil
	}
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("encode registration: %w", err)
	}
	resp.Registration = data
	return nil
}

// Run passes one event to the plugin.
func (s *Server) Run(req RunRequest, resp *RunResponse) error {
	var ev plugin.Event
	if err := json.Unmarshal(req.Event, &ev); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	s.mu.Lock()
	host := s.host
	s.mu.Unlock()
	if host == nil {
		return fmt.Errorf("run before init")
	}
	if err := s.Impl.Run(context.Background(), host, ev); err != nil {
		resp.Error = err.Error()
	}
	return nil
}

// Shutdown stops the plugin. The process exits when the host kills it.
func (s *Server) Shutdown(req ShutdownRequest, resp *ShutdownResponse) error {
	if err := s.Impl.Shutdown(context.Background()); err != nil {
		resp.Error = err.Error()
	}
	s.mu.Lock()
	if s.host != nil {
		s.host.Close()
		s.host = nil
	}
	s.mu.Unlock()
	return nil
}

// Client is the RPC client implementation (host side). Every call gives up
// when ctx is done; the caller decides what happens to the process then.
type Client struct {
	client *rpc.Client
	broker *goplugin.MuxBroker
}

// Init serves hostAPI to the plugin on a fresh broker stream and runs the
// plugin's Init. hostAPI must have a method
// Call(HostRequest, *HostResponse) error.
func (c *Client) Init(ctx context.Context, hostAPI any) (plugin.Registration, error) {
	id := c.broker.NextId()
	go c.broker.AcceptAndServe(id, hostAPI)

	var resp InitResponse
	if err := c.call(ctx, "Plugin.Init", InitRequest{HostID: id}, &resp); err != nil {
		return plugin.Registration{}, err
	}
	if resp.Error != "" {
		return plugin.Registration{}, &RemoteError{Call: "init", Message: resp.Error}
	}
	var reg plugin.Registration
	if err := json.Unmarshal(resp.Registration, &reg); err != nil {
		return plugin.Registration{}, fmt.Errorf("decode registration: %w", err)
	}
	return reg, nil
}

// Run passes ev to the plugin.
func (c *Client) Run(ctx context.Context, ev plugin.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	var resp RunResponse
	if err := c.call(ctx, "Plugin.Run", RunRequest{Event: data}, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return &RemoteError{Call: "run", Message: resp.Error}
	}
	return nil
}

// Shutdown asks the plugin to clean up.
func (c *Client) Shutdown(ctx context.Context) error {
	var resp ShutdownResponse
	if err := c.call(ctx, "Plugin.Shutdown", ShutdownRequest{Reason: "unload"}, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return &RemoteError{Call: "shutdown", Message: resp.Error}
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, args, reply any) error {
	call := c.client.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		return call.Error
	case <-ctx.Done():
		return ctx.Err()
	}
}
