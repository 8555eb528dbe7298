package process

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/goatkit/ludo/internal/plugin"
	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
	"github.com/goatkit/ludo/pkg/plugin/rpcplugin"
)

// hostServer exposes a plugin's HostAPI to its process. The host bound for
// the call in flight answers; between calls every request fails with
// plugin.ErrNoActiveCall.
type hostServer struct {
	mu   sync.Mutex
	ctx  context.Context
	host pkgplugin.HostAPI
}

// bind routes host calls to host until the returned func is called.
func (s *hostServer) bind(ctx context.Context, host pkgplugin.HostAPI) func() {
	s.mu.Lock()
	s.ctx, s.host = ctx, host
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.ctx, s.host = nil, nil
		s.mu.Unlock()
	}
}

// Call handles all host API calls from the plugin.
func (s *hostServer) Call(req rpcplugin.HostRequest, resp *rpcplugin.HostResponse) error {
	s.mu.Lock()
	ctx, host := s.ctx, s.host
	s.mu.Unlock()

	if host == nil {
		*resp = respond(nil, plugin.ErrNoActiveCall)
		return nil
	}
	result, err := dispatchHostCall(ctx, host, req.Method, req.Args)
	*resp = respond(result, err)
	return nil
}

func respond(result any, err error) rpcplugin.HostResponse {
	if err != nil {
		return rpcplugin.HostResponse{Error: err.Error(), Code: plugin.ErrorCode(err)}
	}
	if result == nil {
		return rpcplugin.HostResponse{}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return rpcplugin.HostResponse{Error: fmt.Sprintf("encode result: %v", err), Code: "error"}
	}
	return rpcplugin.HostResponse{Result: data}
}

func decodeArgs(method string, args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%s: invalid arguments: %w", method, err)
	}
	return nil
}

// dispatchHostCall routes the call to the appropriate HostAPI method.
func dispatchHostCall(ctx context.Context, host pkgplugin.HostAPI, method string, args json.RawMessage) (any, error) {
	switch method {
	case rpcplugin.CallEmit:
		var msg pkgplugin.Message
		if err := decodeArgs(method, args, &msg); err != nil {
			return nil, err
		}
		return nil, host.Emit(ctx, msg)

	case rpcplugin.CallStoreGet:
		var a rpcplugin.KeyArgs
		if err := decodeArgs(method, args, &a); err != nil {
			return nil, err
		}
		v, found, err := host.StoreGet(ctx, a.Key)
		if err != nil {
			return nil, err
		}
		return rpcplugin.StoreGetResult{Value: v, Found: found}, nil

	case rpcplugin.CallStoreSet:
		var a rpcplugin.StoreSetArgs
		if err := decodeArgs(method, args, &a); err != nil {
			return nil, err
		}
		return nil, host.StoreSet(ctx, a.Key, a.Value)

	case rpcplugin.CallStoreDelete:
		var a rpcplugin.KeyArgs
		if err := decodeArgs(method, args, &a); err != nil {
			return nil, err
		}
		return nil, host.StoreDelete(ctx, a.Key)

	case rpcplugin.CallInput:
		return host.Input(ctx)

	case rpcplugin.CallWidgetCreate:
		var spec pkgplugin.WidgetSpec
		if err := decodeArgs(method, args, &spec); err != nil {
			return nil, err
		}
		return host.CreateWidget(ctx, spec)

	case rpcplugin.CallWidgetUpdate:
		var a rpcplugin.WidgetUpdateArgs
		if err := decodeArgs(method, args, &a); err != nil {
			return nil, err
		}
		return nil, host.UpdateWidget(ctx, a.ID, a.Key, a.Value)

	case rpcplugin.CallWidgetMove:
		var a rpcplugin.WidgetMoveArgs
		if err := decodeArgs(method, args, &a); err != nil {
			return nil, err
		}
		return nil, host.MoveWidget(ctx, a.ID, a.X, a.Y)

	case rpcplugin.CallWidgetRemove:
		var a rpcplugin.WidgetIDArgs
		if err := decodeArgs(method, args, &a); err != nil {
			return nil, err
		}
		return nil, host.RemoveWidget(ctx, a.ID)

	case rpcplugin.CallWidgetAttribute:
		var a rpcplugin.WidgetAttributeArgs
		if err := decodeArgs(method, args, &a); err != nil {
			return nil, err
		}
		return host.WidgetAttribute(ctx, a.ID, a.Key)

	case rpcplugin.CallLog:
		var a rpcplugin.LogArgs
		if err := decodeArgs(method, args, &a); err != nil {
			return nil, err
		}
		host.Log(ctx, a.Level, a.Message, a.Fields)
		return nil, nil
	}
	return nil, fmt.Errorf("unknown host function %q", method)
}
