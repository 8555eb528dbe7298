package wasm

import (
	"encoding/json"

	"github.com/goatkit/ludo/internal/plugin"
	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

// Guest ABI.
//
// Every payload crossing the boundary is JSON. Functions returning data
// return a packed uint64 (ptr<<32 | len); zero means "nothing". Buffers the
// host writes into guest memory are allocated with gk_malloc. Argument
// buffers are freed by the host after the call returns; result buffers the
// host hands the guest (host_call responses) belong to the guest.
const (
	hostModuleName = "gk"

	exportMemory = "memory"
	exportMalloc = "gk_malloc"
	exportFree   = "gk_free"

	// Plugin modules.
	exportInit = "gk_init"
	exportRun  = "gk_run"

	// Widget modules.
	exportTryNew       = "gk_try_new"
	exportInteract     = "gk_interact"
	exportRender       = "gk_render"
	exportState        = "gk_state"
	exportSetAttribute = "gk_set_attribute"
	exportRestore      = "gk_restore"
)

// Host call methods.
const (
	callEmit            = "emit"
	callStoreGet        = "store_get"
	callStoreSet        = "store_set"
	callStoreDelete     = "store_delete"
	callInput           = "input"
	callWidgetCreate    = "widget_create"
	callWidgetUpdate    = "widget_update"
	callWidgetMove      = "widget_move"
	callWidgetRemove    = "widget_remove"
	callWidgetAttribute = "widget_attribute"
)

// Guest log levels passed to gk.log.
var logLevels = map[uint32]string{
	0: plugin.LevelDebug,
	1: plugin.LevelInfo,
	2: plugin.LevelWarn,
	3: plugin.LevelError,
}

func pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

func unpack(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v)
}

// hostResponse is the envelope every host_call returns.
type hostResponse struct {
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}

func respond(result any, err error) hostResponse {
	if err != nil {
		return hostResponse{Error: err.Error(), Code: plugin.ErrorCode(err)}
	}
	return hostResponse{OK: true, Result: result}
}

// Host call arguments.

type keyArgs struct {
	Key string `json:"key"`
}

type storeSetArgs struct {
	Key   string          `json:"key"`
	Value pkgplugin.Value `json:"value"`
}

type storeGetResult struct {
	Value pkgplugin.Value `json:"value"`
	Found bool            `json:"found"`
}

type widgetUpdateArgs struct {
	ID    pkgplugin.WidgetID `json:"id"`
	Key   string             `json:"key"`
	Value pkgplugin.Value    `json:"value"`
}

type widgetMoveArgs struct {
	ID pkgplugin.WidgetID `json:"id"`
	X  float32            `json:"x"`
	Y  float32            `json:"y"`
}

type widgetIDArgs struct {
	ID pkgplugin.WidgetID `json:"id"`
}

type widgetAttributeArgs struct {
	ID  pkgplugin.WidgetID `json:"id"`
	Key string             `json:"key"`
}

// guestError is how a guest reports a handled failure from gk_run,
// gk_try_new or gk_set_attribute.
type guestError struct {
	Error string `json:"error"`
}

// decodeGuestError reports the guest's error string if data is an error
// object.
func decodeGuestError(data []byte) (string, bool) {
	var ge guestError
	if err := json.Unmarshal(data, &ge); err != nil || ge.Error == "" {
		return "", false
	}
	return ge.Error, true
}

// widgetConstruction is gk_try_new's success result.
type widgetConstruction struct {
	Width  float32               `json:"width"`
	Height float32               `json:"height"`
	Inputs []pkgplugin.EventKind `json:"inputs,omitempty"`
	Error  string                `json:"error,omitempty"`
}

// widgetResize is gk_set_attribute's optional result.
type widgetResize struct {
	Width  *float32 `json:"width,omitempty"`
	Height *float32 `json:"height,omitempty"`
	Error  string   `json:"error,omitempty"`
}
