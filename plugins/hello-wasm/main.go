//go:build tinygo.wasm

// Package main is a small ludo guest plugin. Every second, five times per
// session, it bumps a counter in its store and emits a "hello" message
// carrying the count.
//
// Build with: tinygo build -o hello.wasm -target wasi -no-debug main.go
package main

import (
	"encoding/json"
	"unsafe"
)

//go:wasmimport gk host_call
func hostCall(fnPtr, fnLen, argsPtr, argsLen uint32) uint64

//go:wasmimport gk log
func hostLog(level, ptr, length uint32)

var registration = `{
  "name":"hello",
  "subscribe":[{"class":"timer","timer":{"mode":"repeat","after":"1s","count":5}}],
  "publish":["hello"],
  "state":{"greeted":0}
}`

// Buffers handed to the host stay reachable until the guest frees them.
var pinned = map[uint32][]byte{}

//export gk_malloc
func gk_malloc(size uint32) uint32 {
	if size == 0 {
		size = 1
	}
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	pinned[ptr] = buf
	return ptr
}

//export gk_free
func gk_free(ptr uint32) {
	delete(pinned, ptr)
}

//export gk_init
func gk_init() uint64 {
	return output([]byte(registration))
}

//export gk_run
func gk_run(ptr, length uint32) uint64 {
	var ev struct {
		Type string `json:"type"`
		Tick uint64 `json:"tick"`
	}
	if err := json.Unmarshal(input(ptr, length), &ev); err != nil {
		return fail("decode event: " + err.Error())
	}
	if ev.Type != "timer" {
		return 0
	}

	var got struct {
		OK     bool   `json:"ok"`
		Error  string `json:"error"`
		Result struct {
			Value float64 `json:"value"`
		} `json:"result"`
	}
	if err := call("store_get", map[string]any{"key": "greeted"}, &got); err != nil {
		return fail(err.Error())
	}
	count := got.Result.Value + 1

	if err := call("store_set", map[string]any{"key": "greeted", "value": count}, nil); err != nil {
		return fail(err.Error())
	}
	msg := map[string]any{"kind": "hello", "attributes": map[string]any{"count": count, "tick": ev.Tick}}
	if err := call("emit", msg, nil); err != nil {
		return fail(err.Error())
	}
	logf(1, "said hello")
	return 0
}

type hostError string

func (e hostError) Error() string { return string(e) }

// call invokes a host function and decodes the response envelope into out.
func call(fn string, args any, out any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	name := []byte(fn)
	res := hostCall(addr(name), uint32(len(name)), addr(data), uint32(len(data)))
	if res == 0 {
		return hostError(fn + ": no response")
	}
	resp := input(uint32(res>>32), uint32(res))
	defer gk_free(uint32(res >> 32))

	var env struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(resp, &env); err != nil {
		return err
	}
	if !env.OK {
		return hostError(fn + ": " + env.Error)
	}
	if out != nil {
		return json.Unmarshal(resp, out)
	}
	return nil
}

func logf(level uint32, msg string) {
	b := []byte(msg)
	hostLog(level, addr(b), uint32(len(b)))
}

func fail(msg string) uint64 {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return output(data)
}

func output(data []byte) uint64 {
	ptr := gk_malloc(uint32(len(data)))
	copy(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), len(data)), data)
	return uint64(ptr)<<32 | uint64(len(data))
}

func input(ptr, length uint32) []byte {
	if ptr == 0 || length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), length)
}

func addr(b []byte) uint32 {
	if len(b) == 0 {
		return 0
	}
	return uint32(uintptr(unsafe.Pointer(&b[0])))
}

func main() {}
