// Package persistence stores save data: plugin stores, widget state and the
// profile clock. A save is a JSON header line followed by a JSON body, the
// whole stream zstd-compressed. The same encoding is used by every backend.
package persistence

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/goatkit/ludo/internal/widget"
	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

// Version is the save format version written by this build.
const Version = 1

var (
	// ErrSlotNotFound is returned when loading or deleting a slot that
	// holds no save.
	ErrSlotNotFound = errors.New("save slot not found")

	// ErrInvalidSlot is returned for slot names outside [A-Za-z0-9_-].
	ErrInvalidSlot = errors.New("invalid save slot name")
)

var slotPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Header summarises a save. It is the first line of the stream so listings
// do not decode bodies.
type Header struct {
	Version   int       `json:"version"`
	SessionID uuid.UUID `json:"session_id"`
	Tick      uint64    `json:"tick"`
	SavedAt   time.Time `json:"saved_at"`
}

// Profile carries state that spans sessions of one save profile.
type Profile struct {
	// Elapsed is profile time accumulated by all sessions so far.
	Elapsed pkgplugin.Duration `json:"elapsed"`
	// Fired lists date and profile timers that already fired.
	Fired []string `json:"fired,omitempty"`
}

// PluginState is one plugin's persisted state.
type PluginState struct {
	Store       pkgplugin.Attributes `json:"store,omitempty"`
	LastRunTick uint64               `json:"last_run_tick"`
}

// SaveFile is everything a save restores.
type SaveFile struct {
	Header  Header                 `json:"-"`
	Profile Profile                `json:"profile"`
	Plugins map[string]PluginState `json:"plugins"`
	Widgets []widget.Saved         `json:"widgets"`
}

// Validate checks the header and that every widget belongs to a saved
// plugin.
func (sf *SaveFile) Validate() error {
	if sf.Header.Version != Version {
		return fmt.Errorf("unsupported save version %d (want %d)", sf.Header.Version, Version)
	}
	for _, w := range sf.Widgets {
		if w.Owner == "" || w.Name == "" || w.Type == "" {
			return fmt.Errorf("widget %s: owner, name and type are required", w.ID())
		}
		if _, ok := sf.Plugins[w.Owner]; !ok {
			return fmt.Errorf("widget %s: owner has no saved state", w.ID())
		}
	}
	return nil
}

// SlotInfo describes a stored save.
type SlotInfo struct {
	Slot   string `json:"slot"`
	Header Header `json:"header"`
}

// Store is a save slot backend.
type Store interface {
	Save(ctx context.Context, slot string, sf *SaveFile) error
	Load(ctx context.Context, slot string) (*SaveFile, error)
	// List returns every slot, sorted by name.
	List(ctx context.Context) ([]SlotInfo, error)
	Delete(ctx context.Context, slot string) error
	Close() error
}

func checkSlot(slot string) error {
	if !slotPattern.MatchString(slot) {
		return fmt.Errorf("%q: %w", slot, ErrInvalidSlot)
	}
	return nil
}

// Encode writes sf to w as a zstd stream.
func Encode(w io.Writer, sf *SaveFile) error {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(zw, 1<<16)

	hb, err := json.Marshal(sf.Header)
	if err != nil {
		zw.Close()
		return err
	}
	if _, err := bw.Write(append(hb, '\n')); err != nil {
		zw.Close()
		return err
	}
	if err := json.NewEncoder(bw).Encode(sf); err != nil {
		zw.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// Decode reads a save written by Encode and validates it.
func Decode(r io.Reader) (*SaveFile, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	br := bufio.NewReaderSize(zr, 1<<16)

	h, err := readHeader(br)
	if err != nil {
		return nil, err
	}
	sf := &SaveFile{Header: h}
	if err := json.NewDecoder(br).Decode(sf); err != nil {
		return nil, fmt.Errorf("decode save body: %w", err)
	}
	if sf.Plugins == nil {
		sf.Plugins = make(map[string]PluginState)
	}
	if err := sf.Validate(); err != nil {
		return nil, err
	}
	return sf, nil
}

// DecodeHeader reads only the header of a save.
func DecodeHeader(r io.Reader) (Header, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return Header{}, err
	}
	defer zr.Close()
	return readHeader(bufio.NewReader(zr))
}

func readHeader(br *bufio.Reader) (Header, error) {
	line, err := br.ReadBytes('\n')
	if err != nil {
		return Header{}, fmt.Errorf("read save header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return Header{}, fmt.Errorf("decode save header: %w", err)
	}
	return h, nil
}

func marshal(sf *SaveFile) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, sf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshal(data []byte) (*SaveFile, error) {
	return Decode(bytes.NewReader(data))
}
