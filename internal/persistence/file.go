package persistence

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const fileExt = ".ludo.zst"

// FileStore keeps one compressed file per slot in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty save directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(slot string) string {
	return filepath.Join(s.dir, slot+fileExt)
}

// Save writes the slot through a temporary file so a crash never leaves a
// half-written save behind.
func (s *FileStore) Save(ctx context.Context, slot string, sf *SaveFile) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	if err := sf.Validate(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, slot+".*.tmp")
	if err != nil {
		return err
	}
	if err := Encode(tmp, sf); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path(slot))
}

// Load reads a slot.
func (s *FileStore) Load(ctx context.Context, slot string) (*SaveFile, error) {
	if err := checkSlot(slot); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(slot))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%q: %w", slot, ErrSlotNotFound)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// List reads the header of every save in the directory. Unreadable files
// are skipped.
func (s *FileStore) List(ctx context.Context) ([]SlotInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []SlotInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		slot := strings.TrimSuffix(e.Name(), fileExt)
		h, err := s.header(slot)
		if err != nil {
			continue
		}
		out = append(out, SlotInfo{Slot: slot, Header: h})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out, nil
}

func (s *FileStore) header(slot string) (Header, error) {
	f, err := os.Open(s.path(slot))
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	return DecodeHeader(f)
}

// Delete removes a slot.
func (s *FileStore) Delete(ctx context.Context, slot string) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	err := os.Remove(s.path(slot))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%q: %w", slot, ErrSlotNotFound)
	}
	return err
}

func (s *FileStore) Close() error { return nil }
