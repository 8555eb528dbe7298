package persistence

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/ludo/internal/widget"
	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

func sampleSave(tick uint64) *SaveFile {
	return &SaveFile{
		Header: Header{
			Version:   Version,
			SessionID: uuid.New(),
			Tick:      tick,
			SavedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		Profile: Profile{
			Elapsed: pkgplugin.Duration(90 * time.Second),
			Fired:   []string{"clock|profile@1m0s"},
		},
		Plugins: map[string]PluginState{
			"ping": {
				Store: pkgplugin.Attributes{
					"count": pkgplugin.Number(3),
					"name":  pkgplugin.String("ping"),
					"seen":  pkgplugin.List(pkgplugin.Bool(true), pkgplugin.Null()),
				},
				LastRunTick: tick,
			},
			"idle": {},
		},
		Widgets: []widget.Saved{{
			Owner: "ping", Name: "ball", Type: "circle", X: 10, Y: 20,
			Attributes: pkgplugin.Attributes{"radius": pkgplugin.Number(5), "fill_color": pkgplugin.String("#ff0000")},
			State:      pkgplugin.Attributes{"radius": pkgplugin.Number(7)},
		}},
	}
}

func TestEncodeDecode(t *testing.T) {
	in := sampleSave(42)
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, in))

	h, err := DecodeHeader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, in.Header.SessionID, h.SessionID)
	assert.Equal(t, uint64(42), h.Tick)

	out, err := Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assertSameSave(t, in, out)
}

func TestDecodeRejects(t *testing.T) {
	t.Run("not zstd", func(t *testing.T) {
		_, err := Decode(bytes.NewReader([]byte("plain text\n{}")))
		assert.Error(t, err)
	})

	t.Run("future version", func(t *testing.T) {
		sf := sampleSave(1)
		sf.Header.Version = Version + 1
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, sf))
		_, err := Decode(&buf)
		assert.ErrorContains(t, err, "unsupported save version")
	})

	t.Run("orphan widget", func(t *testing.T) {
		sf := sampleSave(1)
		sf.Widgets[0].Owner = "ghost"
		assert.ErrorContains(t, sf.Validate(), "owner has no saved state")
	})
}

func assertSameSave(t *testing.T, want, got *SaveFile) {
	t.Helper()
	assert.Equal(t, want.Header.Version, got.Header.Version)
	assert.Equal(t, want.Header.SessionID, got.Header.SessionID)
	assert.Equal(t, want.Header.Tick, got.Header.Tick)
	assert.True(t, want.Header.SavedAt.Equal(got.Header.SavedAt))
	assert.Equal(t, want.Profile, got.Profile)
	require.Len(t, got.Plugins, len(want.Plugins))
	for name, ps := range want.Plugins {
		gps := got.Plugins[name]
		assert.Equal(t, ps.LastRunTick, gps.LastRunTick, name)
		require.Len(t, gps.Store, len(ps.Store), name)
		for k, v := range ps.Store {
			assert.True(t, v.Equal(gps.Store[k]), "%s.%s", name, k)
		}
	}
	require.Len(t, got.Widgets, len(want.Widgets))
	for i, w := range want.Widgets {
		g := got.Widgets[i]
		assert.Equal(t, w.ID(), g.ID())
		assert.Equal(t, w.Type, g.Type)
		assert.Equal(t, w.X, g.X)
		assert.Equal(t, w.Y, g.Y)
		for k, v := range w.State {
			assert.True(t, v.Equal(g.State[k]), "state %s", k)
		}
	}
}

// exerciseStore runs the behaviour every backend shares.
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = s.Load(ctx, "slot1")
	assert.ErrorIs(t, err, ErrSlotNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "slot1"), ErrSlotNotFound)
	assert.ErrorIs(t, s.Save(ctx, "../escape", sampleSave(1)), ErrInvalidSlot)

	first := sampleSave(10)
	require.NoError(t, s.Save(ctx, "slot1", first))
	require.NoError(t, s.Save(ctx, "auto", sampleSave(5)))

	got, err := s.Load(ctx, "slot1")
	require.NoError(t, err)
	assertSameSave(t, first, got)

	// Overwrite in place.
	second := sampleSave(20)
	require.NoError(t, s.Save(ctx, "slot1", second))
	got, err = s.Load(ctx, "slot1")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), got.Header.Tick)

	list, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "auto", list[0].Slot)
	assert.Equal(t, "slot1", list[1].Slot)
	assert.Equal(t, second.Header.SessionID, list[1].Header.SessionID)
	assert.Equal(t, uint64(20), list[1].Header.Tick)

	require.NoError(t, s.Delete(ctx, "auto"))
	_, err = s.Load(ctx, "auto")
	assert.ErrorIs(t, err, ErrSlotNotFound)
	list, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	invalid := sampleSave(1)
	invalid.Header.Version = 0
	assert.Error(t, s.Save(ctx, "bad", invalid))
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(filepath.Join(dir, "saves"))
	require.NoError(t, err)
	exerciseStore(t, s)

	// No temporary files are left behind, and stray files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "saves", "notes.txt"), []byte("x"), 0o644))
	entries, err := os.ReadDir(filepath.Join(dir, "saves"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
	list, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, WithKeyPrefix("test"))
	defer s.Close()
	exerciseStore(t, s)

	assert.True(t, mr.Exists("test:save:slot1"))
	assert.False(t, mr.Exists("test:save:auto"))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, BackendFile, t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open(ctx, BackendSQLite, filepath.Join(t.TempDir(), "saves.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	mr := miniredis.RunT(t)
	s, err = Open(ctx, BackendRedis, "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, "tape", "")
	assert.Error(t, err)
}
