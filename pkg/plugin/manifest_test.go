package plugin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(`
name: counter
version: 0.2.0
resources:
  memory_pages: 32
  call_timeout: 20ms
  max_host_calls: 4096
`))
	require.NoError(t, err)
	assert.Equal(t, ModulePlugin, m.Kind)
	assert.Equal(t, "counter.wasm", m.Module())

	p := m.Policy(DefaultResourcePolicy())
	assert.Equal(t, uint32(32), p.MemoryLimitPages)
	assert.Equal(t, 20*time.Millisecond, p.CallTimeout)
	// A request can only tighten the host ceiling.
	assert.Equal(t, DefaultResourcePolicy().MaxHostCalls, p.MaxHostCalls)
}

func TestParseManifestWidget(t *testing.T) {
	m, err := ParseManifest([]byte("name: dial\nkind: widget\nwasm: dial-v2.wasm\n"))
	require.NoError(t, err)
	assert.Equal(t, "dial", m.TypeTag())
	assert.Equal(t, "dial-v2.wasm", m.Module())
}

func TestParseManifestProcess(t *testing.T) {
	m, err := ParseManifest([]byte("name: metronome\nkind: process\n"))
	require.NoError(t, err)
	assert.Equal(t, "metronome", m.Module())

	m, err = ParseManifest([]byte("name: metronome\nkind: process\nexec: bin/metronome-linux\n"))
	require.NoError(t, err)
	assert.Equal(t, "bin/metronome-linux", m.Module())
}

func TestParseManifestErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"missing name":  "version: 1\n",
		"bad name":      "name: a/b\n",
		"unknown kind":  "name: x\nkind: theme\n",
		"bad timeout":   "name: x\nresources:\n  call_timeout: soon\n",
		"malformed doc": "name: [\n",
		"exec on wasm":  "name: x\nexec: x\n",
		"wasm process":  "name: x\nkind: process\nwasm: x.wasm\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifest([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParseColor(t *testing.T) {
	c, err := ParseColor(String("#ff8000"))
	require.NoError(t, err)
	assert.Equal(t, Color{R: 255, G: 128, B: 0, A: 255}, c)

	c, err = ParseColor(String("#00000080"))
	require.NoError(t, err)
	assert.Equal(t, uint8(128), c.A)

	c, err = ParseColor(Record(map[string]Value{"r": Number(1), "g": Number(2), "b": Number(3)}))
	require.NoError(t, err)
	assert.Equal(t, Color{R: 1, G: 2, B: 3, A: 255}, c)

	back, err := ParseColor(c.Value())
	require.NoError(t, err)
	assert.Equal(t, c, back)
	assert.Equal(t, "#010203ff", c.Hex())

	for _, bad := range []Value{String("red"), String("#12345"), Number(3), Record(map[string]Value{"r": Number(300), "g": Number(0), "b": Number(0)})} {
		_, err := ParseColor(bad)
		assert.Error(t, err, bad.String())
	}
}
