package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

// fakeServices authorizes a fixed set of kinds with a per-plugin quota and
// records what gets published.
type fakeServices struct {
	allowed   map[string]bool
	quota     int
	published []Message
	widgets   map[WidgetID]Attributes
}

func newFakeServices(kinds ...string) *fakeServices {
	f := &fakeServices{allowed: make(map[string]bool), widgets: make(map[WidgetID]Attributes)}
	for _, k := range kinds {
		f.allowed[k] = true
	}
	return f
}

func (f *fakeServices) Authorize(plugin, kind string, buffered int) error {
	if !f.allowed[kind] {
		return &UnauthorizedKindError{Plugin: plugin, Kind: kind}
	}
	if f.quota > 0 && len(f.published)+buffered >= f.quota {
		return &QuotaExceededError{Plugin: plugin, Limit: f.quota}
	}
	return nil
}

func (f *fakeServices) Publish(plugin string, msgs []Message) {
	f.published = append(f.published, msgs...)
}

func (f *fakeServices) CreateWidget(owner string, spec WidgetSpec) (WidgetID, error) {
	id := WidgetID{Owner: owner, Name: spec.Name}
	f.widgets[id] = spec.Attributes.Clone()
	return id, nil
}

func (f *fakeServices) UpdateWidget(caller string, id WidgetID, key string, value Value) error {
	if caller != id.Owner {
		return &NotOwnerError{Caller: caller, Widget: id}
	}
	f.widgets[id][key] = value
	return nil
}

func (f *fakeServices) MoveWidget(caller string, id WidgetID, x, y float32) error {
	if caller != id.Owner {
		return &NotOwnerError{Caller: caller, Widget: id}
	}
	return nil
}

func (f *fakeServices) RemoveWidget(caller string, id WidgetID) error {
	if caller != id.Owner {
		return &NotOwnerError{Caller: caller, Widget: id}
	}
	delete(f.widgets, id)
	return nil
}

func (f *fakeServices) WidgetAttribute(caller string, id WidgetID, key string) (Value, error) {
	if caller != id.Owner {
		return Value{}, &NotOwnerError{Caller: caller, Widget: id}
	}
	v, ok := f.widgets[id][key]
	if !ok {
		return Value{}, &NoSuchAttributeError{Widget: id, Key: key}
	}
	return v, nil
}

func (f *fakeServices) InputState() InputState {
	return InputState{X: 1, Y: 2, Keys: []string{"w"}}
}

func newTestSandbox(svc Services, policy ResourcePolicy) *SandboxedHostAPI {
	return NewSandboxedHostAPI(svc, "tester", NewStore(), policy, WithLogBuffer(NewLogBuffer(10)))
}

func TestSandboxCommitAppliesEffects(t *testing.T) {
	ctx := context.Background()
	svc := newFakeServices("ping")
	sb := newTestSandbox(svc, DefaultResourcePolicy())

	sb.Begin()
	require.NoError(t, sb.Emit(ctx, pkgplugin.NewMessage("ping")))
	require.NoError(t, sb.StoreSet(ctx, "count", pkgplugin.Number(1)))
	assert.Empty(t, svc.published, "emissions stay buffered until commit")
	sb.Commit()

	require.Len(t, svc.published, 1)
	assert.Equal(t, "ping", svc.published[0].Kind)
	v, ok := sb.store.Get("count")
	require.True(t, ok)
	assert.True(t, v.Equal(pkgplugin.Number(1)))

	stats := sb.Stats()
	assert.Equal(t, int64(1), stats.Calls)
	assert.Equal(t, int64(2), stats.HostCalls)
	assert.Equal(t, int64(1), stats.Emits)
}

func TestSandboxRollbackDiscardsEffects(t *testing.T) {
	ctx := context.Background()
	svc := newFakeServices("ping")
	sb := newTestSandbox(svc, DefaultResourcePolicy())
	sb.store.Set("count", pkgplugin.Number(7))

	sb.Begin()
	require.NoError(t, sb.Emit(ctx, pkgplugin.NewMessage("ping")))
	require.NoError(t, sb.Emit(ctx, pkgplugin.NewMessage("ping")))
	require.NoError(t, sb.StoreSet(ctx, "count", pkgplugin.Number(8)))
	dropped := sb.Rollback()

	assert.Equal(t, 2, dropped)
	assert.Empty(t, svc.published)
	v, _ := sb.store.Get("count")
	assert.True(t, v.Equal(pkgplugin.Number(7)))
	assert.Equal(t, int64(1), sb.Stats().Traps)
}

func TestSandboxEmitAuthorization(t *testing.T) {
	ctx := context.Background()
	svc := newFakeServices("ping")
	svc.quota = 1
	sb := newTestSandbox(svc, DefaultResourcePolicy())

	sb.Begin()
	var unauthorized *UnauthorizedKindError
	assert.ErrorAs(t, sb.Emit(ctx, pkgplugin.NewMessage("secret")), &unauthorized)
	assert.Equal(t, "secret", unauthorized.Kind)

	require.NoError(t, sb.Emit(ctx, pkgplugin.NewMessage("ping")))
	var quota *QuotaExceededError
	assert.ErrorAs(t, sb.Emit(ctx, pkgplugin.NewMessage("ping")), &quota)
	sb.Commit()

	assert.Len(t, svc.published, 1)
	assert.Equal(t, int64(2), sb.Stats().Rejected)
}

func TestSandboxHostCallCeiling(t *testing.T) {
	ctx := context.Background()
	policy := DefaultResourcePolicy()
	policy.MaxHostCalls = 2
	sb := newTestSandbox(newFakeServices(), policy)

	sb.Begin()
	_, _, err := sb.StoreGet(ctx, "a")
	require.NoError(t, err)
	_, _, err = sb.StoreGet(ctx, "b")
	require.NoError(t, err)
	_, _, err = sb.StoreGet(ctx, "c")
	assert.ErrorIs(t, err, ErrHostCallLimit)
	assert.ErrorIs(t, sb.Exhausted(), ErrHostCallLimit)
	sb.Rollback()

	// The budget is per call.
	sb.Begin()
	_, _, err = sb.StoreGet(ctx, "a")
	assert.NoError(t, err)
	assert.NoError(t, sb.Exhausted())
	sb.Commit()
}

func TestSandboxOutsideCall(t *testing.T) {
	sb := newTestSandbox(newFakeServices("ping"), DefaultResourcePolicy())
	err := sb.Emit(context.Background(), pkgplugin.NewMessage("ping"))
	assert.True(t, errors.Is(err, ErrNoActiveCall))
}

func TestSandboxWidgetCallsCarryIdentity(t *testing.T) {
	ctx := context.Background()
	svc := newFakeServices()
	sb := newTestSandbox(svc, DefaultResourcePolicy())

	sb.Begin()
	defer sb.Commit()

	id, err := sb.CreateWidget(ctx, WidgetSpec{Name: "hud", Type: "label", Attributes: Attributes{"text": pkgplugin.String("hi")}})
	require.NoError(t, err)
	assert.Equal(t, WidgetID{Owner: "tester", Name: "hud"}, id)

	require.NoError(t, sb.UpdateWidget(ctx, id, "text", pkgplugin.String("bye")))
	v, err := sb.WidgetAttribute(ctx, id, "text")
	require.NoError(t, err)
	assert.True(t, v.Equal(pkgplugin.String("bye")))

	var notOwner *NotOwnerError
	err = sb.RemoveWidget(ctx, WidgetID{Owner: "someone-else", Name: "hud"})
	require.ErrorAs(t, err, &notOwner)
	assert.Equal(t, "tester", notOwner.Caller)

	in, err := sb.Input(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"w"}, in.Keys)
}

func TestSandboxLogGoesToBuffer(t *testing.T) {
	buf := NewLogBuffer(10)
	sb := NewSandboxedHostAPI(newFakeServices(), "tester", NewStore(), DefaultResourcePolicy(), WithLogBuffer(buf))

	sb.Log(context.Background(), LevelWarn, "low health", map[string]any{"hp": 3})

	entries := buf.Entries(LogQuery{Plugin: "tester"})
	require.Len(t, entries, 1)
	assert.Equal(t, LevelWarn, entries[0].Level)
	assert.Equal(t, "low health", entries[0].Message)
}

func TestDetachedServices(t *testing.T) {
	d := NewDetachedServices()
	sb := NewSandboxedHostAPI(d, "dry", NewStore(), DefaultResourcePolicy(), WithLogBuffer(NewLogBuffer(1)))

	sb.Begin()
	require.NoError(t, sb.Emit(context.Background(), pkgplugin.NewMessage("hello")))
	_, err := sb.CreateWidget(context.Background(), WidgetSpec{Name: "x", Type: "label"})
	assert.Error(t, err)
	sb.Commit()

	assert.Len(t, d.Published("dry"), 1)
}
