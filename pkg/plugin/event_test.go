package plugin

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventKindMatches(t *testing.T) {
	ping := PluginKind("ping")

	assert.True(t, ping.Matches(NewPluginMessage(1, "a", NewMessage("ping"))))
	assert.False(t, ping.Matches(NewPluginMessage(1, "a", NewMessage("pong"))))
	// Widget messages are addressed to the owner and never match a kind.
	assert.False(t, ping.Matches(NewWidgetMessage(1, "btn", NewMessage("ping"))))

	timer := TimerSpec{Mode: TimerSession, After: Duration(time.Second)}
	kind := TimerKind(timer)
	assert.True(t, kind.Matches(NewTimerEvent(3, timer)))
	assert.False(t, kind.Matches(NewTimerEvent(3, TimerSpec{Mode: TimerSession, After: Duration(2 * time.Second)})))
	assert.False(t, kind.Matches(NewPluginMessage(1, "a", NewMessage("ping"))))
}

func TestInputKindMatches(t *testing.T) {
	left := InputKind(InputSpec{Class: InputMouseUp, Button: MouseLeft})
	assert.True(t, left.MatchesInput(Input{Class: InputMouseUp, Button: MouseLeft}))
	assert.False(t, left.MatchesInput(Input{Class: InputMouseUp, Button: MouseRight}))
	assert.False(t, left.MatchesInput(Input{Class: InputMouseDown, Button: MouseLeft}))

	combo := InputKind(InputSpec{Class: InputKeyDown, Keys: []string{"ctrl", "s"}})
	assert.True(t, combo.MatchesInput(Input{Class: InputKeyDown, Keys: []string{"S", "Ctrl"}}))
	assert.False(t, combo.MatchesInput(Input{Class: InputKeyDown, Keys: []string{"s"}}))

	anyKey := InputKind(InputSpec{Class: InputKeyDown})
	assert.True(t, anyKey.MatchesInput(Input{Class: InputKeyDown, Keys: []string{"w"}}))
	assert.False(t, PluginKind("x").MatchesInput(Input{Class: InputKeyDown}))
}

func TestEventKindValidate(t *testing.T) {
	tests := []struct {
		name    string
		kind    EventKind
		wantErr bool
	}{
		{"plugin", PluginKind("ping"), false},
		{"plugin without tag", PluginKind(""), true},
		{"session timer", TimerKind(TimerSpec{Mode: TimerSession, After: Duration(time.Second)}), false},
		{"date without at", TimerKind(TimerSpec{Mode: TimerDate}), true},
		{"repeat without count", TimerKind(TimerSpec{Mode: TimerRepeat, After: Duration(time.Second)}), true},
		{"unknown mode", TimerKind(TimerSpec{Mode: "weekly"}), true},
		{"cron", TimerKind(TimerSpec{Mode: TimerCron, Cron: "*/5 * * * *"}), false},
		{"cron descriptor", TimerKind(TimerSpec{Mode: TimerCron, Cron: "@every 30s"}), false},
		{"cron without expression", TimerKind(TimerSpec{Mode: TimerCron}), true},
		{"bad cron", TimerKind(TimerSpec{Mode: TimerCron, Cron: "every tuesday"}), true},
		{"input", InputKind(InputSpec{Class: InputPointer}), false},
		{"unknown class", EventKind{Class: "sound"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.kind.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEventKindJSON(t *testing.T) {
	var kinds []EventKind
	err := json.Unmarshal([]byte(`[
		{"class":"plugin","tag":"ping"},
		{"class":"timer","timer":{"mode":"repeat","after":"250ms","count":3}},
		{"class":"timer","timer":{"mode":"session","after":2}}
	]`), &kinds)
	require.NoError(t, err)
	require.Len(t, kinds, 3)

	assert.Equal(t, "plugin:ping", kinds[0].Key())
	assert.Equal(t, 250*time.Millisecond, kinds[1].Timer.After.Std())
	assert.Equal(t, 3, kinds[1].Timer.Count)
	assert.Equal(t, 2*time.Second, kinds[2].Timer.After.Std())

	data, err := json.Marshal(kinds[1])
	require.NoError(t, err)
	assert.JSONEq(t, `{"class":"timer","timer":{"mode":"repeat","after":"250ms","count":3}}`, string(data))
}

func TestInputTranslate(t *testing.T) {
	in := Input{Class: InputPointer, X: 15, Y: 25}
	local := in.Translate(10, 20)
	assert.Equal(t, float32(5), local.X)
	assert.Equal(t, float32(5), local.Y)
	assert.Equal(t, float32(15), in.X)
	assert.True(t, in.IsPointer())
	assert.False(t, Input{Class: InputKeyDown}.IsPointer())
}

func TestRegistrationValidate(t *testing.T) {
	ok := Registration{
		Subscribe: []EventKind{PluginKind("ping")},
		Publish:   []string{"pong"},
		Widgets:   []WidgetSpec{{Name: "btn", Type: "button"}},
	}
	assert.NoError(t, ok.Validate())

	bad := Registration{
		Subscribe: []EventKind{InputKind(InputSpec{Class: InputPointer})},
		Publish:   []string{""},
		Widgets:   []WidgetSpec{{Name: "a", Type: "label"}, {Name: "a", Type: "label"}},
	}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "raw input")
	assert.Contains(t, err.Error(), "empty kind")
	assert.Contains(t, err.Error(), "duplicate name")
}

func TestMessageWith(t *testing.T) {
	base := NewMessage("move")
	moved := base.With("dx", Number(1))

	assert.Nil(t, base.Attributes)
	v, ok := moved.Attribute("dx")
	require.True(t, ok)
	assert.True(t, v.Equal(Number(1)))
}
