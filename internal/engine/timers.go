package engine

import (
	"slices"
	"time"

	"github.com/robfig/cron/v3"

	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

// timer is one plugin's subscription to one timer kind.
type timer struct {
	plugin string
	spec   pkgplugin.TimerSpec
	key    string
	fired  int

	// cron timers only
	schedule cron.Schedule
	next     time.Time
}

// profileKey identifies a timer in the persisted fired set.
func (t *timer) profileKey() string { return t.plugin + "|" + t.key }

// timerTable decides which timers are due each tick. Session state resets
// with the session; Date and Profile firings persist with the save profile.
type timerTable struct {
	timers       []*timer
	profileFired map[string]bool
}

func newTimerTable() *timerTable {
	return &timerTable{profileFired: make(map[string]bool)}
}

// add registers a plugin's timer subscriptions in declaration order.
func (tt *timerTable) add(plugin string, kinds []pkgplugin.EventKind) {
	for _, k := range kinds {
		if k.Class != pkgplugin.ClassTimer || k.Timer == nil {
			continue
		}
		t := &timer{plugin: plugin, spec: *k.Timer, key: k.Timer.Key()}
		if t.spec.Mode == pkgplugin.TimerCron {
			sched, err := t.spec.Schedule()
			if err != nil {
				continue
			}
			t.schedule = sched
		}
		tt.timers = append(tt.timers, t)
	}
}

func (tt *timerTable) remove(plugin string) {
	tt.timers = slices.DeleteFunc(tt.timers, func(t *timer) bool { return t.plugin == plugin })
}

// due returns the timers that fire now and records their firing.
// session is time since the session started; profile adds the time
// accumulated by earlier sessions of the save profile.
func (tt *timerTable) due(now time.Time, session, profile time.Duration) []*timer {
	var out []*timer
	for _, t := range tt.timers {
		after := t.spec.After.Std()
		switch t.spec.Mode {
		case pkgplugin.TimerDate:
			if tt.profileFired[t.profileKey()] || now.Before(t.spec.At) {
				continue
			}
			tt.profileFired[t.profileKey()] = true
		case pkgplugin.TimerSession:
			if t.fired > 0 || session < after {
				continue
			}
		case pkgplugin.TimerProfile:
			if tt.profileFired[t.profileKey()] || profile < after {
				continue
			}
			tt.profileFired[t.profileKey()] = true
		case pkgplugin.TimerRepeat:
			if t.fired >= t.spec.Count || session < after*time.Duration(t.fired+1) {
				continue
			}
		case pkgplugin.TimerAlways:
			if session < after {
				continue
			}
		case pkgplugin.TimerCron:
			if t.next.IsZero() {
				t.next = t.schedule.Next(now)
			}
			if now.Before(t.next) {
				continue
			}
			t.next = t.schedule.Next(now)
		default:
			continue
		}
		t.fired++
		out = append(out, t)
	}
	return out
}

// resetSession re-arms session-scoped timers.
func (tt *timerTable) resetSession() {
	for _, t := range tt.timers {
		t.fired = 0
		t.next = time.Time{}
	}
}

// firedKeys returns the persisted fired set, sorted.
func (tt *timerTable) firedKeys() []string {
	keys := make([]string, 0, len(tt.profileFired))
	for k, ok := range tt.profileFired {
		if ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

func (tt *timerTable) restoreFired(keys []string) {
	tt.profileFired = make(map[string]bool, len(keys))
	for _, k := range keys {
		tt.profileFired[k] = true
	}
}
