package plugin_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/goatkit/ludo/internal/plugin"
	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

func TestErrorCode(t *testing.T) {
	id := pkgplugin.WidgetID{Owner: "a", Name: "b"}
	tests := []struct {
		err  error
		code string
	}{
		{&plugin.NotOwnerError{Caller: "x", Widget: id}, "not_owner"},
		{fmt.Errorf("update: %w", &plugin.NoSuchWidgetError{Widget: id}), "no_such_widget"},
		{&plugin.NoSuchAttributeError{Widget: id, Key: "k"}, "no_such_attribute"},
		{&plugin.ConstructionError{Widget: id, Type: "button", Err: assert.AnError}, "construction"},
		{&plugin.UnauthorizedKindError{Plugin: "x", Kind: "k"}, "unauthorized_kind"},
		{&plugin.QuotaExceededError{Plugin: "x", Limit: 1}, "quota_exceeded"},
		{plugin.ErrHostCallLimit, "host_call_limit"},
		{plugin.ErrNoActiveCall, "no_active_call"},
		{assert.AnError, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.code, plugin.ErrorCode(tt.err))
		})
	}
}
