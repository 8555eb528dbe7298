// Package plugin is the host side of the plugin system: lifecycle, the
// per-plugin sandboxed host API, persistent stores and the error taxonomy
// shared by the widget registry, event router and engine.
//
// The public types live in pkg/plugin so plugin authors can import them;
// they are re-exported here so host code has one import.
package plugin

import (
	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

type Plugin = pkgplugin.Plugin
type HostAPI = pkgplugin.HostAPI
type Registration = pkgplugin.Registration
type WidgetSpec = pkgplugin.WidgetSpec
type WidgetID = pkgplugin.WidgetID
type Event = pkgplugin.Event
type EventKind = pkgplugin.EventKind
type Message = pkgplugin.Message
type Value = pkgplugin.Value
type Attributes = pkgplugin.Attributes
type InputState = pkgplugin.InputState
type ResourcePolicy = pkgplugin.ResourcePolicy
type PluginManifest = pkgplugin.PluginManifest

// DefaultResourcePolicy re-exports the default policy constructor.
var DefaultResourcePolicy = pkgplugin.DefaultResourcePolicy
