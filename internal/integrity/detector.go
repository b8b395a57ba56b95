// Package integrity turns browser signals forwarded by the exam tab into typed
// violations and applies the escalation policy.
package integrity

import (
	"sort"
	"strings"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// SignalKind is a raw browser event reported by the tab.
type SignalKind string

const (
	SignalFullscreenExit   SignalKind = "fullscreen_exit"
	SignalFullscreenEnter  SignalKind = "fullscreen_enter"
	SignalWindowBlur       SignalKind = "window_blur"
	SignalWindowFocus      SignalKind = "window_focus"
	SignalVisibilityHidden SignalKind = "visibility_hidden"
	SignalVisibilityShown  SignalKind = "visibility_visible"
	SignalBeforeUnload     SignalKind = "before_unload"
	SignalContextMenu      SignalKind = "context_menu"
	SignalCopy             SignalKind = "copy"
	SignalPaste            SignalKind = "paste"
	SignalSelectStart      SignalKind = "select_start"
	SignalKeyDown          SignalKind = "keydown"
)

// Signal is one browser event. Key and the modifier flags are only set for
// keydown.
type Signal struct {
	Kind  SignalKind `json:"kind"`
	Key   string     `json:"key,omitempty"`
	Ctrl  bool       `json:"ctrl,omitempty"`
	Shift bool       `json:"shift,omitempty"`
	Meta  bool       `json:"meta,omitempty"`
}

// Directive tells the tab what to do with the native event.
type Directive struct {
	Suppress      bool                `json:"suppress"`
	ConfirmUnload bool                `json:"confirm_unload"`
	Violation     model.ViolationType `json:"violation,omitempty"`
}

// State is the monitor's view of the tab.
type State struct {
	Fullscreen bool
	Focused    bool
	Visible    bool
}

// Detector is one named capability of the monitor. An empty Violation means
// the signal only changes state or is suppressed without being logged.
type Detector struct {
	Kind               SignalKind
	Violation          model.ViolationType
	Description        string
	Suppress           bool
	ConfirmUnload      bool
	RequiresFullscreen bool
	Match              func(Signal) bool
	Apply              func(*State)
}

func (d *Detector) matches(sig Signal) bool {
	return d.Match == nil || d.Match(sig)
}

// DevtoolsShortcut reports whether a keydown opens developer tools or the
// page source: F12, Ctrl+Shift+I, Ctrl+Shift+J or Ctrl+U.
func DevtoolsShortcut(sig Signal) bool {
	key := strings.ToUpper(sig.Key)
	if key == "F12" {
		return true
	}
	if !sig.Ctrl && !sig.Meta {
		return false
	}
	if sig.Shift && (key == "I" || key == "J") {
		return true
	}
	return !sig.Shift && key == "U"
}

var registry = map[SignalKind]Detector{
	SignalFullscreenExit: {
		Violation:          model.ViolationFullscreenExit,
		Description:        "Exited fullscreen mode",
		RequiresFullscreen: true,
		Apply:              func(s *State) { s.Fullscreen = false },
	},
	SignalFullscreenEnter: {
		Apply: func(s *State) { s.Fullscreen = true },
	},
	SignalWindowBlur: {
		Violation:   model.ViolationWindowBlur,
		Description: "Exam window lost focus",
		Apply:       func(s *State) { s.Focused = false },
	},
	SignalWindowFocus: {
		Apply: func(s *State) { s.Focused = true },
	},
	SignalVisibilityHidden: {
		Violation:   model.ViolationTabSwitch,
		Description: "Switched to another tab",
		Apply:       func(s *State) { s.Visible = false },
	},
	SignalVisibilityShown: {
		Apply: func(s *State) { s.Visible = true },
	},
	SignalBeforeUnload: {
		Violation:     model.ViolationPageReload,
		Description:   "Attempted to reload or leave the page",
		ConfirmUnload: true,
	},
	SignalContextMenu: {
		Violation:   model.ViolationRightClick,
		Description: "Opened the context menu",
		Suppress:    true,
	},
	SignalCopy: {
		Violation:   model.ViolationCopy,
		Description: "Attempted to copy",
		Suppress:    true,
	},
	SignalPaste: {
		Violation:   model.ViolationPaste,
		Description: "Attempted to paste",
		Suppress:    true,
	},
	SignalSelectStart: {
		Suppress: true,
	},
	SignalKeyDown: {
		Violation:   model.ViolationDevtools,
		Description: "Attempted to open developer tools",
		Suppress:    true,
		Match:       DevtoolsShortcut,
	},
}

func init() {
	for kind, d := range registry {
		d.Kind = kind
		registry[kind] = d
	}
}

// Lookup returns the detector handling sig, if any.
func Lookup(sig Signal) (Detector, bool) {
	d, ok := registry[sig.Kind]
	if !ok || !d.matches(sig) {
		return Detector{}, false
	}
	return d, true
}

// Known reports whether kind is a signal the registry handles.
func Known(kind SignalKind) bool {
	_, ok := registry[kind]
	return ok
}

// Detectors lists the registry sorted by signal kind.
func Detectors() []Detector {
	out := make([]Detector, 0, len(registry))
	for _, d := range registry {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Evaluate computes the directive for sig without touching any monitor
// state, so a transport can answer the tab before the violation is recorded.
func Evaluate(sig Signal, requireFullscreen bool) Directive {
	d, ok := Lookup(sig)
	if !ok {
		return Directive{}
	}
	dir := Directive{Suppress: d.Suppress, ConfirmUnload: d.ConfirmUnload}
	if d.logs(requireFullscreen) {
		dir.Violation = d.Violation
	}
	return dir
}

func (d *Detector) logs(requireFullscreen bool) bool {
	if d.Violation == "" {
		return false
	}
	return !d.RequiresFullscreen || requireFullscreen
}
