package model

import "time"

// ViolationType enumerates the integrity detector kinds.
type ViolationType string

const (
	ViolationFullscreenExit ViolationType = "fullscreen_exit"
	ViolationWindowBlur     ViolationType = "window_blur"
	ViolationTabSwitch      ViolationType = "tab_switch"
	ViolationPageReload     ViolationType = "page_reload"
	ViolationRightClick     ViolationType = "right_click"
	ViolationCopy           ViolationType = "copy"
	ViolationPaste          ViolationType = "paste"
	ViolationDevtools       ViolationType = "devtools"
)

// Violation is a single detected integrity breach. Violations are append-only.
type Violation struct {
	Type        ViolationType `json:"type"`
	Description string        `json:"description"`
	Timestamp   time.Time     `json:"timestamp"`
}
