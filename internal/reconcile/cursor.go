package reconcile

import "strings"

// CursorAction is the indicator shown on the automation cursor
type CursorAction string

const (
	CursorClick    CursorAction = "click"
	CursorType     CursorAction = "type"
	CursorWait     CursorAction = "wait"
	CursorObserve  CursorAction = "observe"
	CursorSuccess  CursorAction = "success"
	CursorError    CursorAction = "error"
	CursorThinking CursorAction = "thinking"
)

var cursorActions = map[string]CursorAction{
	"click":        CursorClick,
	"left_click":   CursorClick,
	"double_click": CursorClick,
	"right_click":  CursorClick,
	"scroll":       CursorClick,
	"drag":         CursorClick,
	"move":         CursorClick,
	"mouse_move":   CursorClick,
	"open_app":     CursorClick,

	"type":      CursorType,
	"type_text": CursorType,
	"hotkey":    CursorType,
	"press":     CursorType,
	"key":       CursorType,
	"key_press": CursorType,

	"wait":  CursorWait,
	"sleep": CursorWait,

	"observe":    CursorObserve,
	"screenshot": CursorObserve,
	"look":       CursorObserve,
	"read":       CursorObserve,

	"success":   CursorSuccess,
	"done":      CursorSuccess,
	"complete":  CursorSuccess,
	"completed": CursorSuccess,

	"error":  CursorError,
	"fail":   CursorError,
	"failed": CursorError,

	"thinking": CursorThinking,
	"think":    CursorThinking,
	"plan":     CursorThinking,
	"planning": CursorThinking,
}

// MapCursorAction maps a textual action name onto a cursor indicator.
// Unrecognized names map to wait.
func MapCursorAction(name string) CursorAction {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	if a, ok := cursorActions[key]; ok {
		return a
	}
	return CursorWait
}
