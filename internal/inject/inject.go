// Package inject delivers a finished transcript into the focused
// application using robotgo, either as simulated keystrokes or via a
// clipboard paste.
package inject

import (
	"fmt"
	"runtime"
	"time"

	"github.com/go-vgo/robotgo"
)

// Injector handles typing or pasting transcript text into the active
// application.
type Injector struct {
	method string // "type" or "paste"
}

// NewInjector creates an Injector with the given method.
// method must be "type" (keystroke simulation) or "paste" (clipboard).
func NewInjector(method string) *Injector {
	return &Injector{method: method}
}

// Inject sends text to the active application using the configured method.
// Empty text is a no-op.
func (inj *Injector) Inject(text string) error {
	if text == "" {
		return nil
	}

	switch inj.method {
	case "paste":
		return inj.paste(text)
	default: // "type"
		return inj.typeText(text)
	}
}

// typeText simulates individual keystrokes. Preserves clipboard contents
// but is slower for long transcripts.
func (inj *Injector) typeText(text string) error {
	robotgo.Type(text)
	return nil
}

// paste copies text to clipboard and pastes with the platform paste combo.
// Faster for long transcripts but touches the clipboard; the previous
// contents are restored best-effort afterwards.
func (inj *Injector) paste(text string) error {
	prev, _ := robotgo.ReadAll()

	if err := robotgo.WriteAll(text); err != nil {
		return fmt.Errorf("inject: write to clipboard: %w", err)
	}

	if err := robotgo.KeyTap("v", pasteModifier()); err != nil {
		return fmt.Errorf("inject: key tap paste: %w", err)
	}

	// Give the focused app a moment to read the clipboard before the old
	// contents come back.
	time.Sleep(50 * time.Millisecond)
	_ = robotgo.WriteAll(prev)

	return nil
}

// pasteModifier returns the paste shortcut modifier for the platform.
func pasteModifier() string {
	if runtime.GOOS == "darwin" {
		return "cmd"
	}
	return "ctrl"
}
