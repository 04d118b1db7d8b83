// Package notify plays short audible cues for recording lifecycle events
// using beeep. Cues are best-effort: a failed beep never fails the cycle.
package notify

import (
	"log"

	"github.com/gen2brain/beeep"
)

// Notifier plays recording cues. The zero value is silent.
type Notifier struct {
	enabled bool
}

// New creates a Notifier. When enabled is false all cues are no-ops.
func New(enabled bool) *Notifier {
	return &Notifier{enabled: enabled}
}

// RecordingStarted plays the capture-start cue.
func (n *Notifier) RecordingStarted() {
	n.beep(880, 120)
}

// RecordingStopped plays the capture-stop cue.
func (n *Notifier) RecordingStopped() {
	n.beep(660, 120)
}

// Failed plays the error cue.
func (n *Notifier) Failed() {
	n.beep(220, 250)
}

func (n *Notifier) beep(freq float64, durationMs int) {
	if !n.enabled {
		return
	}
	if err := beeep.Beep(freq, durationMs); err != nil {
		log.Printf("notify: beep: %v", err)
	}
}
