// Package recorder orchestrates one recording cycle at a time: it binds the
// microphone capture to a transcription backend and walks the
// idle → starting → recording → transcribing → idle lifecycle.
package recorder

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/murmurapp/murmur/internal/audio"
	"github.com/murmurapp/murmur/internal/transcribe"
)

// State is the coordinator lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRecording
	StateTranscribing
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StateTranscribing:
		return "transcribing"
	default:
		return "idle"
	}
}

// Backend selects the transcription path for a cycle. The choice is fixed
// at start time and does not change mid-cycle.
type Backend int

const (
	BackendBatch Backend = iota
	BackendRealtime
)

// ErrPermissionDenied is reported when the microphone permission
// collaborator rejects the start attempt.
var ErrPermissionDenied = errors.New("recorder: microphone permission denied")

// Result is the single terminal outcome of one recording cycle.
type Result struct {
	Text string
	Err  error

	// StartedAt is when capture began; FirstAudioAt is when the first
	// usable audio arrived (zero when none did).
	StartedAt    time.Time
	FirstAudioAt time.Time
}

// CaptureSource is the microphone subscription (implemented by
// audio.Capture).
type CaptureSource interface {
	Start(opts audio.StartOptions) error
	Stop() (string, error)
}

// BatchTranscriber uploads one finished recording (implemented by
// transcribe.BatchClient).
type BatchTranscriber interface {
	Transcribe(ctx context.Context, audioPath, apiKey string, onDelta transcribe.DeltaFunc) (string, error)
}

// StreamSession is one streaming transcription cycle (implemented by
// transcribe.RealtimeSession).
type StreamSession interface {
	Start(apiKey string, onDelta transcribe.DeltaFunc, onComplete transcribe.CompleteFunc)
	BeginInput()
	SendAudio(chunk []byte)
	Commit()
	Cancel()
	Shutdown()
}

// Options wires the coordinator's collaborators.
type Options struct {
	Backend Backend
	APIKey  string

	Capture CaptureSource

	// NewBatch and NewSession create a fresh client per cycle; only the
	// one matching Backend is used.
	NewBatch   func() BatchTranscriber
	NewSession func() StreamSession

	// CheckPermission, when set, runs before the device is opened. It may
	// block (e.g. an OS permission prompt); a stale result after cancel is
	// discarded.
	CheckPermission func() error

	// OnDelta receives transcript fragments as they arrive.
	OnDelta func(delta string)

	// OnResult receives exactly one terminal result per cycle.
	OnResult func(Result)
}

// Coordinator drives the recording state machine. All transitions are
// serialized; Toggle may be called from any goroutine.
type Coordinator struct {
	opts Options

	mu      sync.Mutex
	state   State
	attempt uint64 // start-attempt token, bumped on every start and cancel
	cur     *cycle
}

// cycle is the per-recording session state, created on start and destroyed
// on the terminal result. Never reused.
type cycle struct {
	attempt      uint64
	backend      Backend
	session      StreamSession
	startedAt    time.Time
	firstAudioMu sync.Mutex
	firstAudioAt time.Time
	wavPath      string
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	return &Coordinator{opts: opts}
}

// State reports the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Toggle advances the state machine: start from idle, cancel a pending
// start, stop-and-transcribe from recording. While transcription is in
// flight it is a no-op; the returned state lets the caller signal busy.
func (c *Coordinator) Toggle() State {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.attempt++
		token := c.attempt
		c.state = StateStarting
		c.mu.Unlock()
		go c.beginStart(token)
		return StateStarting

	case StateStarting:
		// Cancel the pending start. The in-flight attempt sees the bumped
		// token and unwinds whatever it already acquired.
		c.attempt++
		c.state = StateIdle
		c.cur = nil
		c.mu.Unlock()
		log.Println("recorder: start cancelled")
		return StateIdle

	case StateRecording:
		c.state = StateTranscribing
		cyc := c.cur
		c.mu.Unlock()
		c.stopAndTranscribe(cyc)
		return StateTranscribing

	default: // StateTranscribing
		c.mu.Unlock()
		return StateTranscribing
	}
}

// beginStart runs the permission/start sequence off the owning context.
// Every suspension point is followed by a token check so that a cancelled
// or superseded attempt never starts a recording.
func (c *Coordinator) beginStart(token uint64) {
	startedAt := time.Now()

	if c.opts.CheckPermission != nil {
		err := c.opts.CheckPermission()
		if c.stale(token) {
			return
		}
		if err != nil {
			c.failStart(token, startedAt, errors.Join(ErrPermissionDenied, err))
			return
		}
	}

	cyc := &cycle{attempt: token, backend: c.opts.Backend, startedAt: startedAt}

	// Register the cycle before the session can complete, so that a
	// backend failing straight out of Start still routes its terminal
	// result through finishCycle.
	c.mu.Lock()
	if c.state != StateStarting || c.attempt != token {
		c.mu.Unlock()
		return
	}
	c.cur = cyc
	c.mu.Unlock()

	startOpts := audio.StartOptions{
		OnFirstAudio: func() {
			cyc.firstAudioMu.Lock()
			cyc.firstAudioAt = time.Now()
			cyc.firstAudioMu.Unlock()
		},
	}

	if cyc.backend == BackendRealtime {
		session := c.opts.NewSession()
		cyc.session = session
		session.Start(c.opts.APIKey, c.deltaFor(token), func(text string, err error) {
			c.finishCycle(token, text, err)
		})
		session.BeginInput()
		startOpts.Mode = audio.ModeStream
		startOpts.OnChunk = session.SendAudio
	} else {
		startOpts.Mode = audio.ModeBatch
	}

	// A session that already failed (or a cancel) must not open the mic.
	if c.stale(token) {
		if cyc.session != nil {
			cyc.session.Cancel()
			cyc.session.Shutdown()
		}
		return
	}

	if err := c.opts.Capture.Start(startOpts); err != nil {
		c.finishCycle(token, "", err)
		if cyc.session != nil {
			cyc.session.Shutdown()
		}
		return
	}

	c.mu.Lock()
	if c.state != StateStarting || c.attempt != token {
		// Cancelled while the device was opening: unwind.
		c.mu.Unlock()
		if path, _ := c.opts.Capture.Stop(); path != "" {
			os.Remove(path) //nolint:errcheck
		}
		if cyc.session != nil {
			cyc.session.Cancel()
			cyc.session.Shutdown()
		}
		return
	}
	c.state = StateRecording
	c.cur = cyc
	c.mu.Unlock()
	log.Println("recorder: recording")
}

// stopAndTranscribe ends capture and hands the audio to the backend.
func (c *Coordinator) stopAndTranscribe(cyc *cycle) {
	path, stopErr := c.opts.Capture.Stop()
	if stopErr != nil {
		log.Printf("recorder: finalizing capture: %v", stopErr)
	}
	cyc.wavPath = path

	if cyc.backend == BackendRealtime {
		cyc.session.Commit()
		// The result arrives via the session's completion callback.
		return
	}

	go func() {
		batch := c.opts.NewBatch()
		text, err := batch.Transcribe(context.Background(), path, c.opts.APIKey, c.deltaFor(cyc.attempt))
		c.finishCycle(cyc.attempt, text, err)
	}()
}

// failStart returns the coordinator to idle and surfaces the start error.
func (c *Coordinator) failStart(token uint64, startedAt time.Time, err error) {
	c.mu.Lock()
	if c.state != StateStarting || c.attempt != token {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	c.cur = nil
	c.mu.Unlock()

	if c.opts.OnResult != nil {
		c.opts.OnResult(Result{Err: err, StartedAt: startedAt})
	}
}

// finishCycle delivers the cycle's single terminal result and releases the
// recording session. Results for a superseded cycle are discarded.
func (c *Coordinator) finishCycle(token uint64, text string, err error) {
	c.mu.Lock()
	cyc := c.cur
	if cyc == nil || cyc.attempt != token {
		c.mu.Unlock()
		return
	}
	wasRecording := c.state == StateRecording
	c.cur = nil
	c.state = StateIdle
	c.mu.Unlock()

	if wasRecording {
		// The backend failed without a user toggle: the microphone is
		// still open and must be released with the cycle.
		if path, _ := c.opts.Capture.Stop(); path != "" {
			os.Remove(path) //nolint:errcheck
		}
	}

	if cyc.session != nil {
		cyc.session.Shutdown()
	}
	if cyc.wavPath != "" {
		// Temporary audio is released on success and failure alike.
		if rmErr := os.Remove(cyc.wavPath); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Printf("recorder: removing temp audio: %v", rmErr)
		}
	}

	cyc.firstAudioMu.Lock()
	firstAudio := cyc.firstAudioAt
	cyc.firstAudioMu.Unlock()

	if c.opts.OnResult != nil {
		c.opts.OnResult(Result{
			Text:         text,
			Err:          err,
			StartedAt:    cyc.startedAt,
			FirstAudioAt: firstAudio,
		})
	}
}

// deltaFor forwards fragments only while the given cycle is still current.
func (c *Coordinator) deltaFor(token uint64) transcribe.DeltaFunc {
	return func(delta string) {
		if c.opts.OnDelta == nil {
			return
		}
		c.mu.Lock()
		current := c.cur != nil && c.cur.attempt == token
		c.mu.Unlock()
		if current {
			c.opts.OnDelta(delta)
		}
	}
}

// stale reports whether the attempt token has been superseded.
func (c *Coordinator) stale(token uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt != token || c.state != StateStarting
}

// Close cancels whatever is in flight; used on program shutdown.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.attempt++
	cyc := c.cur
	c.cur = nil
	c.state = StateIdle
	c.mu.Unlock()

	if path, _ := c.opts.Capture.Stop(); path != "" {
		os.Remove(path) //nolint:errcheck
	}
	if cyc != nil && cyc.session != nil {
		cyc.session.Cancel()
		cyc.session.Shutdown()
	}
}
