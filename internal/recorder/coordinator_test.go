package recorder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/murmurapp/murmur/internal/audio"
	"github.com/murmurapp/murmur/internal/transcribe"
)

type fakeCapture struct {
	mu         sync.Mutex
	startCalls int
	stopCalls  int
	opts       audio.StartOptions
	startErr   error
	stopPath   string
}

func (f *fakeCapture) Start(opts audio.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	f.opts = opts
	return f.startErr
}

func (f *fakeCapture) Stop() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return f.stopPath, nil
}

func (f *fakeCapture) startOpts() audio.StartOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts
}

func (f *fakeCapture) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls, f.stopCalls
}

type fakeBatch struct {
	text    string
	err     error
	gotPath string
	gotKey  string
	block   chan struct{} // when non-nil, Transcribe waits for it
}

func (f *fakeBatch) Transcribe(ctx context.Context, audioPath, apiKey string, onDelta transcribe.DeltaFunc) (string, error) {
	f.gotPath = audioPath
	f.gotKey = apiKey
	if f.block != nil {
		<-f.block
	}
	return f.text, f.err
}

type fakeSession struct {
	mu         sync.Mutex
	started    bool
	beganInput bool
	committed  bool
	cancelled  bool
	shutdowns  int
	chunks     [][]byte
	onComplete transcribe.CompleteFunc
}

func (f *fakeSession) Start(apiKey string, onDelta transcribe.DeltaFunc, onComplete transcribe.CompleteFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	f.onComplete = onComplete
}

func (f *fakeSession) BeginInput() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beganInput = true
}

func (f *fakeSession) SendAudio(chunk []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, append([]byte(nil), chunk...))
}

func (f *fakeSession) Commit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = true
}

func (f *fakeSession) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
}

func (f *fakeSession) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
}

func (f *fakeSession) complete(text string, err error) {
	f.mu.Lock()
	cb := f.onComplete
	f.mu.Unlock()
	cb(text, err)
}

// waitState polls until the coordinator reaches the wanted state.
func waitState(t *testing.T, c *Coordinator, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", c.State(), want)
}

func awaitResult(t *testing.T, results chan Result) Result {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

func expectNoResult(t *testing.T, results chan Result, d time.Duration) {
	t.Helper()
	select {
	case r := <-results:
		t.Fatalf("unexpected result: %+v", r)
	case <-time.After(d):
	}
}

func TestBatchCycle(t *testing.T) {
	wavPath := filepath.Join(t.TempDir(), "cycle.wav")
	if err := os.WriteFile(wavPath, []byte("fake"), 0o644); err != nil {
		t.Fatal(err)
	}

	capture := &fakeCapture{stopPath: wavPath}
	batch := &fakeBatch{text: "hello world"}
	results := make(chan Result, 4)

	c := New(Options{
		Backend:  BackendBatch,
		APIKey:   "key",
		Capture:  capture,
		NewBatch: func() BatchTranscriber { return batch },
		OnResult: func(r Result) { results <- r },
	})

	if got := c.Toggle(); got != StateStarting {
		t.Fatalf("Toggle() = %v, want starting", got)
	}
	waitState(t, c, StateRecording)

	opts := capture.startOpts()
	if opts.Mode != audio.ModeBatch {
		t.Errorf("capture mode = %v, want batch", opts.Mode)
	}
	opts.OnFirstAudio() // simulate the first captured block

	c.Toggle()
	res := awaitResult(t, results)
	if res.Err != nil {
		t.Fatalf("result error = %v", res.Err)
	}
	if res.Text != "hello world" {
		t.Errorf("text = %q", res.Text)
	}
	if res.FirstAudioAt.IsZero() {
		t.Error("first-audio time was not recorded")
	}
	if batch.gotPath != wavPath || batch.gotKey != "key" {
		t.Errorf("transcribe called with (%q, %q)", batch.gotPath, batch.gotKey)
	}
	waitState(t, c, StateIdle)

	// The temporary audio file is released with the session.
	if _, err := os.Stat(wavPath); !os.IsNotExist(err) {
		t.Errorf("temp audio still exists after cycle (stat err = %v)", err)
	}
}

func TestRealtimeCycle(t *testing.T) {
	capture := &fakeCapture{}
	session := &fakeSession{}
	results := make(chan Result, 4)

	c := New(Options{
		Backend:    BackendRealtime,
		APIKey:     "key",
		Capture:    capture,
		NewSession: func() StreamSession { return session },
		OnResult:   func(r Result) { results <- r },
	})

	c.Toggle()
	waitState(t, c, StateRecording)

	session.mu.Lock()
	started, began := session.started, session.beganInput
	session.mu.Unlock()
	if !started || !began {
		t.Fatalf("session started=%v beganInput=%v, want both", started, began)
	}

	opts := capture.startOpts()
	if opts.Mode != audio.ModeStream {
		t.Fatalf("capture mode = %v, want stream", opts.Mode)
	}
	opts.OnChunk([]byte{1, 2, 3})

	c.Toggle()
	waitState(t, c, StateTranscribing)
	session.mu.Lock()
	committed := session.committed
	chunks := len(session.chunks)
	session.mu.Unlock()
	if !committed {
		t.Error("stop did not commit the session")
	}
	if chunks != 1 {
		t.Errorf("forwarded chunks = %d, want 1", chunks)
	}

	session.complete("hi there", nil)
	res := awaitResult(t, results)
	if res.Err != nil || res.Text != "hi there" {
		t.Fatalf("result = %+v, want (hi there, nil)", res)
	}
	waitState(t, c, StateIdle)

	session.mu.Lock()
	shutdowns := session.shutdowns
	session.mu.Unlock()
	if shutdowns == 0 {
		t.Error("session was not shut down after the cycle")
	}
}

func TestCancelPendingStart(t *testing.T) {
	release := make(chan struct{})
	capture := &fakeCapture{}
	session := &fakeSession{}
	results := make(chan Result, 4)

	c := New(Options{
		Backend:         BackendRealtime,
		Capture:         capture,
		NewSession:      func() StreamSession { return session },
		CheckPermission: func() error { <-release; return nil },
		OnResult:        func(r Result) { results <- r },
	})

	c.Toggle() // starting
	if got := c.Toggle(); got != StateIdle {
		t.Fatalf("cancel Toggle() = %v, want idle", got)
	}
	close(release) // the stale permission result arrives after cancel

	// The stale attempt must not start anything or deliver a result.
	expectNoResult(t, results, 150*time.Millisecond)
	if starts, _ := capture.calls(); starts != 0 {
		t.Errorf("capture.Start called %d times after cancel", starts)
	}
	session.mu.Lock()
	started := session.started
	session.mu.Unlock()
	if started {
		t.Error("session started after cancel")
	}

	// The next cycle starts from a clean slate.
	c.Toggle()
	waitState(t, c, StateRecording)
	if starts, _ := capture.calls(); starts != 1 {
		t.Errorf("capture.Start calls = %d, want 1", starts)
	}
}

func TestCancelWhileDeviceOpening(t *testing.T) {
	opening := make(chan struct{})
	release := make(chan struct{})
	capture := &fakeCapture{}
	session := &fakeSession{}
	results := make(chan Result, 4)

	slowCapture := &slowStartCapture{fakeCapture: capture, opening: opening, release: release}
	c := New(Options{
		Backend:    BackendRealtime,
		Capture:    slowCapture,
		NewSession: func() StreamSession { return session },
		OnResult:   func(r Result) { results <- r },
	})

	c.Toggle()
	<-opening  // device open in flight
	c.Toggle() // cancel
	close(release)

	expectNoResult(t, results, 150*time.Millisecond)
	waitState(t, c, StateIdle)

	// The acquired device and session are unwound.
	_, stops := capture.calls()
	if stops == 0 {
		t.Error("capture not stopped after cancelled start")
	}
	session.mu.Lock()
	cancelled, shutdowns := session.cancelled, session.shutdowns
	session.mu.Unlock()
	if !cancelled || shutdowns == 0 {
		t.Errorf("session cancelled=%v shutdowns=%d, want unwound", cancelled, shutdowns)
	}
}

type slowStartCapture struct {
	*fakeCapture
	opening chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowStartCapture) Start(opts audio.StartOptions) error {
	s.once.Do(func() { close(s.opening) })
	<-s.release
	return s.fakeCapture.Start(opts)
}

func TestPermissionDenied(t *testing.T) {
	capture := &fakeCapture{}
	results := make(chan Result, 4)

	c := New(Options{
		Backend:  BackendBatch,
		Capture:  capture,
		NewBatch: func() BatchTranscriber { return &fakeBatch{} },
		CheckPermission: func() error {
			time.Sleep(75 * time.Millisecond)
			return errors.New("denied by user")
		},
		OnResult: func(r Result) { results <- r },
	})

	began := time.Now()
	c.Toggle()
	res := awaitResult(t, results)
	if !errors.Is(res.Err, ErrPermissionDenied) {
		t.Errorf("err = %v, want ErrPermissionDenied", res.Err)
	}
	// StartedAt is the attempt start, not the moment of failure.
	if res.StartedAt.Before(began) || time.Since(res.StartedAt) < 75*time.Millisecond {
		t.Errorf("StartedAt = %v, want the attempt start near %v", res.StartedAt, began)
	}
	waitState(t, c, StateIdle)
	if starts, _ := capture.calls(); starts != 0 {
		t.Errorf("capture.Start called despite denied permission")
	}
}

// failFastSession completes with an error straight out of Start, the way a
// refused dial does before the device has even opened.
type failFastSession struct {
	fakeSession
	startErr error
}

func (f *failFastSession) Start(apiKey string, onDelta transcribe.DeltaFunc, onComplete transcribe.CompleteFunc) {
	f.fakeSession.Start(apiKey, onDelta, onComplete)
	onComplete("", f.startErr)
}

func TestRealtimeSessionFailsOutOfStart(t *testing.T) {
	capture := &fakeCapture{}
	results := make(chan Result, 4)

	var sessions []*failFastSession
	c := New(Options{
		Backend: BackendRealtime,
		Capture: capture,
		NewSession: func() StreamSession {
			s := &failFastSession{startErr: &transcribe.TransportError{Err: errors.New("connection refused")}}
			sessions = append(sessions, s)
			return s
		},
		OnResult: func(r Result) { results <- r },
	})

	c.Toggle()
	res := awaitResult(t, results)
	var transportErr *transcribe.TransportError
	if !errors.As(res.Err, &transportErr) {
		t.Fatalf("err = %v, want *TransportError", res.Err)
	}
	waitState(t, c, StateIdle)
	expectNoResult(t, results, 150*time.Millisecond)

	// The failed attempt never opens the microphone.
	if starts, _ := capture.calls(); starts != 0 {
		t.Errorf("capture.Start calls = %d, want 0", starts)
	}
	sessions[0].mu.Lock()
	shutdowns := sessions[0].shutdowns
	sessions[0].mu.Unlock()
	if shutdowns == 0 {
		t.Error("failed session was not shut down")
	}

	// The coordinator is not wedged: the next cycle runs to completion too.
	c.Toggle()
	res = awaitResult(t, results)
	if res.Err == nil {
		t.Fatal("second cycle should fail the same way")
	}
	waitState(t, c, StateIdle)
	expectNoResult(t, results, 100*time.Millisecond)
}

func TestRealtimeMidRecordingFailureStopsCapture(t *testing.T) {
	capture := &fakeCapture{}
	session := &fakeSession{}
	results := make(chan Result, 4)

	c := New(Options{
		Backend:    BackendRealtime,
		Capture:    capture,
		NewSession: func() StreamSession { return session },
		OnResult:   func(r Result) { results <- r },
	})

	c.Toggle()
	waitState(t, c, StateRecording)

	// The connection drops without a user toggle.
	session.complete("", &transcribe.RealtimeError{Kind: transcribe.ConnectionClosed})
	res := awaitResult(t, results)
	if res.Err == nil {
		t.Fatal("dropped session should surface an error")
	}
	waitState(t, c, StateIdle)

	// The microphone is released with the failed cycle.
	if _, stops := capture.calls(); stops == 0 {
		t.Error("capture left running after mid-recording failure")
	}
	session.mu.Lock()
	shutdowns := session.shutdowns
	session.mu.Unlock()
	if shutdowns == 0 {
		t.Error("failed session was not shut down")
	}
}

func TestStartFailure(t *testing.T) {
	capture := &fakeCapture{startErr: audio.ErrNoInputDevice}
	results := make(chan Result, 4)

	c := New(Options{
		Backend:  BackendBatch,
		Capture:  capture,
		NewBatch: func() BatchTranscriber { return &fakeBatch{} },
		OnResult: func(r Result) { results <- r },
	})

	c.Toggle()
	res := awaitResult(t, results)
	if !errors.Is(res.Err, audio.ErrNoInputDevice) {
		t.Errorf("err = %v, want ErrNoInputDevice", res.Err)
	}
	waitState(t, c, StateIdle)
}

func TestToggleWhileTranscribingIsNoOp(t *testing.T) {
	block := make(chan struct{})
	capture := &fakeCapture{}
	batch := &fakeBatch{text: "done", block: block}
	results := make(chan Result, 4)

	c := New(Options{
		Backend:  BackendBatch,
		Capture:  capture,
		NewBatch: func() BatchTranscriber { return batch },
		OnResult: func(r Result) { results <- r },
	})

	c.Toggle()
	waitState(t, c, StateRecording)
	c.Toggle()
	waitState(t, c, StateTranscribing)

	// Busy: further toggles change nothing.
	if got := c.Toggle(); got != StateTranscribing {
		t.Errorf("busy Toggle() = %v, want transcribing", got)
	}
	if got := c.Toggle(); got != StateTranscribing {
		t.Errorf("busy Toggle() = %v, want transcribing", got)
	}

	close(block)
	res := awaitResult(t, results)
	if res.Text != "done" {
		t.Errorf("text = %q", res.Text)
	}
	expectNoResult(t, results, 100*time.Millisecond)
	waitState(t, c, StateIdle)
}

func TestRealtimeFailureReleasesSession(t *testing.T) {
	capture := &fakeCapture{}
	session := &fakeSession{}
	results := make(chan Result, 4)

	c := New(Options{
		Backend:    BackendRealtime,
		Capture:    capture,
		NewSession: func() StreamSession { return session },
		OnResult:   func(r Result) { results <- r },
	})

	c.Toggle()
	waitState(t, c, StateRecording)
	c.Toggle()

	session.complete("", &transcribe.RealtimeError{Kind: transcribe.ServerError, Message: "boom"})
	res := awaitResult(t, results)
	var rtErr *transcribe.RealtimeError
	if !errors.As(res.Err, &rtErr) {
		t.Fatalf("err = %v, want *RealtimeError", res.Err)
	}
	waitState(t, c, StateIdle)

	session.mu.Lock()
	shutdowns := session.shutdowns
	session.mu.Unlock()
	if shutdowns == 0 {
		t.Error("failed session was not shut down")
	}
}
