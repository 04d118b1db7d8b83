// Package transcribe provides the two cloud speech-to-text paths:
//
//   - batch: upload a finished WAV via multipart POST and parse the
//     streamed event-stream response (BatchClient)
//   - realtime: a persistent websocket session fed incremental PCM
//     (RealtimeSession)
//
// Both report transcript fragments as they arrive and exactly one terminal
// result per invocation.
package transcribe

import (
	"errors"
	"fmt"
)

// DeltaFunc receives incremental transcript fragments, in arrival order.
type DeltaFunc func(delta string)

// CompleteFunc receives the terminal result of a transcription cycle:
// the final text, or a non-nil error. It is invoked exactly once.
type CompleteFunc func(text string, err error)

// ErrNoTranscript means the stream ended cleanly but produced no usable
// text. Distinct from an explicit empty final transcript.
var ErrNoTranscript = errors.New("transcribe: no transcript produced")

// TransportError is a network or connection failure before the remote
// service produced a usable response.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transcribe: transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPError is a rejected batch upload. Body holds the full response body.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("transcribe: HTTP %d: %s", e.Status, e.Body)
}

// RealtimeErrorKind classifies streaming session failures.
type RealtimeErrorKind int

const (
	// ConnectionClosed: the connection dropped (or was cancelled) before a
	// final transcript arrived.
	ConnectionClosed RealtimeErrorKind = iota
	// ServerError: the server sent a generic error event.
	ServerError
	// TranscriptionFailed: the server reported transcription failure for
	// the committed audio.
	TranscriptionFailed
)

// RealtimeError is a streaming protocol failure.
type RealtimeError struct {
	Kind    RealtimeErrorKind
	Message string
}

func (e *RealtimeError) Error() string {
	switch e.Kind {
	case ServerError:
		return fmt.Sprintf("transcribe: realtime server error: %s", e.Message)
	case TranscriptionFailed:
		return fmt.Sprintf("transcribe: transcription failed: %s", e.Message)
	default:
		return "transcribe: realtime connection closed"
	}
}
