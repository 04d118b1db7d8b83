package transcribe

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// DefaultRealtimeEndpoint is the bidirectional transcription session URL.
const DefaultRealtimeEndpoint = "wss://api.openai.com/v1/realtime?intent=transcription"

type sessionState int

const (
	stateIdle sessionState = iota
	stateConnecting
	stateAwaitingConfig
	stateConfigured
	stateFinished
)

// clientEvent is a client → server message.
type clientEvent struct {
	Type    string         `json:"type"`
	Audio   string         `json:"audio,omitempty"`
	Session *sessionConfig `json:"session,omitempty"`
}

type sessionConfig struct {
	InputAudioFormat        string              `json:"input_audio_format"`
	InputAudioTranscription transcriptionConfig `json:"input_audio_transcription"`
	// TurnDetection is explicitly null: the client controls segment
	// boundaries via commit, the server must not auto-detect turns.
	TurnDetection json.RawMessage `json:"turn_detection"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

// serverEvent is a server → client message. Fields not used by a given
// event type are simply empty.
type serverEvent struct {
	Type       string           `json:"type"`
	ItemID     string           `json:"item_id"`
	Delta      string           `json:"delta"`
	Transcript string           `json:"transcript"`
	Error      *serverEventBody `json:"error"`
}

type serverEventBody struct {
	Message string `json:"message"`
}

// RealtimeSession is one streaming transcription cycle over a websocket.
//
// Audio may arrive before the server has acknowledged the session
// configuration; such chunks (and any clear/commit requests) are queued and
// replayed in original order once session.updated is observed. Transcript
// events are correlated by item id: the session binds to the first id it
// sees in a cycle and ignores events carrying any other id.
//
// A session is used for exactly one cycle: Start, BeginInput, SendAudio...,
// Commit, then the single completion callback, then Shutdown.
type RealtimeSession struct {
	Endpoint string
	Model    string

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	mu        sync.Mutex
	state     sessionState
	conn      *websocket.Conn
	accepting bool

	// queued requests awaiting session.updated
	pendingClear  bool
	pendingCommit bool
	pendingAudio  [][]byte // marshaled append events, FIFO

	itemID string
	acc    []string

	onDelta    DeltaFunc
	onComplete CompleteFunc
	fireOnce   sync.Once

	outbox [][]byte
	kick   chan struct{}
	done   chan struct{}

	shutdownOnce sync.Once
}

// NewRealtimeSession creates a session for the given transcription model
// against the default endpoint.
func NewRealtimeSession(model string) *RealtimeSession {
	return &RealtimeSession{
		Endpoint: DefaultRealtimeEndpoint,
		Model:    model,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start opens the connection asynchronously and returns immediately. Once
// the socket is open the session sends its configuration request and waits
// for the server acknowledgment. The terminal result, success or failure,
// is delivered exactly once via onComplete.
func (s *RealtimeSession) Start(apiKey string, onDelta DeltaFunc, onComplete CompleteFunc) {
	s.mu.Lock()
	if s.state != stateIdle {
		s.mu.Unlock()
		return
	}
	s.state = stateConnecting
	s.onDelta = onDelta
	s.onComplete = onComplete
	s.mu.Unlock()

	go s.connect(apiKey)
}

func (s *RealtimeSession) connect(apiKey string) {
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	if apiKey != "" {
		header.Set("Authorization", "Bearer "+apiKey)
	}
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := dialer.Dial(s.Endpoint, header)
	if err != nil {
		s.finish("", &TransportError{Err: err})
		return
	}

	s.mu.Lock()
	if s.state == stateFinished {
		// Cancelled while dialing.
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.state = stateAwaitingConfig
	s.enqueueLocked(mustMarshal(clientEvent{
		Type: "session.update",
		Session: &sessionConfig{
			InputAudioFormat:        "pcm16",
			InputAudioTranscription: transcriptionConfig{Model: s.Model},
			TurnDetection:           json.RawMessage("null"),
		},
	}))
	s.mu.Unlock()

	go s.writeLoop(conn)
	s.readLoop(conn)
}

// BeginInput resets the per-cycle transcript state and requests a clear of
// the server-side input buffer (queued until the session is configured).
func (s *RealtimeSession) BeginInput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateFinished {
		return
	}
	s.acc = s.acc[:0]
	s.itemID = ""
	s.accepting = true

	msg := mustMarshal(clientEvent{Type: "input_audio_buffer.clear"})
	if s.state == stateConfigured {
		s.enqueueLocked(msg)
	} else {
		s.pendingClear = true
	}
}

// SendAudio appends one encoded chunk to the session's input buffer. Chunks
// sent outside BeginInput..Commit, or after completion, are dropped. The
// chunk is encoded immediately; the caller may reuse the slice.
func (s *RealtimeSession) SendAudio(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accepting || s.state == stateFinished {
		return
	}
	msg := mustMarshal(clientEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
	if s.state == stateConfigured {
		s.enqueueLocked(msg)
	} else {
		s.pendingAudio = append(s.pendingAudio, msg)
	}
}

// Commit ends the input segment and asks the server to transcribe it.
func (s *RealtimeSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateFinished {
		return
	}
	s.accepting = false

	msg := mustMarshal(clientEvent{Type: "input_audio_buffer.commit"})
	if s.state == stateConfigured {
		s.enqueueLocked(msg)
	} else {
		s.pendingCommit = true
	}
}

// Cancel forces a connection-closed failure regardless of current state.
func (s *RealtimeSession) Cancel() {
	s.finish("", &RealtimeError{Kind: ConnectionClosed})
}

// Shutdown closes the connection and releases session resources. It is
// idempotent and safe after completion.
func (s *RealtimeSession) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		conn := s.conn
		s.state = stateFinished
		s.mu.Unlock()
		close(s.done)
		// Close() is safe against a concurrent writer; a close frame is not.
		if conn != nil {
			conn.Close()
		}
	})
}

// enqueueLocked puts a marshaled message on the outbox and wakes the
// writer. Caller holds mu.
func (s *RealtimeSession) enqueueLocked(msg []byte) {
	s.outbox = append(s.outbox, msg)
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// writeLoop drains the outbox in FIFO order on a dedicated goroutine so
// that neither the audio callback nor the owner ever blocks on a network
// write. The outbox is deliberately unbounded.
func (s *RealtimeSession) writeLoop(conn *websocket.Conn) {
	for {
		select {
		case <-s.kick:
		case <-s.done:
			return
		}
		for {
			s.mu.Lock()
			if len(s.outbox) == 0 {
				s.mu.Unlock()
				break
			}
			msg := s.outbox[0]
			s.outbox = s.outbox[1:]
			s.mu.Unlock()

			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.finish("", &RealtimeError{Kind: ConnectionClosed})
				return
			}
		}
	}
}

// readLoop parses server events until the connection closes or the session
// finishes. Messages arriving after completion are discarded.
func (s *RealtimeSession) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.finish("", &RealtimeError{Kind: ConnectionClosed})
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("transcribe: skipping malformed server event: %v", err)
			continue
		}
		s.handleEvent(&ev)
	}
}

func (s *RealtimeSession) handleEvent(ev *serverEvent) {
	switch ev.Type {
	case "session.updated", "transcription_session.updated":
		s.configured()

	case "input_audio_buffer.committed":
		s.mu.Lock()
		if s.itemID == "" {
			s.itemID = ev.ItemID
		}
		s.mu.Unlock()

	case "conversation.item.input_audio_transcription.delta":
		s.mu.Lock()
		if s.state == stateFinished {
			s.mu.Unlock()
			return
		}
		if s.itemID == "" {
			s.itemID = ev.ItemID
		}
		if ev.ItemID != s.itemID {
			// Stale event from a superseded cycle.
			s.mu.Unlock()
			return
		}
		s.acc = append(s.acc, ev.Delta)
		onDelta := s.onDelta
		s.mu.Unlock()
		if onDelta != nil && ev.Delta != "" {
			onDelta(ev.Delta)
		}

	case "conversation.item.input_audio_transcription.completed":
		s.mu.Lock()
		if s.state == stateFinished {
			s.mu.Unlock()
			return
		}
		if s.itemID == "" {
			s.itemID = ev.ItemID
		}
		if ev.ItemID != s.itemID {
			s.mu.Unlock()
			return
		}
		text := joinFragments(s.acc)
		if ev.Transcript != "" {
			// The final transcript is authoritative over accumulated deltas.
			text = ev.Transcript
		}
		s.mu.Unlock()
		if text == "" {
			s.finish("", ErrNoTranscript)
			return
		}
		s.finish(text, nil)

	case "conversation.item.input_audio_transcription.failed":
		s.finish("", &RealtimeError{Kind: TranscriptionFailed, Message: eventMessage(ev)})

	case "error":
		s.finish("", &RealtimeError{Kind: ServerError, Message: eventMessage(ev)})
	}
}

// configured flushes the queued clear request, the entire pending audio
// queue in FIFO order, then any queued commit, and opens the direct path.
func (s *RealtimeSession) configured() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateAwaitingConfig {
		return
	}
	s.state = stateConfigured

	if s.pendingClear {
		s.pendingClear = false
		s.enqueueLocked(mustMarshal(clientEvent{Type: "input_audio_buffer.clear"}))
	}
	for _, msg := range s.pendingAudio {
		s.enqueueLocked(msg)
	}
	s.pendingAudio = nil
	if s.pendingCommit {
		s.pendingCommit = false
		s.enqueueLocked(mustMarshal(clientEvent{Type: "input_audio_buffer.commit"}))
	}
}

// finish transitions to the terminal state and fires the completion
// callback. All reporting is single-fire: later finish calls and later
// server messages are discarded.
func (s *RealtimeSession) finish(text string, err error) {
	s.mu.Lock()
	alreadyDone := s.state == stateFinished
	s.state = stateFinished
	s.accepting = false
	onComplete := s.onComplete
	s.mu.Unlock()
	if alreadyDone {
		return
	}

	s.fireOnce.Do(func() {
		if onComplete != nil {
			onComplete(text, err)
		}
	})
}

func eventMessage(ev *serverEvent) string {
	if ev.Error != nil {
		return ev.Error.Message
	}
	return ""
}

func joinFragments(frags []string) string {
	var b strings.Builder
	for _, f := range frags {
		b.WriteString(f)
	}
	return b.String()
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Message types are fixed structs; marshal cannot fail.
		panic(err)
	}
	return data
}
