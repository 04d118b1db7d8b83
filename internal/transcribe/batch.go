package transcribe

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// DefaultBatchEndpoint is the one-shot transcription upload URL.
const DefaultBatchEndpoint = "https://api.openai.com/v1/audio/transcriptions"

// streamDone is the event-stream end sentinel.
const streamDone = "[DONE]"

// BatchClient uploads one complete audio file and parses the streamed
// event-stream response into delta/final transcript text.
type BatchClient struct {
	Endpoint string
	Model    string

	// HTTPClient defaults to http.DefaultClient. No request timeout is
	// set: a stalled upload only ends on cancel or connection close.
	HTTPClient *http.Client
}

// NewBatchClient creates a client for the given model against the default
// endpoint.
func NewBatchClient(model string) *BatchClient {
	return &BatchClient{Endpoint: DefaultBatchEndpoint, Model: model}
}

// batchEvent is one JSON payload of the response stream.
type batchEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
	Text  string `json:"text"`
}

// Transcribe uploads the audio file and blocks until the response stream
// ends. Fragments are reported to onDelta as they arrive; the return value
// is the single terminal result. An HTTP status >= 400 yields *HTTPError
// with the complete response body; a connection failure yields
// *TransportError; a stream that ends without any text yields
// ErrNoTranscript.
func (c *BatchClient) Transcribe(ctx context.Context, audioPath, apiKey string, onDelta DeltaFunc) (string, error) {
	req, err := c.newRequest(ctx, audioPath, apiKey)
	if err != nil {
		return "", err
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		// The error body is surfaced whole, never parsed as events.
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", &TransportError{Err: err}
		}
		return "", &HTTPError{Status: resp.StatusCode, Body: string(body)}
	}

	return c.parseEventStream(resp.Body, onDelta)
}

// newRequest builds the multipart upload: model, stream flag, response
// format, then the audio payload.
func (c *BatchClient) newRequest(ctx context.Context, audioPath, apiKey string) (*http.Request, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("transcribe: opening audio file: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		defer f.Close()
		err := writeUploadForm(mw, c.Model, filepath.Base(audioPath), f)
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("transcribe: building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req, nil
}

func writeUploadForm(mw *multipart.Writer, model, filename string, audio io.Reader) error {
	if err := mw.WriteField("model", model); err != nil {
		return err
	}
	if err := mw.WriteField("stream", "true"); err != nil {
		return err
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return err
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	_, err = io.Copy(fw, audio)
	return err
}

// parseEventStream reads `data: <json|[DONE]>` lines. Lines without the
// data prefix are ignored. Delta events are reported fragment by fragment;
// a done event carries the authoritative final text and supersedes the
// accumulated deltas.
func (c *BatchClient) parseEventStream(body io.Reader, onDelta DeltaFunc) (string, error) {
	var (
		acc       strings.Builder
		finalText string
		haveFinal bool
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		payload, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		if strings.TrimSpace(payload) == streamDone {
			break
		}

		var ev batchEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			// Unknown payloads are skipped, same as unknown event types.
			continue
		}
		switch ev.Type {
		case "transcript.text.delta":
			if haveFinal {
				continue
			}
			acc.WriteString(ev.Delta)
			if onDelta != nil && ev.Delta != "" {
				onDelta(ev.Delta)
			}
		case "transcript.text.done":
			finalText = ev.Text
			haveFinal = true
		}
	}
	if err := scanner.Err(); err != nil {
		return "", &TransportError{Err: err}
	}

	if haveFinal {
		// An explicit empty final transcript is a valid result.
		return finalText, nil
	}
	if acc.Len() == 0 {
		return "", ErrNoTranscript
	}
	return acc.String(), nil
}
