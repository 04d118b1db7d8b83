// Package audio captures microphone input via malgo (miniaudio) and
// converts it for transcription upload. The device is opened at its native
// format; format conversion happens in this package, not in the driver.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/gen2brain/malgo"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
)

// Mode selects how captured blocks are consumed.
type Mode int

const (
	// ModeBatch appends native-format audio to a WAV file until Stop.
	ModeBatch Mode = iota
	// ModeStream converts each block to s16le mono at StreamSampleRate and
	// hands the chunk to the OnChunk callback.
	ModeStream
)

// ErrNoInputDevice indicates the capture device reports no input channels.
var ErrNoInputDevice = errors.New("audio: input device has no channels")

// StartOptions configures one capture run.
type StartOptions struct {
	Mode Mode

	// OnFirstAudio fires exactly once, on the first block that actually
	// produced output (batch write or converted chunk).
	OnFirstAudio func()

	// OnChunk receives each converted chunk in ModeStream. The slice is
	// only valid for the duration of the call.
	OnChunk func(chunk []byte)

	// BatchPath is the WAV destination for ModeBatch. Empty means a
	// uuid-named file under the system temp directory.
	BatchPath string
}

// Capture owns the microphone subscription. At most one capture run is
// active at a time; Start while running stops the previous run first.
type Capture struct {
	ctx *malgo.AllocatedContext

	mu      sync.Mutex
	device  *malgo.Device
	started bool

	// per-run state, written under mu at Start, read from the callback
	mode         Mode
	conv         *Converter
	onFirstAudio func()
	onChunk      func([]byte)
	firstFired   bool

	wavFile *os.File
	wavEnc  *wav.Encoder
	wavPath string
	intBuf  *goaudio.IntBuffer
}

// NewCapture initializes the audio backend. Call Close when done.
func NewCapture() (*Capture, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: initializing context: %w", err)
	}
	return &Capture{ctx: ctx}, nil
}

// Start opens the default input device at its native rate and channel count
// and begins delivering blocks. It fails with ErrNoInputDevice when the
// device exposes no input channels.
func (c *Capture) Start(opts StartOptions) error {
	// No overlapping device subscriptions.
	if _, err := c.Stop(); err != nil {
		return err
	}

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatF32
	deviceCfg.Capture.Channels = 0 // device native
	deviceCfg.SampleRate = 0       // device native

	callbacks := malgo.DeviceCallbacks{
		Data: c.onData,
	}

	device, err := malgo.InitDevice(c.ctx.Context, deviceCfg, callbacks)
	if err != nil {
		return fmt.Errorf("audio: initializing capture device: %w", err)
	}

	channels := int(device.CaptureChannels())
	rate := int(device.SampleRate())
	if channels < 1 {
		device.Uninit()
		return ErrNoInputDevice
	}

	c.mu.Lock()
	c.mode = opts.Mode
	c.onFirstAudio = opts.OnFirstAudio
	c.onChunk = opts.OnChunk
	c.firstFired = false
	c.conv = nil
	c.wavFile = nil
	c.wavEnc = nil
	c.wavPath = ""

	switch opts.Mode {
	case ModeStream:
		c.conv = NewConverter(rate, channels, StreamSampleRate)
	case ModeBatch:
		path := opts.BatchPath
		if path == "" {
			path = filepath.Join(os.TempDir(), "murmur-"+uuid.NewString()+".wav")
		}
		f, err := os.Create(path)
		if err != nil {
			c.mu.Unlock()
			device.Uninit()
			return fmt.Errorf("audio: creating capture file: %w", err)
		}
		c.wavFile = f
		c.wavEnc = wav.NewEncoder(f, rate, 16, channels, 1)
		c.wavPath = path
		c.intBuf = &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
			SourceBitDepth: 16,
		}
	}
	c.mu.Unlock()

	if err := device.Start(); err != nil {
		c.mu.Lock()
		c.closeBatch() //nolint:errcheck // cleanup on a failed start
		c.mu.Unlock()
		device.Uninit()
		return fmt.Errorf("audio: starting capture device: %w", err)
	}

	c.mu.Lock()
	c.device = device
	c.started = true
	c.mu.Unlock()

	return nil
}

// Stop detaches the callback and releases the device synchronously. In
// ModeBatch it finalizes the WAV file and returns its path. Stop when not
// started is a no-op returning ("", nil).
func (c *Capture) Stop() (string, error) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return "", nil
	}
	device := c.device
	c.device = nil
	c.started = false
	c.mu.Unlock()

	if device != nil {
		device.Uninit()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeBatch()
}

// Close releases the audio backend. The capture must be stopped first.
func (c *Capture) Close() error {
	if _, err := c.Stop(); err != nil {
		return err
	}
	if c.ctx != nil {
		if err := c.ctx.Uninit(); err != nil {
			return fmt.Errorf("audio: uninitializing context: %w", err)
		}
		c.ctx.Free()
		c.ctx = nil
	}
	return nil
}

// closeBatch finalizes the WAV encoder and file. Caller holds mu.
func (c *Capture) closeBatch() (string, error) {
	if c.wavEnc == nil {
		return "", nil
	}
	path := c.wavPath
	encErr := c.wavEnc.Close()
	fileErr := c.wavFile.Close()
	c.wavEnc = nil
	c.wavFile = nil
	c.wavPath = ""
	if encErr != nil {
		return path, fmt.Errorf("audio: finalizing capture file: %w", encErr)
	}
	if fileErr != nil {
		return path, fmt.Errorf("audio: closing capture file: %w", fileErr)
	}
	return path, nil
}

// onData is the malgo callback. It runs on the real-time audio thread:
// only conversion and handoff happen here.
func (c *Capture) onData(_, pSample []byte, frameCount uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.mode {
	case ModeStream:
		if c.conv == nil {
			return
		}
		block := bytesToFloat32(pSample, frameCount*uint32(c.conv.channels))
		chunk := c.conv.Convert(block)
		if chunk == nil {
			return
		}
		c.fireFirstAudio()
		if c.onChunk != nil {
			c.onChunk(chunk)
		}
	case ModeBatch:
		if c.wavEnc == nil {
			return
		}
		samples := bytesToFloat32(pSample, frameCount*uint32(c.intBuf.Format.NumChannels))
		if len(samples) == 0 {
			return
		}
		data := make([]int, len(samples))
		for i, s := range samples {
			data[i] = int(sampleToInt16(s))
		}
		c.intBuf.Data = data
		// A failed write loses this block but the cycle still uploads
		// whatever was captured.
		if err := c.wavEnc.Write(c.intBuf); err == nil {
			c.fireFirstAudio()
		}
	}
}

// fireFirstAudio invokes the first-audio callback once. Caller holds mu.
func (c *Capture) fireFirstAudio() {
	if c.firstFired {
		return
	}
	c.firstFired = true
	if c.onFirstAudio != nil {
		c.onFirstAudio()
	}
}

// bytesToFloat32 reinterprets raw little-endian float32 bytes as samples.
func bytesToFloat32(data []byte, sampleCount uint32) []float32 {
	samples := make([]float32, 0, sampleCount)
	for i := uint32(0); i < sampleCount; i++ {
		offset := i * 4
		if offset+4 > uint32(len(data)) {
			break
		}
		bits := binary.LittleEndian.Uint32(data[offset : offset+4])
		samples = append(samples, math.Float32frombits(bits))
	}
	return samples
}
