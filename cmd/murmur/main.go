package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/murmurapp/murmur/internal/audio"
	"github.com/murmurapp/murmur/internal/config"
	"github.com/murmurapp/murmur/internal/hotkey"
	"github.com/murmurapp/murmur/internal/inject"
	"github.com/murmurapp/murmur/internal/notify"
	"github.com/murmurapp/murmur/internal/recorder"
	"github.com/murmurapp/murmur/internal/transcribe"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/murmur/config.yaml)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.LoadEnv(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	printBanner(cfg)

	// Initialize audio capture
	capture, err := audio.NewCapture()
	if err != nil {
		log.Fatalf("Failed to initialize audio capture: %v\n\nEnsure microphone access is granted in your system privacy settings.", err)
	}
	log.Println("Audio capture ready")

	// Initialize text injector
	injector := inject.NewInjector(cfg.Inject.Method)
	log.Printf("Text injector ready (method: %s)", cfg.Inject.Method)

	notifier := notify.New(cfg.Notify.Sounds)

	// Recording coordinator: one cycle at a time, one terminal result per
	// cycle.
	backend := recorder.BackendRealtime
	if cfg.Transcribe.Backend == "batch" {
		backend = recorder.BackendBatch
	}

	coord := recorder.New(recorder.Options{
		Backend: backend,
		APIKey:  cfg.APIKey,
		Capture: capture,
		NewBatch: func() recorder.BatchTranscriber {
			c := transcribe.NewBatchClient(cfg.Transcribe.Model)
			if cfg.Transcribe.BatchEndpoint != "" {
				c.Endpoint = cfg.Transcribe.BatchEndpoint
			}
			return c
		},
		NewSession: func() recorder.StreamSession {
			s := transcribe.NewRealtimeSession(cfg.Transcribe.Model)
			if cfg.Transcribe.RealtimeEndpoint != "" {
				s.Endpoint = cfg.Transcribe.RealtimeEndpoint
			}
			return s
		},
		OnDelta: func(delta string) {
			if cfg.LogLevel == "debug" {
				log.Printf("delta: %q", delta)
			}
		},
		OnResult: func(res recorder.Result) {
			if res.Err != nil {
				log.Printf("ERROR: transcription failed: %v", res.Err)
				notifier.Failed()
				return
			}
			elapsed := time.Since(res.StartedAt).Round(time.Millisecond)
			if !res.FirstAudioAt.IsZero() {
				log.Printf("Transcribed in %s (first audio after %s): %q",
					elapsed, res.FirstAudioAt.Sub(res.StartedAt).Round(time.Millisecond), res.Text)
			} else {
				log.Printf("Transcribed in %s: %q", elapsed, res.Text)
			}
			notifier.RecordingStopped()
			if err := injector.Inject(res.Text); err != nil {
				log.Printf("ERROR: text injection failed: %v", err)
				return
			}
			log.Println("Text injected")
		},
	})

	// Initialize hotkey listener
	listener := hotkey.NewListener(cfg.Hotkey.Keys, cfg.Hotkey.Mode)
	log.Printf("Hotkey listener ready (%s, mode: %s)", strings.Join(cfg.Hotkey.Keys, "+"), cfg.Hotkey.Mode)

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start hotkey listener in background
	go listener.Start()

	log.Println("Ready! Press", strings.Join(cfg.Hotkey.Keys, "+"), "to dictate. Ctrl+C to quit.")

	// Main event loop
	events := listener.Events()
	for {
		select {
		case _, ok := <-events:
			if !ok {
				log.Println("Hotkey listener stopped")
				coord.Close()
				capture.Close()
				return
			}

			// Every hotkey event advances the state machine one step.
			switch coord.Toggle() {
			case recorder.StateStarting:
				notifier.RecordingStarted()
			case recorder.StateTranscribing:
				log.Println("Transcribing...")
			case recorder.StateIdle:
				// cancelled a pending start
			}

		case sig := <-sigCh:
			log.Printf("Received %s, shutting down...", sig)
			coord.Close()
			capture.Close()
			log.Println("Goodbye!")
			// Exit directly to avoid gohook's C cleanup crash.
			// The OS reclaims the event hook on process exit.
			os.Exit(0)
		}
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== murmur ===")
	fmt.Printf("  Backend: %s (%s)\n", cfg.Transcribe.Backend, cfg.Transcribe.Model)
	fmt.Printf("  Hotkey:  %s (%s mode)\n", strings.Join(cfg.Hotkey.Keys, "+"), cfg.Hotkey.Mode)
	fmt.Printf("  Inject:  %s\n", cfg.Inject.Method)
	fmt.Printf("  Sounds:  %v\n", cfg.Notify.Sounds)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("==============")
}
