// Command parley places a real-time voice call against a conversation
// backend, streaming the microphone up and playing the assistant's speech.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/null"
	"github.com/MrWong99/parley/pkg/audio/portaudio"
	"github.com/MrWong99/parley/pkg/transcript"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload voice, language and log level when the config file changes")
	interactive := flag.Bool("interactive", true, "read call commands from stdin")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(level))

	if cfg.Call.UserID == "" {
		cfg.Call.UserID = uuid.NewString()
	}
	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Audio backend ─────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	device, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		slog.Error("failed to open audio backend", "backend", cfg.Audio.Backend, "err", err)
		return 1
	}
	if c, ok := device.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				slog.Warn("audio backend close error", "err", err)
			}
		}()
	}

	// ── Application ───────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithDevice(device),
		app.WithLevelVar(level),
		app.WithFingerprint(uuid.NewString()),
		app.WithEngineOptions(
			engine.WithOnStateChange(func(from, to session.State) {
				slog.Debug("call state", "from", from, "to", to)
			}),
			engine.WithOnTranscript(printTranscript),
			engine.WithOnError(func(e *engine.SessionError) {
				// Fatal errors end Run, which reports them.
				if !e.Recoverable {
					return
				}
				slog.Warn("call error", "kind", e.Kind, "code", e.Code, "recoverable", e.Recoverable, "msg", e.Message)
			}),
		),
	}
	if *watch {
		opts = append(opts, app.WithConfigPath(*configPath))
	}

	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *interactive {
		go readCommands(ctx, os.Stdin, application, stop)
		fmt.Println("commands: m = mute, i = interrupt, v <voice>, l <language>, q = hang up")
	}

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Audio backends ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the audio backends that ship with parley.
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterAudio("portaudio", func(cfg config.AudioConfig) (audio.Device, error) {
		var opts []portaudio.Option
		if name := optString(cfg.Options, "input_device"); name != "" {
			opts = append(opts, portaudio.WithInputDevice(name))
		}
		if name := optString(cfg.Options, "output_device"); name != "" {
			opts = append(opts, portaudio.WithOutputDevice(name))
		}
		if n := optInt(cfg.Options, "frames_per_buffer"); n > 0 {
			opts = append(opts, portaudio.WithFramesPerBuffer(n))
		}
		return portaudio.Open(opts...)
	})

	reg.RegisterAudio("null", func(config.AudioConfig) (audio.Device, error) {
		return null.Device{}, nil
	})

	for _, name := range reg.Backends() {
		slog.Debug("registered audio backend", "name", name)
	}
}

// ── Interactive commands ──────────────────────────────────────────────────────

// readCommands handles one command per stdin line until ctx ends or stdin
// closes. "q" hangs up by cancelling the run context.
func readCommands(ctx context.Context, r io.Reader, a *app.App, hangUp context.CancelFunc) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		cmd, arg, _ := strings.Cut(strings.TrimSpace(sc.Text()), " ")
		arg = strings.TrimSpace(arg)
		switch strings.ToLower(cmd) {
		case "":
		case "m", "mute":
			fmt.Printf("muted: %v\n", a.Caller().ToggleMute())
		case "i", "interrupt":
			a.Caller().Interrupt()
		case "v", "voice":
			updateConfig(ctx, a, arg, "")
		case "l", "lang", "language":
			updateConfig(ctx, a, "", arg)
		case "s", "status":
			st := a.Caller().Status()
			fmt.Printf("state=%s session=%s muted=%v voice=%s language=%s\n",
				st.State, st.SessionID, st.Muted, st.Voice, st.Language)
		case "q", "quit":
			hangUp()
			return
		default:
			fmt.Printf("unknown command %q\n", cmd)
		}
	}
}

func updateConfig(ctx context.Context, a *app.App, voice, language string) {
	if voice == "" && language == "" {
		fmt.Println("missing value")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Caller().UpdateConfig(ctx, voice, language); err != nil {
		slog.Warn("config update failed", "err", err)
	}
}

func printTranscript(e transcript.Entry) {
	if !e.Final {
		return
	}
	who := "you"
	if e.Sender == transcript.SenderAssistant {
		who = "bot"
	}
	fmt.Printf("[%s] %s\n", who, e.Text)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          parley startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Tenant", cfg.Call.TenantID)
	printRow("Bot", cfg.Call.BotID)
	printRow("Voice", orUnset(cfg.Call.Voice))
	printRow("Language", orUnset(cfg.Call.Language))
	printRow("API", cfg.API.BaseURL)
	printRow("Audio", fmt.Sprintf("%s %d/%d Hz", cfg.Audio.Backend, cfg.Audio.SampleRate, cfg.Audio.OutputSampleRate))
	if cfg.Transcripts.PostgresDSN != "" {
		printRow("Transcripts", "postgres")
	} else {
		printRow("Transcripts", "(memory only)")
	}
	if cfg.Lead.IsZero() {
		printRow("Lead", "(none)")
	} else {
		printRow("Lead", cfg.Lead.Name)
	}
	if addr := cfg.Server.ListenAddr; addr != "-" {
		printRow("Listen addr", addr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	value = truncate(value, 19)
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// truncate shortens s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func orUnset(s string) string {
	if s == "" {
		return "(server default)"
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a backend Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer value from a backend Options map. YAML decodes
// whole numbers as int.
func optInt(opts map[string]any, key string) int {
	n, _ := opts[key].(int)
	return n
}
