// Package app wires the parley subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the ticket issuer,
// socket dialer, transcript and lead collaborators and the call engine; Run
// places one call and serves the control, health and metrics endpoints until
// the call ends or ctx is cancelled; Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithCaller,
// WithIssuer, WithDevice, etc.). When an option is not provided, New creates
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/lead"
	"github.com/MrWong99/parley/pkg/ticket"
	"github.com/MrWong99/parley/pkg/transcript"
	"github.com/MrWong99/parley/pkg/transcript/postgres"
	"github.com/MrWong99/parley/pkg/transport"
	"github.com/MrWong99/parley/pkg/transport/ws"
)

// ErrCallFailed is returned by [App.Run] when the call ends in a terminal
// error.
var ErrCallFailed = errors.New("app: call failed")

// App owns all subsystem lifetimes for a single call.
type App struct {
	cfg *config.Config

	issuer      ticket.Issuer
	dialer      transport.Dialer
	device      audio.Device
	transcripts transcript.Sink
	leads       lead.Submitter
	caller      Caller

	metrics     *observe.Metrics
	level       *slog.LevelVar
	configPath  string
	watcher     *config.Watcher
	engineOpts  []engine.Option
	fingerprint string

	calls  *CallManager
	health *health.Handler

	// mu guards cfg against concurrent reloads.
	mu sync.Mutex

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithIssuer injects a ticket issuer instead of the HTTP issuer built from
// api.base_url. The circuit breaker is not applied to injected issuers.
func WithIssuer(i ticket.Issuer) Option {
	return func(a *App) { a.issuer = i }
}

// WithDialer injects a socket dialer instead of the websocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithDevice sets the audio device. Required unless [WithCaller] is used.
func WithDevice(d audio.Device) Option {
	return func(a *App) { a.device = d }
}

// WithTranscriptSink injects a transcript sink instead of the PostgreSQL
// sink built from transcripts.postgres_dsn.
func WithTranscriptSink(s transcript.Sink) Option {
	return func(a *App) { a.transcripts = s }
}

// WithLeadSubmitter injects a lead submitter instead of the HTTP submitter.
func WithLeadSubmitter(s lead.Submitter) Option {
	return func(a *App) { a.leads = s }
}

// WithCaller injects the call engine. The issuer, dialer, device, sink and
// submitter options are ignored when set.
func WithCaller(c Caller) Option {
	return func(a *App) { a.caller = c }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level of the handler
// built around v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigPath enables hot reload of the config file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithEngineOptions appends options passed to [engine.New].
func WithEngineOptions(opts ...engine.Option) Option {
	return func(a *App) { a.engineOpts = append(a.engineOpts, opts...) }
}

// WithFingerprint sets the client fingerprint sent with ticket requests.
func WithFingerprint(fp string) Option {
	return func(a *App) { a.fingerprint = fp }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.health = health.New()

	if a.caller == nil {
		if err := a.initCaller(ctx); err != nil {
			a.runClosers()
			return nil, err
		}
	}

	a.calls = NewCallManager(a.caller, cfg.Call.TenantID, cfg.Call.BotID, leadInfo(cfg))
	a.health.Add(health.Checker{Name: "call", Check: a.checkCall})
	a.health.SetStatus(func() any { return a.status() })

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig)
		if err != nil {
			a.runClosers()
			return nil, fmt.Errorf("app: config watcher: %w", err)
		}
		a.watcher = w
	}
	return a, nil
}

// initCaller builds the real call engine and its collaborators.
func (a *App) initCaller(ctx context.Context) error {
	cfg := a.cfg
	if a.device == nil {
		return errors.New("app: an audio device is required")
	}

	httpClient := &http.Client{Timeout: cfg.API.Timeout}

	if a.issuer == nil {
		iss, err := ticket.NewHTTPIssuer(cfg.API.BaseURL,
			ticket.WithPath(cfg.API.TicketPath),
			ticket.WithHTTPClient(httpClient),
		)
		if err != nil {
			return fmt.Errorf("app: ticket issuer: %w", err)
		}
		cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "ticket",
			MaxFailures:  cfg.API.CircuitBreaker.MaxFailures,
			ResetTimeout: cfg.API.CircuitBreaker.ResetTimeout,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("circuit breaker state changed", "name", name, "from", from, "to", to)
			},
		})
		a.issuer = resilience.GuardIssuer(iss, cb)
		a.health.Add(health.Checker{Name: "ticket", Check: func(context.Context) error {
			if cb.State() == resilience.StateOpen {
				return resilience.ErrCircuitOpen
			}
			return nil
		}})
	}

	if a.dialer == nil {
		a.dialer = ws.NewDialer()
	}

	if a.transcripts == nil && cfg.Transcripts.PostgresDSN != "" {
		sink, err := postgres.New(ctx, cfg.Transcripts.PostgresDSN)
		if err != nil {
			return fmt.Errorf("app: transcript store: %w", err)
		}
		a.transcripts = sink
		a.closers = append(a.closers, func() error {
			sink.Close()
			return nil
		})
		a.health.Add(health.Checker{Name: "transcripts", Check: sink.Ping})
	}

	if a.leads == nil && !cfg.Lead.IsZero() {
		sub, err := lead.NewHTTPSubmitter(cfg.API.BaseURL, cfg.API.LeadPath, httpClient)
		if err != nil {
			return fmt.Errorf("app: lead submitter: %w", err)
		}
		a.leads = sub
	}

	wsURL := cfg.API.WebsocketURL
	if wsURL == "" {
		u, err := ticket.DefaultEndpoint(cfg.API.BaseURL)
		if err != nil {
			return fmt.Errorf("app: websocket url: %w", err)
		}
		wsURL = u
	}

	engOpts := append([]engine.Option{engine.WithMetrics(a.metrics)}, a.engineOpts...)
	eng, err := engine.New(engineConfig(cfg, a.fingerprint, wsURL), engine.Deps{
		Issuer:      a.issuer,
		Dialer:      a.dialer,
		Device:      a.device,
		Lead:        a.leads,
		Transcripts: a.transcripts,
	}, engOpts...)
	if err != nil {
		return fmt.Errorf("app: engine: %w", err)
	}
	a.caller = eng
	// The engine closes first so pending transcript writes reach the sink.
	a.closers = append([]func() error{eng.Close}, a.closers...)
	return nil
}

func engineConfig(cfg *config.Config, fingerprint, wsURL string) engine.Config {
	return engine.Config{
		TenantID:         cfg.Call.TenantID,
		BotID:            cfg.Call.BotID,
		UserID:           cfg.Call.UserID,
		Fingerprint:      fingerprint,
		Voice:            cfg.Call.Voice,
		Language:         cfg.Call.Language,
		WebsocketURL:     wsURL,
		SampleRate:       cfg.Audio.SampleRate,
		ChunkSamples:     cfg.Audio.ChunkSamples,
		OutputSampleRate: cfg.Audio.OutputSampleRate,
		Reconnect: session.ReconnectorConfig{
			MaxAttempts:  cfg.Reconnect.MaxAttempts,
			InitialDelay: cfg.Reconnect.InitialDelay,
			MaxDelay:     cfg.Reconnect.MaxDelay,
		},
		KeepaliveInterval: cfg.Keepalive.Interval,
		ConnectTimeout:    cfg.API.Timeout,
		LeadTimeout:       cfg.API.Timeout,
	}
}

func leadInfo(cfg *config.Config) *lead.Info {
	if cfg.Lead.IsZero() {
		return nil
	}
	li := cfg.Lead
	return &li
}

// Calls returns the call manager.
func (a *App) Calls() *CallManager { return a.calls }

// Caller returns the call engine.
func (a *App) Caller() Caller { return a.caller }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run places the call and blocks until it ends or ctx is cancelled. The
// HTTP server and config watcher run alongside the call and stop with it.
//
// Run returns nil when the call ends normally or ctx is cancelled, and an
// error wrapping [ErrCallFailed] when the call ends in a terminal error.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	var srv *http.Server
	if addr := a.cfg.Server.ListenAddr; addr != "" && addr != "-" {
		srv = &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error { return a.serve(srv) })
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	if err := a.calls.Start(gctx); err != nil {
		// supervise reports it through the call's fault.
		slog.Debug("call could not be started", "err", err)
	}
	g.Go(func() error { return a.supervise(gctx) })

	slog.Info("app running", "tenant_id", a.cfg.Call.TenantID, "bot_id", a.cfg.Call.BotID)
	if err := g.Wait(); err != nil && !errors.Is(err, errCallOver) {
		return err
	}
	return nil
}

// serve runs srv until it is shut down.
func (a *App) serve(srv *http.Server) error {
	var err error
	if tls := a.cfg.Server.TLS; tls != nil {
		slog.Info("status server listening", "addr", srv.Addr, "tls", true)
		err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		slog.Info("status server listening", "addr", srv.Addr)
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("app: status server: %w", err)
}

// supervise waits for the call to end, then stops the group. A failed call
// becomes the group's error.
func (a *App) supervise(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-a.calls.Ended():
	}
	info := a.calls.Info()
	if a.calls.Failed() {
		msg := "unknown"
		if info.Fault != nil {
			msg = info.Fault.Message
		}
		return fmt.Errorf("%w: %s", ErrCallFailed, msg)
	}
	// Returning a sentinel cancels the other members; it is not surfaced.
	return errCallOver
}

var errCallOver = errors.New("app: call over")

// ─── Config reload ───────────────────────────────────────────────────────────

// applyConfig applies the live-reloadable parts of a changed config.
func (a *App) applyConfig(old, cur *config.Config) {
	diff := config.Diff(old, cur)
	if diff.Empty() && len(diff.RestartRequired) == 0 {
		return
	}
	if diff.LogLevelChanged && a.level != nil {
		a.level.Set(diff.NewLogLevel.Level())
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.VoiceChanged || diff.LanguageChanged {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := a.caller.UpdateConfig(ctx, diff.NewVoice, diff.NewLanguage)
		cancel()
		if err != nil {
			slog.Warn("voice config update failed", "err", err)
		} else {
			slog.Info("voice config updated", "voice", diff.NewVoice, "language", diff.NewLanguage)
		}
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", diff.RestartRequired)
	}

	a.mu.Lock()
	a.cfg.Server.LogLevel = cur.Server.LogLevel
	if diff.VoiceChanged {
		a.cfg.Call.Voice = cur.Call.Voice
	}
	if diff.LanguageChanged {
		a.cfg.Call.Language = cur.Call.Language
	}
	a.mu.Unlock()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends the call and tears down all subsystems in order. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.calls != nil && a.calls.IsActive() {
			if err := a.calls.Stop(ctx); err != nil {
				slog.Warn("end call error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

// Handler returns the status server's handler: metrics, health probes and
// call controls.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	a.health.Register(mux)
	a.registerControls(mux)
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) checkCall(context.Context) error {
	if a.calls.Failed() {
		return errors.New("call ended in error")
	}
	if !a.calls.IsActive() {
		return errors.New("no active call")
	}
	return nil
}

type statusView struct {
	Call   CallInfo      `json:"call"`
	Engine engine.Status `json:"engine"`
}

func (a *App) status() statusView {
	return statusView{Call: a.calls.Info(), Engine: a.caller.Status()}
}
