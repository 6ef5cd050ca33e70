// Package engine runs one live voice call against the conversation backend.
//
// An [Engine] fetches a connection ticket, dials the voice socket and sends
// START_SESSION. Its read loop feeds every inbound frame through
// [protocol.ParseFrame] and drives the call state machine, the playback queue
// and the transcript log. Capture chunks are written to the socket as binary
// frames while the session is ready. Abnormal closes and non-recoverable
// server errors re-enter the connect step through a [session.Reconnector]
// until its attempt ceiling, after which the call ends in a terminal error.
//
// All exported methods are safe for concurrent use. Callbacks are never
// invoked while the engine's lock is held, so they may call back into the
// engine.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/lead"
	"github.com/MrWong99/parley/pkg/protocol"
	"github.com/MrWong99/parley/pkg/ticket"
	"github.com/MrWong99/parley/pkg/transcript"
	"github.com/MrWong99/parley/pkg/transport"
)

// Deps are the collaborators of an [Engine]. Issuer, Dialer and Device are
// required.
type Deps struct {
	Issuer ticket.Issuer
	Dialer transport.Dialer
	Device audio.Device

	// Lead, if set, receives the lead info once per call after session-ready.
	Lead lead.Submitter

	// Transcripts, if set, persists final transcript entries.
	Transcripts transcript.Sink
}

// Status is a point-in-time view of the engine.
type Status struct {
	State     string         `json:"state"`
	SessionID string         `json:"session_id,omitempty"`
	Muted     bool           `json:"muted"`
	Voice     string         `json:"voice,omitempty"`
	Language  string         `json:"language,omitempty"`
	Attempts  int            `json:"reconnect_attempts"`
	Fault     *session.Fault `json:"fault,omitempty"`
}

// chunkBacklog bounds the capture chunks waiting for the socket writer,
// roughly one second at the default chunk size.
const chunkBacklog = 16

// outChunk is a capture chunk tagged with the socket generation it was
// produced for.
type outChunk struct {
	gen  uint64
	data []byte
}

type persistJob struct {
	sessionID string
	entry     transcript.Entry
}

// Engine is the voice call orchestrator. One Engine runs at most one call at
// a time; a finished call may be followed by another StartCall.
type Engine struct {
	cfg     Config
	deps    Deps
	machine *session.Machine
	recon   *session.Reconnector
	log     transcript.Log
	metrics *observe.Metrics

	onState      func(from, to session.State)
	onTranscript func(transcript.Entry)
	onError      func(*SessionError)
	onLevel      func(float64)

	persist     chan persistJob
	persistDone chan struct{}
	closeOnce   sync.Once

	// writeMu keeps socket writes in order.
	writeMu sync.Mutex

	mu         sync.Mutex
	inCall     bool
	call       uint64 // bumped on every StartCall and teardown
	gen        uint64 // bumped whenever the current socket is abandoned
	callCtx    context.Context
	callCancel context.CancelFunc
	done       chan struct{}

	conn      transport.Conn
	ready     bool // session-ready seen on the current socket
	sessionID string
	leadID    string
	voice     string
	language  string
	muted     bool

	leadInfo      *lead.Info
	leadSubmitted bool

	encoder     *capture.Encoder
	queue       *playback.Queue
	pendingMeta *protocol.AudioMeta
	cycleOpen   bool // a playback cycle started and PLAYBACK_COMPLETE is owed

	suppressComplete bool

	stopKeepalive context.CancelFunc

	wg sync.WaitGroup
}

// New creates an idle Engine. Call [Engine.Close] to release it.
func New(cfg Config, deps Deps, opts ...Option) (*Engine, error) {
	if deps.Issuer == nil || deps.Dialer == nil || deps.Device == nil {
		return nil, fmt.Errorf("engine: issuer, dialer and device are required")
	}
	cfg.applyDefaults()

	done := make(chan struct{})
	close(done)
	e := &Engine{
		cfg:      cfg,
		deps:     deps,
		machine:  session.NewMachine(),
		voice:    cfg.Voice,
		language: cfg.Language,
		done:     done,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}

	rc := cfg.Reconnect
	rc.Issuer = ticket.IssuerFunc(e.issueTicket)
	rc.Request = ticket.Request{TenantID: cfg.TenantID, BotID: cfg.BotID, Fingerprint: cfg.Fingerprint}
	e.recon = session.NewReconnector(rc)

	e.machine.OnChange(e.stateChanged)

	if deps.Transcripts != nil {
		e.persist = make(chan persistJob, 64)
		e.persistDone = make(chan struct{})
		go e.persistLoop()
	}
	return e, nil
}

// State returns the current call state.
func (e *Engine) State() session.State { return e.machine.State() }

// SessionID returns the server-assigned session id of the current call.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Transcript returns the transcript of the current or last call.
func (e *Engine) Transcript() []transcript.Entry { return e.log.Entries() }

// Done returns a channel that is closed when the current call ends, for any
// reason. Before the first call it is already closed.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Status returns a snapshot for status reporting.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := Status{
		SessionID: e.sessionID,
		Muted:     e.muted,
		Voice:     e.voice,
		Language:  e.language,
	}
	e.mu.Unlock()
	st.State = e.machine.State().String()
	st.Attempts = e.recon.Attempts()
	st.Fault = e.machine.Fault()
	return st
}

// StartCall begins a call. It returns once the socket is connected and
// START_SESSION was sent; the session becomes ready asynchronously. info, if
// non-nil, is submitted to the lead collaborator once the session is ready.
//
// StartCall is a no-op while a call is connecting or active. A failed first
// connect ends the call in a terminal error and is returned, not reported
// through OnError.
func (e *Engine) StartCall(ctx context.Context, info *lead.Info) error {
	e.mu.Lock()
	if e.inCall {
		e.mu.Unlock()
		return nil
	}
	e.inCall = true
	e.call++
	callID := e.call
	e.callCtx, e.callCancel = context.WithCancel(context.WithoutCancel(ctx))
	e.done = make(chan struct{})
	e.sessionID = ""
	e.leadID = ""
	e.leadSubmitted = false
	e.leadInfo = nil
	if info != nil {
		li := *info
		e.leadInfo = &li
	}
	e.mu.Unlock()

	if err := e.machine.Transition(session.StateConnecting, nil); err != nil {
		e.mu.Lock()
		e.inCall = false
		e.callCancel()
		close(e.done)
		e.mu.Unlock()
		return fmt.Errorf("engine: start call: %w", err)
	}
	e.log.Reset()
	e.recon.Invalidate()
	e.recon.Arm()
	e.metrics.ActiveCalls.Add(ctx, 1)
	slog.Info("call starting", "tenant_id", e.cfg.TenantID, "bot_id", e.cfg.BotID)

	if err := e.connect(ctx, callID); err != nil {
		if errors.Is(err, errCallEnded) {
			return nil
		}
		// The caller gets the error; OnError would report it twice.
		e.terminate(&SessionError{Kind: kindOf(err), Message: err.Error(), Err: err}, false)
		return fmt.Errorf("engine: start call: %w", err)
	}
	return nil
}

// EndCall sends END_SESSION if the socket is open, then tears the call down
// unconditionally and returns the engine to idle. Safe from any state,
// including during reconnect backoff.
func (e *Engine) EndCall(ctx context.Context) error {
	e.recon.Disarm()

	e.mu.Lock()
	inCall := e.inCall
	open := e.conn != nil
	e.mu.Unlock()

	if !inCall {
		if s := e.machine.State(); s != session.StateIdle {
			_ = e.machine.Transition(session.StateIdle, nil)
		}
		return nil
	}
	if open {
		if err := e.send(ctx, protocol.EndSession()); err != nil {
			slog.Debug("end session not delivered", "err", err)
		}
	}
	e.teardown(session.StateIdle, nil)
	slog.Info("call ended", "session_id", e.SessionID())
	return nil
}

// ToggleMute flips the mute flag and returns the new value. While muted,
// capture chunks are dropped and the reported level is 0.
func (e *Engine) ToggleMute() bool {
	e.mu.Lock()
	e.muted = !e.muted
	muted := e.muted
	enc := e.encoder
	e.mu.Unlock()

	if enc != nil {
		enc.SetMuted(muted)
	}
	return muted
}

// Interrupt stops assistant playback and discards queued audio. The current
// playback cycle ends and PLAYBACK_COMPLETE is sent if one was owed. Safe
// from any state.
func (e *Engine) Interrupt() {
	e.mu.Lock()
	q := e.queue
	e.mu.Unlock()
	if q != nil {
		q.Interrupt()
	}
}

// UpdateConfig changes voice and/or language. Empty values are left
// unchanged. The local values update immediately; CONFIG_UPDATE is sent only
// while the session is ready and the server's config_updated reply wins.
func (e *Engine) UpdateConfig(ctx context.Context, voice, language string) error {
	e.mu.Lock()
	if voice != "" {
		e.voice = voice
	}
	if language != "" {
		e.language = language
	}
	open := e.conn != nil && e.ready
	e.mu.Unlock()

	if !open || (voice == "" && language == "") {
		return nil
	}
	if err := e.send(ctx, protocol.ConfigUpdate(voice, language)); err != nil {
		return fmt.Errorf("engine: update config: %w", err)
	}
	return nil
}

// Close ends any call and stops the engine's background work.
func (e *Engine) Close() error {
	err := e.EndCall(context.Background())
	e.closeOnce.Do(func() {
		if e.persist != nil {
			close(e.persist)
			<-e.persistDone
		}
	})
	e.wg.Wait()
	return err
}

// connect fetches a ticket, dials, starts the read loop and sends
// START_SESSION.
func (e *Engine) connect(ctx context.Context, callID uint64) (err error) {
	ctx, span := observe.StartSpan(ctx, "engine.connect", observe.CallAttrs(e.cfg.TenantID, e.cfg.BotID, ""))
	start := time.Now()
	defer func() {
		e.metrics.RecordConnect(ctx, time.Since(start).Seconds(), err)
		observe.EndSpan(span, err)
	}()

	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	defer cancel()

	tk, err := e.recon.Ticket(dialCtx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTicket, err)
	}
	url, err := ticket.ConnectURL(tk, e.cfg.WebsocketURL)
	if err != nil {
		e.recon.Invalidate()
		return fmt.Errorf("%w: %w", ErrTicket, err)
	}
	conn, err := e.deps.Dialer.Dial(dialCtx, url)
	if err != nil {
		if transport.Rejected(err) {
			// The server refused the credential; it may have been consumed.
			e.recon.Invalidate()
		}
		return fmt.Errorf("engine: dial: %w", err)
	}

	e.mu.Lock()
	if !e.inCall || e.call != callID {
		e.mu.Unlock()
		_ = conn.Close(transport.StatusNormalClosure, "call ended")
		return errCallEnded
	}
	e.gen++
	gen := e.gen
	e.conn = conn
	e.ready = false
	e.pendingMeta = nil
	if tk.LeadID != "" {
		e.leadID = tk.LeadID
	}
	voice, language := e.voice, e.language
	readCtx := e.callCtx
	e.wg.Add(1)
	e.mu.Unlock()

	go e.readLoop(readCtx, gen, conn)

	msg := protocol.StartSession(e.cfg.TenantID, e.cfg.BotID, e.cfg.UserID, voice, language)
	if err := e.send(ctx, msg); err != nil {
		e.dropConn(gen, "start session failed")
		return fmt.Errorf("engine: start session: %w", err)
	}
	observe.Logger(ctx).Debug("socket connected", "gen", gen)
	return nil
}

// dropConn abandons the socket of generation gen. It reports whether gen was
// still current.
func (e *Engine) dropConn(gen uint64, reason string) bool {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return false
	}
	e.gen++
	conn := e.conn
	e.conn = nil
	e.ready = false
	e.pendingMeta = nil
	stop := e.stopKeepalive
	e.stopKeepalive = nil
	e.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		_ = conn.Close(transport.StatusNormalClosure, reason)
	}
	return true
}

func (e *Engine) readLoop(ctx context.Context, gen uint64, conn transport.Conn) {
	defer e.wg.Done()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			e.handleClose(gen, err)
			return
		}
		msg, err := protocol.ParseFrame(typ, data)
		if err != nil {
			slog.Warn("dropping unparseable frame", "type", typ.String(), "bytes", len(data), "err", err)
			continue
		}
		e.metrics.RecordMessage(ctx, msg.Kind.String())
		if !e.current(gen) {
			return
		}
		e.dispatch(ctx, gen, msg)
	}
}

func (e *Engine) current(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return gen == e.gen
}

func (e *Engine) dispatch(ctx context.Context, gen uint64, msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindAudio:
		e.mu.Lock()
		meta := e.pendingMeta
		e.pendingMeta = nil
		e.mu.Unlock()
		item := playback.Item{Data: msg.Audio}
		if meta != nil {
			item.Format, item.SampleRate, item.Text = meta.Format, meta.SampleRate, meta.Text
		}
		e.enqueue(item)

	case protocol.KindSentenceAudio:
		meta := msg.Meta
		e.mu.Lock()
		if e.pendingMeta != nil {
			slog.Warn("audio metadata overwritten before its binary frame arrived", "text", e.pendingMeta.Text)
		}
		e.pendingMeta = &meta
		e.mu.Unlock()

	case protocol.KindLegacyAudio:
		e.enqueue(playback.Item{
			Data:       msg.Audio,
			Format:     msg.Meta.Format,
			SampleRate: msg.Meta.SampleRate,
			Text:       msg.Meta.Text,
		})

	case protocol.KindSessionReady:
		e.handleSessionReady(ctx, gen, msg)

	case protocol.KindState:
		s, ok := session.ParseActive(msg.State)
		if !ok {
			slog.Debug("ignoring non-active server state", "state", msg.State)
			return
		}
		e.transition(s, nil)

	case protocol.KindTranscription:
		e.addTranscript(transcript.Entry{Sender: transcript.SenderUser, Text: msg.Text, Final: msg.Final, Timestamp: msg.Timestamp.Time()})

	case protocol.KindResponseText:
		e.addTranscript(transcript.Entry{Sender: transcript.SenderAssistant, Text: msg.Text, Final: msg.Final, Timestamp: msg.Timestamp.Time()})

	case protocol.KindInterrupted:
		// The server already knows the turn ended; no PLAYBACK_COMPLETE.
		e.mu.Lock()
		e.cycleOpen = false
		e.suppressComplete = true
		q := e.queue
		e.mu.Unlock()
		if q != nil {
			q.Interrupt()
		}
		e.mu.Lock()
		e.suppressComplete = false
		e.cycleOpen = false
		e.mu.Unlock()
		e.transition(session.StateListening, nil)

	case protocol.KindConfigUpdated:
		e.mu.Lock()
		if msg.Voice != "" {
			e.voice = msg.Voice
		}
		if msg.Language != "" {
			e.language = msg.Language
		}
		e.mu.Unlock()
		slog.Info("config confirmed", "voice", msg.Voice, "language", msg.Language)

	case protocol.KindError:
		e.handleProtocolError(ctx, gen, msg.Error)

	case protocol.KindMisclassified:
		e.metrics.MisclassifiedErrors.Add(ctx, 1)
		slog.Debug("discarding misclassified error message", "text", msg.Error.Message)

	case protocol.KindPing:
		if err := e.send(ctx, protocol.Pong()); err != nil {
			slog.Debug("pong not delivered", "err", err)
		}

	case protocol.KindPong:

	default:
		slog.Debug("ignoring unknown message", "type", msg.Type)
	}
}

func (e *Engine) handleSessionReady(ctx context.Context, gen uint64, msg protocol.Message) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	if msg.SessionID != "" {
		e.sessionID = msg.SessionID
	}
	e.ready = true
	sessionID := e.sessionID
	needAudio := e.encoder == nil
	callID := e.call
	var submit *lead.Submission
	if e.leadInfo != nil && !e.leadSubmitted && e.deps.Lead != nil {
		e.leadSubmitted = true
		submit = &lead.Submission{SessionID: sessionID, LeadID: e.leadID, Info: *e.leadInfo}
	}
	startKeepalive := e.stopKeepalive == nil
	var kaCtx context.Context
	if startKeepalive {
		kaCtx, e.stopKeepalive = context.WithCancel(e.callCtx)
		e.wg.Add(1)
	}
	e.mu.Unlock()

	e.recon.Reset()
	slog.Info("session ready", "session_id", sessionID)

	if startKeepalive {
		go e.keepalive(kaCtx)
	}
	if needAudio {
		if err := e.initAudio(callID); err != nil {
			e.fail(&SessionError{Kind: KindCapture, Message: err.Error(), Err: err})
			return
		}
	}
	if submit != nil {
		e.wg.Add(1)
		go e.submitLead(*submit)
	}
	if !e.machine.State().Active() {
		e.transition(session.StateListening, nil)
	}
}

// initAudio opens capture and playback for call callID. It runs at most once
// per call.
func (e *Engine) initAudio(callID uint64) error {
	src, err := e.deps.Device.OpenSource()
	if err != nil {
		return fmt.Errorf("engine: open capture: %w", err)
	}
	sink, err := e.deps.Device.OpenSink()
	if err != nil {
		_ = src.Stop()
		return fmt.Errorf("engine: open playback: %w", err)
	}

	enc := capture.New(src,
		capture.WithSampleRate(e.cfg.SampleRate),
		capture.WithChunkSamples(e.cfg.ChunkSamples),
		capture.WithLevelFunc(e.level),
	)
	q := playback.New(sink, e.cfg.OutputSampleRate,
		playback.WithOnStart(e.playbackStarted),
		playback.WithOnEnd(e.playbackEnded),
		playback.WithResultFunc(func(r playback.Result) {
			e.metrics.RecordPlayback(context.Background(), string(r), 1)
		}),
	)

	e.mu.Lock()
	ctx := e.callCtx
	e.mu.Unlock()

	// The driver callback only enqueues; socket writes happen on sendLoop.
	chunks := make(chan outChunk, chunkBacklog)
	e.wg.Add(1)
	go e.sendLoop(ctx, chunks)
	if err := enc.Start(ctx, func(b []byte) { e.queueChunk(chunks, b) }); err != nil {
		_ = q.Stop()
		return fmt.Errorf("engine: start capture: %w", err)
	}

	e.mu.Lock()
	if !e.inCall || e.call != callID || e.encoder != nil {
		e.mu.Unlock()
		_ = enc.Stop()
		_ = q.Stop()
		return nil
	}
	enc.SetMuted(e.muted)
	e.encoder = enc
	e.queue = q
	e.mu.Unlock()
	return nil
}

// queueChunk hands a capture chunk to the send loop without blocking. It runs
// on the audio driver's goroutine.
func (e *Engine) queueChunk(ch chan<- outChunk, data []byte) {
	e.mu.Lock()
	open := e.conn != nil && e.ready
	gen := e.gen
	ctx := e.callCtx
	e.mu.Unlock()
	if !open {
		e.metrics.RecordChunkDropped(ctx, "socket_closed")
		return
	}
	select {
	case ch <- outChunk{gen: gen, data: data}:
	default:
		e.metrics.RecordChunkDropped(ctx, "backpressure")
	}
}

func (e *Engine) sendLoop(ctx context.Context, ch <-chan outChunk) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-ch:
			e.sendChunk(ctx, c)
		}
	}
}

// sendChunk writes one chunk unless its socket was abandoned meanwhile.
func (e *Engine) sendChunk(ctx context.Context, c outChunk) {
	e.mu.Lock()
	open := e.conn != nil && e.ready && e.gen == c.gen
	e.mu.Unlock()
	if !open {
		e.metrics.RecordChunkDropped(ctx, "socket_closed")
		return
	}
	if err := e.write(ctx, transport.Binary, c.data); err != nil {
		e.metrics.RecordChunkDropped(ctx, "write_error")
		slog.Debug("audio chunk not delivered", "err", err)
		return
	}
	e.metrics.ChunksSent.Add(ctx, 1)
}

func (e *Engine) level(l float64) {
	if e.onLevel != nil {
		e.onLevel(l)
	}
}

func (e *Engine) enqueue(item playback.Item) {
	e.mu.Lock()
	q := e.queue
	e.mu.Unlock()
	if q == nil {
		slog.Debug("dropping audio before playback is ready", "bytes", len(item.Data))
		return
	}
	if err := q.Enqueue(item); err != nil {
		slog.Debug("dropping audio", "err", err)
	}
}

func (e *Engine) playbackStarted() {
	e.mu.Lock()
	e.cycleOpen = true
	e.mu.Unlock()
	if e.machine.State() != session.StateSpeaking {
		e.transition(session.StateSpeaking, nil)
	}
}

// playbackEnded closes the current playback cycle. PLAYBACK_COMPLETE is sent
// at most once per cycle.
func (e *Engine) playbackEnded() {
	e.mu.Lock()
	owed := e.cycleOpen && !e.suppressComplete
	e.cycleOpen = false
	ctx := e.callCtx
	e.mu.Unlock()
	if !owed {
		return
	}
	if err := e.send(ctx, protocol.PlaybackComplete()); err != nil {
		slog.Debug("playback complete not delivered", "err", err)
	}
	if e.machine.State() == session.StateSpeaking {
		e.transition(session.StateListening, nil)
	}
}

func (e *Engine) addTranscript(entry transcript.Entry) {
	if entry.Text == "" {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	e.log.Add(entry)
	if e.onTranscript != nil {
		e.onTranscript(entry)
	}
	if entry.Final && e.persist != nil {
		job := persistJob{sessionID: e.SessionID(), entry: entry}
		select {
		case e.persist <- job:
		default:
			slog.Warn("transcript persistence backlog full, dropping entry", "session_id", job.sessionID)
		}
	}
}

func (e *Engine) persistLoop() {
	defer close(e.persistDone)
	for job := range e.persist {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.WriteTimeout)
		if err := e.deps.Transcripts.Write(ctx, job.sessionID, job.entry); err != nil {
			slog.Warn("failed to persist transcript entry", "session_id", job.sessionID, "err", err)
		}
		cancel()
	}
}

func (e *Engine) submitLead(s lead.Submission) {
	defer e.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.LeadTimeout)
	defer cancel()
	if err := e.deps.Lead.Submit(ctx, s); err != nil {
		slog.Warn("lead submission failed", "session_id", s.SessionID, "err", err)
		return
	}
	slog.Info("lead submitted", "session_id", s.SessionID)
}

func (e *Engine) keepalive(ctx context.Context) {
	defer e.wg.Done()
	t := time.NewTicker(e.cfg.KeepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !e.machine.State().Active() {
				continue
			}
			if err := e.send(ctx, protocol.Ping()); err != nil {
				slog.Debug("keepalive not delivered", "err", err)
			}
		}
	}
}

// handleClose reacts to the end of the socket of generation gen.
func (e *Engine) handleClose(gen uint64, err error) {
	if !e.dropConn(gen, "") {
		return
	}
	code, reason, ok := transport.CloseStatus(err)
	if !ok {
		code = transport.StatusAbnormal
	}
	if protocol.IsNormalClose(code) {
		slog.Info("socket closed by server", "code", code, "reason", reason)
		e.teardown(session.StateDisconnected, nil)
		return
	}
	text := protocol.CloseText(code, reason)
	slog.Warn("socket lost", "code", code, "reason", reason, "err", err)
	e.recoverOrFail(&SessionError{
		Kind:        KindTransport,
		Message:     text,
		Code:        strconv.Itoa(code),
		Recoverable: true,
		Err:         err,
	})
}

func (e *Engine) handleProtocolError(ctx context.Context, gen uint64, info protocol.ErrorInfo) {
	serr := &SessionError{
		Kind:        KindProtocol,
		Message:     info.Message,
		Code:        info.Code,
		Recoverable: info.Recoverable,
	}
	slog.Warn("server error", "message", info.Message, "code", info.Code, "recoverable", info.Recoverable)
	if info.Recoverable {
		e.transition(session.StateError, &session.Fault{Message: info.Message, Code: info.Code, Recoverable: true})
		e.emit(ctx, serr)
		return
	}
	// The server may have consumed the ticket.
	e.recon.Invalidate()
	if !e.dropConn(gen, "session error") {
		return
	}
	e.recoverOrFail(serr)
}

// recoverOrFail enters the recoverable error state, surfaces serr and
// schedules a reconnect, or ends the call when the ceiling was reached.
func (e *Engine) recoverOrFail(serr *SessionError) {
	if !e.recon.Armed() {
		return
	}
	ctx := context.Background()
	if e.recon.Attempts() >= e.recon.MaxAttempts() {
		e.giveUp(serr)
		return
	}
	// The call survives this error even when the server's session did not.
	serr.Recoverable = true
	e.transition(session.StateError, &session.Fault{Message: serr.Message, Code: serr.Code, Recoverable: true})
	e.emit(ctx, serr)

	e.mu.Lock()
	callID := e.call
	e.mu.Unlock()
	d, ok := e.recon.Schedule(func() { e.reconnect(callID) })
	if !ok {
		e.giveUp(serr)
		return
	}
	e.metrics.RecordReconnect(ctx, "scheduled")
	slog.Info("reconnecting", "delay", d, "attempt", e.recon.Attempts())
}

func (e *Engine) giveUp(last *SessionError) {
	if !e.recon.Armed() {
		return
	}
	e.metrics.RecordReconnect(context.Background(), "exhausted")
	e.fail(&SessionError{
		Kind:    last.Kind,
		Message: fmt.Sprintf("connection lost after %d reconnect attempts: %s", e.recon.Attempts(), last.Message),
		Code:    last.Code,
		Err:     last.Err,
	})
}

func (e *Engine) reconnect(callID uint64) {
	e.mu.Lock()
	if !e.inCall || e.call != callID {
		e.mu.Unlock()
		return
	}
	ctx := e.callCtx
	e.mu.Unlock()

	e.transition(session.StateConnecting, nil)
	err := e.connect(ctx, callID)
	switch {
	case err == nil, errors.Is(err, errCallEnded), ctx.Err() != nil:
		return
	}
	slog.Warn("reconnect failed", "attempt", e.recon.Attempts(), "err", err)
	e.recoverOrFail(&SessionError{Kind: kindOf(err), Message: err.Error(), Recoverable: true, Err: err})
}

// fail ends the call in a terminal error. serr is surfaced once.
func (e *Engine) fail(serr *SessionError) { e.terminate(serr, true) }

// terminate ends the call in a terminal error. serr goes to OnError only when
// surface is set; the error metric is recorded either way.
func (e *Engine) terminate(serr *SessionError, surface bool) {
	serr.Recoverable = false
	e.recon.Disarm()
	fault := &session.Fault{Message: serr.Message, Code: serr.Code, Recoverable: false}
	slog.Error("call failed", "kind", string(serr.Kind), "message", serr.Message, "code", serr.Code)
	e.transition(session.StateError, fault)
	if surface {
		e.emit(context.Background(), serr)
	} else {
		e.metrics.RecordSessionError(context.Background(), string(serr.Kind), serr.Code, false)
	}
	e.teardown(session.StateError, fault)
}

func (e *Engine) emit(ctx context.Context, serr *SessionError) {
	e.metrics.RecordSessionError(ctx, string(serr.Kind), serr.Code, serr.Recoverable)
	if e.onError != nil {
		e.onError(serr)
	}
}

// teardown releases the socket, capture and playback of the current call and
// moves to final.
func (e *Engine) teardown(final session.State, fault *session.Fault) {
	e.recon.Disarm()

	e.mu.Lock()
	if !e.inCall {
		e.mu.Unlock()
		return
	}
	e.inCall = false
	e.call++
	e.gen++
	conn := e.conn
	e.conn = nil
	enc, q := e.encoder, e.queue
	e.encoder, e.queue = nil, nil
	e.ready = false
	e.cycleOpen = false
	e.pendingMeta = nil
	stop := e.stopKeepalive
	e.stopKeepalive = nil
	cancel := e.callCancel
	done := e.done
	e.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		_ = conn.Close(transport.StatusNormalClosure, "call ended")
	}
	if enc != nil {
		if err := enc.Stop(); err != nil {
			slog.Warn("failed to stop capture", "err", err)
		}
	}
	if q != nil {
		if err := q.Stop(); err != nil {
			slog.Warn("failed to stop playback", "err", err)
		}
	}
	cancel()
	e.metrics.ActiveCalls.Add(context.Background(), -1)
	e.transition(final, fault)
	close(done)
}

func (e *Engine) transition(to session.State, fault *session.Fault) {
	if err := e.machine.Transition(to, fault); err != nil {
		slog.Debug("state transition rejected", "err", err)
	}
}

func (e *Engine) stateChanged(from, to session.State) {
	e.metrics.RecordTransition(context.Background(), to.String())
	slog.Debug("call state changed", "from", from.String(), "to", to.String())
	if e.onState != nil {
		e.onState(from, to)
	}
}

func (e *Engine) send(ctx context.Context, msg protocol.Outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("engine: encode %s: %w", msg.Type, err)
	}
	return e.write(ctx, transport.Text, data)
}

func (e *Engine) write(ctx context.Context, typ transport.MessageType, data []byte) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return errNotOpen
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
	defer cancel()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return conn.Write(ctx, typ, data)
}

// issueTicket is the reconnector's issuer. It records the request metric.
func (e *Engine) issueTicket(ctx context.Context, req ticket.Request) (ticket.Ticket, error) {
	tk, err := e.deps.Issuer.Issue(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	e.metrics.RecordTicketRequest(ctx, status)
	return tk, err
}
