// Package call implements the call session driver: the state machine that
// acquires the microphone, negotiates a conversation, opens the signaling
// channel, starts the avatar transport, waits for it to become ready, and
// tears everything down again.
//
// Phases move Idle → Starting → AwaitingTransportReady → Live → Ending → Idle.
// Any failure records a user-visible message and routes straight to Ending, so
// resources are always released. At most one call exists at a time; a second
// [Driver.Start] is rejected with [ErrCallActive].
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Jubbery/simli-facetime-app/internal/capture"
	"github.com/Jubbery/simli-facetime-app/internal/observe"
	"github.com/Jubbery/simli-facetime-app/internal/signaling"
	"github.com/Jubbery/simli-facetime-app/pkg/audio"
	"github.com/Jubbery/simli-facetime-app/pkg/avatar"
)

// Negotiator opens a conversation on the speech backend.
type Negotiator interface {
	Negotiate(ctx context.Context, prompt, voiceID string) (sessionID string, err error)
}

// Channel is the part of an open signaling connection the driver uses.
type Channel interface {
	SendAudio(frame audio.AudioFrame) error
	Close() error
}

// Dialer opens signaling channels bound to a session id.
type Dialer interface {
	Dial(ctx context.Context, sessionID string, h signaling.Handler) (Channel, error)
}

// SignalingDialer adapts [signaling.Dialer] to [Dialer].
type SignalingDialer struct {
	*signaling.Dialer
}

// Dial implements [Dialer].
func (d SignalingDialer) Dial(ctx context.Context, sessionID string, h signaling.Handler) (Channel, error) {
	c, err := d.Dialer.Dial(ctx, sessionID, h)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Config holds the driver's behavioural settings.
type Config struct {
	// Prompt and VoiceID are the negotiation defaults used when a start
	// request leaves them empty.
	Prompt  string
	VoiceID string

	// InitialDelay precedes the first readiness check. Default: 4s.
	InitialDelay time.Duration

	// Interval separates subsequent readiness checks. Default: 1s.
	Interval time.Duration

	// MaxAttempts bounds the number of timed readiness checks. Zero waits
	// forever.
	MaxAttempts int

	// SampleRate and Channels describe the priming frame. Defaults: 16000, 1.
	SampleRate int
	Channels   int
}

func (c *Config) applyDefaults() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 4 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
}

// Deps are the collaborators sequenced by the driver.
type Deps struct {
	Capture    capture.Source
	Negotiator Negotiator
	Dialer     Dialer
	Transport  avatar.Transport
}

// StartRequest optionally overrides the configured negotiation inputs.
type StartRequest struct {
	Prompt  string `json:"prompt,omitempty"`
	VoiceID string `json:"voiceId,omitempty"`
}

// Snapshot is a consistent view of the driver state.
type Snapshot struct {
	Phase         Phase       `json:"phase"`
	CallID        string      `json:"call_id,omitempty"`
	SessionID     string      `json:"session_id,omitempty"`
	ErrorMessage  string      `json:"error,omitempty"`
	FailureKind   FailureKind `json:"failure_kind,omitempty"`
	AvatarVisible bool        `json:"avatar_visible"`
	Muted         bool        `json:"muted"`
	AvatarMuted   bool        `json:"avatar_muted"`
	VideoOff      bool        `json:"video_off"`
	StartedAt     time.Time   `json:"started_at,omitzero"`
}

// Event describes one phase transition.
type Event struct {
	Seq       uint64      `json:"seq"`
	CallID    string      `json:"call_id"`
	SessionID string      `json:"session_id,omitempty"`
	Phase     Phase       `json:"phase"`
	Kind      FailureKind `json:"failure_kind,omitempty"`
	Message   string      `json:"error,omitempty"`
	Detail    string      `json:"detail,omitempty"`
	At        time.Time   `json:"at"`
}

// Observer receives transition events. Observers run synchronously on the
// goroutine that made the transition, outside the driver lock, and must
// return quickly. Events of one call can therefore arrive out of order;
// order them by Seq.
type Observer func(Event)

// Option configures a [Driver].
type Option func(*Driver)

// WithMetrics records driver metrics on m instead of the default instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithObserver registers fn for transition events.
func WithObserver(fn Observer) Option {
	return func(d *Driver) { d.observers = append(d.observers, fn) }
}

// Driver owns the single call session. All methods are safe for concurrent use.
type Driver struct {
	cfg       Config
	deps      Deps
	metrics   *observe.Metrics
	observers []Observer

	mu            sync.Mutex
	phase         Phase
	sess          *callSession
	errMsg        string
	errKind       FailureKind
	avatarVisible bool
	muted         bool
	avatarMuted   bool
	videoOff      bool
	initialized   bool
	closed        bool
	seq           uint64
	idle          chan struct{}
}

// New creates a [Driver] in the Idle phase.
func New(cfg Config, deps Deps, opts ...Option) *Driver {
	cfg.applyDefaults()
	idle := make(chan struct{})
	close(idle)
	d := &Driver{
		cfg:  cfg,
		deps: deps,
		idle: idle,
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// Init configures the avatar transport. It is done once per driver and is
// independent of any call.
func (d *Driver) Init(desc avatar.Descriptor) error {
	if err := d.deps.Transport.Initialize(desc); err != nil {
		return fmt.Errorf("call: init transport: %w", err)
	}
	d.mu.Lock()
	d.initialized = true
	d.mu.Unlock()
	return nil
}

// Start begins a call and returns immediately; setup continues in the
// background. ctx only carries trace and logging values; cancelling it does
// not end the call.
func (d *Driver) Start(ctx context.Context, req StartRequest) error {
	d.mu.Lock()
	cfg := d.cfg
	if req.Prompt == "" {
		req.Prompt = cfg.Prompt
	}
	if req.VoiceID == "" {
		req.VoiceID = cfg.VoiceID
	}
	switch {
	case req.Prompt == "" || req.VoiceID == "":
		d.mu.Unlock()
		return ErrInvalidRequest
	case d.closed:
		d.mu.Unlock()
		return ErrDriverClosed
	case !d.initialized:
		d.mu.Unlock()
		return ErrNotInitialized
	case d.phase != PhaseIdle:
		d.mu.Unlock()
		return ErrCallActive
	}

	callID := uuid.NewString()
	spanCtx, span := observe.StartSpan(observe.WithCallID(context.WithoutCancel(ctx), callID), "call",
		trace.WithAttributes(attribute.String("call_id", callID)),
	)
	sessCtx, cancel := context.WithCancel(spanCtx)
	sess := &callSession{
		id:        callID,
		cfg:       cfg,
		req:       req,
		ctx:       sessCtx,
		cancel:    cancel,
		span:      span,
		log:       observe.Logger(spanCtx),
		startedAt: time.Now(),
		readyCh:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	d.sess = sess
	d.phase = PhaseStarting
	d.errMsg, d.errKind = "", FailureNone
	d.avatarVisible = false
	d.idle = make(chan struct{})
	ev := d.eventLocked(sess, FailureNone, "")
	d.mu.Unlock()

	d.metrics.CallsStarted.Add(sessCtx, 1)
	d.metrics.ActiveCalls.Add(sessCtx, 1)
	sess.log.Info("call: starting")
	d.emit(ev)

	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()
		d.run(sess)
	}()
	return nil
}

// End tears down the active call, if any, and waits until the driver is back
// in Idle. It clears any error message. Calling it repeatedly is harmless.
func (d *Driver) End() {
	d.mu.Lock()
	sess := d.sess
	d.errMsg, d.errKind = "", FailureNone
	d.mu.Unlock()
	if sess == nil {
		return
	}
	sess.log.Info("call: end requested")
	d.teardown(sess, FailureNone, nil)
}

// Close ends any call and releases the avatar transport. Further starts fail
// with [ErrDriverClosed].
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.End()
	if err := d.deps.Transport.Close(); err != nil {
		return fmt.Errorf("call: close transport: %w", err)
	}
	return nil
}

// Reconfigure replaces the driver settings. An active call keeps the settings
// it started with.
func (d *Driver) Reconfigure(cfg Config) {
	cfg.applyDefaults()
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

// WaitIdle blocks until the driver is in Idle or ctx is done.
func (d *Driver) WaitIdle(ctx context.Context) error {
	d.mu.Lock()
	idle := d.idle
	d.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current state.
func (d *Driver) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Snapshot{
		Phase:         d.phase,
		ErrorMessage:  d.errMsg,
		FailureKind:   d.errKind,
		AvatarVisible: d.avatarVisible,
		Muted:         d.muted,
		AvatarMuted:   d.avatarMuted,
		VideoOff:      d.videoOff,
	}
	if d.sess != nil {
		s.CallID = d.sess.id
		s.SessionID = d.sess.sessionID
		s.StartedAt = d.sess.startedAt
	}
	return s
}

// SetMuted stops or resumes uploading captured audio. It only gates the
// microphone uplink; the avatar's speech keeps playing.
func (d *Driver) SetMuted(muted bool) error {
	d.mu.Lock()
	d.muted = muted
	d.mu.Unlock()
	return nil
}

// SetAvatarMuted silences or restores the avatar's speech while a call is
// active. The microphone uplink is unaffected.
func (d *Driver) SetAvatarMuted(muted bool) error {
	d.mu.Lock()
	d.avatarMuted = muted
	sess := d.sess
	d.mu.Unlock()
	if sess == nil {
		return nil
	}
	var err error
	sess.withTransport(func() { err = d.deps.Transport.SetMuted(muted) })
	return err
}

// SetVideoOff hides or shows the avatar video while a call is active.
func (d *Driver) SetVideoOff(off bool) error {
	d.mu.Lock()
	d.videoOff = off
	sess := d.sess
	d.mu.Unlock()
	if sess == nil {
		return nil
	}
	var err error
	sess.withTransport(func() { err = d.deps.Transport.SetVideoEnabled(!off) })
	return err
}

// ─── background sequence ─────────────────────────────────────────────────────

// stepError tags a setup failure with its kind.
type stepError struct {
	kind FailureKind
	err  error
}

func (e *stepError) Error() string { return string(e.kind) + ": " + e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

func (d *Driver) run(sess *callSession) {
	ctx := sess.ctx

	handle, err := d.deps.Capture.Acquire(ctx)
	if err != nil {
		kind := FailureDeviceUnavailable
		if errors.Is(err, capture.ErrPermissionDenied) {
			kind = FailurePermissionDenied
		}
		d.fail(sess, kind, err)
		return
	}
	if !d.attach(sess, func() { sess.capture = handle }) {
		if err := handle.Release(); err != nil {
			sess.log.Warn("call: release stale capture", "err", err)
		}
		return
	}
	sess.log.Debug("call: microphone acquired")

	d.deps.Transport.OnReady(sess.signalReady)
	d.deps.Transport.OnFailure(func(err error) { d.fail(sess, FailureTransport, err) })

	negotiating := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		close(negotiating)
		start := time.Now()
		id, err := d.deps.Negotiator.Negotiate(gctx, sess.req.Prompt, sess.req.VoiceID)
		if err != nil {
			return &stepError{FailureNegotiation, err}
		}
		if id == "" {
			return &stepError{FailureNegotiation, errors.New("empty session id")}
		}
		if !d.attach(sess, func() { sess.sessionID = id }) {
			return context.Canceled
		}
		sess.span.SetAttributes(attribute.String("session_id", id))
		sess.log.Info("call: conversation negotiated", "session_id", id, "took", time.Since(start))

		ch, err := d.deps.Dialer.Dial(gctx, id, d.channelHandler(sess))
		if err != nil {
			return &stepError{FailureSignaling, err}
		}
		if !d.attach(sess, func() { sess.channel = ch }) {
			if err := ch.Close(); err != nil {
				sess.log.Warn("call: close stale channel", "err", err)
			}
			return context.Canceled
		}

		sess.wg.Add(1)
		go func() {
			defer sess.wg.Done()
			d.uplink(sess, handle, ch)
		}()
		return nil
	})
	g.Go(func() error {
		select {
		case <-negotiating:
		case <-gctx.Done():
			return gctx.Err()
		}
		var err error
		if !sess.withTransport(func() { err = d.deps.Transport.Start(gctx) }) {
			return context.Canceled
		}
		if err != nil {
			return &stepError{FailureTransport, err}
		}
		sess.transportStartedAt = time.Now()
		return nil
	})

	if err := g.Wait(); err != nil {
		var se *stepError
		if errors.As(err, &se) {
			d.fail(sess, se.kind, se.err)
		}
		return
	}

	if !d.transition(sess, PhaseStarting, PhaseAwaitingTransportReady) {
		return
	}
	d.awaitReady(sess)
}

// awaitReady checks transport readiness after the initial delay and then on
// every interval tick, short-circuited by the transport's ready callback.
func (d *Driver) awaitReady(sess *callSession) {
	timer := time.NewTimer(sess.cfg.InitialDelay)
	defer timer.Stop()

	attempts := 0
	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-sess.readyCh:
		case <-timer.C:
			attempts++
		}

		var ready bool
		if !sess.withTransport(func() { ready = d.deps.Transport.Ready() }) {
			return
		}
		if ready {
			d.goLive(sess)
			return
		}
		if sess.cfg.MaxAttempts > 0 && attempts >= sess.cfg.MaxAttempts {
			d.fail(sess, FailureTimedOut, fmt.Errorf("%w after %d checks", ErrReadinessTimeout, attempts))
			return
		}
		sess.log.Debug("call: transport not ready", "attempt", attempts)
		timer.Reset(sess.cfg.Interval)
	}
}

func (d *Driver) goLive(sess *callSession) {
	d.mu.Lock()
	if d.sess != sess || d.phase != PhaseAwaitingTransportReady {
		d.mu.Unlock()
		return
	}
	d.phase = PhaseLive
	d.avatarVisible = true
	avatarMuted, videoOff := d.avatarMuted, d.videoOff
	ev := d.eventLocked(sess, FailureNone, "")
	d.mu.Unlock()

	wait := time.Since(sess.transportStartedAt)
	d.metrics.ReadinessWait.Record(sess.ctx, wait.Seconds())
	sess.log.Info("call: live", "session_id", sess.sessionID, "readiness_wait", wait)
	d.emit(ev)

	sess.withTransport(func() {
		if avatarMuted {
			if err := d.deps.Transport.SetMuted(true); err != nil {
				sess.log.Warn("call: apply avatar mute", "err", err)
			}
		}
		if videoOff {
			if err := d.deps.Transport.SetVideoEnabled(false); err != nil {
				sess.log.Warn("call: apply video off", "err", err)
			}
		}
		priming := audio.Silence(audio.PrimingFrameSize, sess.cfg.SampleRate, sess.cfg.Channels)
		if err := d.deps.Transport.SendAudioData(priming); err != nil {
			sess.log.Warn("call: priming frame rejected", "err", err)
		}
	})
}

// uplink forwards captured chunks to the signaling channel until the session
// ends or the capture stream closes.
func (d *Driver) uplink(sess *callSession, h capture.Handle, ch Channel) {
	frames := h.Frames(sess.ctx)
	for {
		var frame audio.AudioFrame
		select {
		case <-sess.ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			frame = f
		}
		if sess.ctx.Err() != nil {
			return
		}

		d.mu.Lock()
		muted := d.muted
		d.mu.Unlock()
		if muted {
			continue
		}
		switch err := ch.SendAudio(frame); {
		case err == nil:
			d.metrics.RecordAudio(sess.ctx, observe.DirectionOutbound, frame.Len())
		case errors.Is(err, signaling.ErrBackpressure):
			sess.log.Debug("call: dropping captured chunk", "err", err)
		default:
			return
		}
	}
}

// channelHandler routes signaling traffic for sess.
func (d *Driver) channelHandler(sess *callSession) signaling.Handler {
	return signaling.Handler{
		OnAudio: func(frame audio.AudioFrame) {
			d.mu.Lock()
			live := d.sess == sess && d.phase == PhaseLive
			d.mu.Unlock()
			if !live {
				return
			}
			sess.withTransport(func() {
				if err := d.deps.Transport.SendAudioData(frame); err != nil {
					sess.log.Debug("call: transport rejected inbound audio", "err", err)
					return
				}
				d.metrics.RecordAudio(sess.ctx, observe.DirectionInbound, frame.Len())
			})
		},
		OnMessage: func(msg signaling.Message) {
			sess.log.Debug("call: signaling message", "type", msg.Type)
		},
		OnError: func(err error) {
			d.fail(sess, FailureSignaling, err)
		},
		OnClosed: func() {
			d.fail(sess, FailureRemoteClosed, ErrRemoteClosed)
		},
	}
}

// ─── state helpers ───────────────────────────────────────────────────────────

// attach runs set under the driver lock if sess is still the active session.
func (d *Driver) attach(sess *callSession, set func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sess != sess || sess.ctx.Err() != nil {
		return false
	}
	set()
	return true
}

func (d *Driver) transition(sess *callSession, from, to Phase) bool {
	d.mu.Lock()
	if d.sess != sess || d.phase != from || sess.ctx.Err() != nil {
		d.mu.Unlock()
		return false
	}
	d.phase = to
	ev := d.eventLocked(sess, FailureNone, "")
	d.mu.Unlock()
	sess.log.Debug("call: phase changed", "from", from, "to", to)
	d.emit(ev)
	return true
}

// fail records kind for sess and tears it down asynchronously. Failures for a
// session that is already ending are ignored.
func (d *Driver) fail(sess *callSession, kind FailureKind, err error) {
	d.mu.Lock()
	if d.sess != sess || sess.ctx.Err() != nil || sess.failed {
		d.mu.Unlock()
		return
	}
	sess.failed = true
	if kind.IsError() {
		d.errMsg, d.errKind = kind.Message(), kind
	}
	d.mu.Unlock()

	if kind.IsError() {
		sess.log.Warn("call: failed", "kind", kind, "err", err)
		d.metrics.RecordCallFailure(sess.ctx, string(kind))
		observe.FailSpan(sess.span, err, string(kind))
	} else {
		sess.log.Info("call: remote ended conversation")
	}
	go d.teardown(sess, kind, err)
}

// teardown is the single exit path for a session. It runs once; concurrent
// callers wait for the first to finish.
func (d *Driver) teardown(sess *callSession, kind FailureKind, cause error) {
	sess.teardownOnce.Do(func() {
		sess.cancel()

		d.mu.Lock()
		var ev *Event
		if d.sess == sess {
			d.phase = PhaseEnding
			d.avatarVisible = false
			e := d.eventLocked(sess, kind, errDetail(cause))
			ev = &e
		}
		d.mu.Unlock()
		if ev != nil {
			d.emit(*ev)
		}

		sess.stop()

		// The microphone goes first so that no session goroutine can stay
		// parked on a device that has stopped producing.
		d.mu.Lock()
		mic := sess.capture
		d.mu.Unlock()
		if mic != nil {
			if err := mic.Release(); err != nil {
				sess.log.Warn("call: release microphone", "err", err)
			}
		}

		sess.wg.Wait()

		if sess.channel != nil {
			if err := sess.channel.Close(); err != nil {
				sess.log.Warn("call: close signaling channel", "err", err)
			}
		}
		d.deps.Transport.OnReady(nil)
		d.deps.Transport.OnFailure(nil)
		if err := d.deps.Transport.Close(); err != nil {
			sess.log.Warn("call: close avatar transport", "err", err)
		}

		d.mu.Lock()
		ev = nil
		if d.sess == sess {
			d.sess = nil
			d.phase = PhaseIdle
			e := d.eventLocked(sess, kind, "")
			ev = &e
			close(d.idle)
		}
		d.mu.Unlock()

		duration := time.Since(sess.startedAt)
		d.metrics.ActiveCalls.Add(sess.ctx, -1)
		d.metrics.CallDuration.Record(sess.ctx, duration.Seconds())
		sess.log.Info("call: ended", "duration", duration)
		sess.span.End()
		if ev != nil {
			d.emit(*ev)
		}
		close(sess.done)
	})
}

func (d *Driver) eventLocked(sess *callSession, kind FailureKind, detail string) Event {
	d.seq++
	return Event{
		Seq:       d.seq,
		CallID:    sess.id,
		SessionID: sess.sessionID,
		Phase:     d.phase,
		Kind:      kind,
		Message:   kind.Message(),
		Detail:    detail,
		At:        time.Now(),
	}
}

func (d *Driver) emit(ev Event) {
	for _, fn := range d.observers {
		fn(ev)
	}
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ─── session ─────────────────────────────────────────────────────────────────

// callSession is the state owned by one call. Fields other than gate/stopped
// are written under the driver lock before teardown and read after wg.Wait.
type callSession struct {
	id        string
	cfg       Config
	req       StartRequest
	ctx       context.Context
	cancel    context.CancelFunc
	span      trace.Span
	log       *slog.Logger
	startedAt time.Time

	sessionID          string
	capture            capture.Handle
	channel            Channel
	transportStartedAt time.Time
	failed             bool

	readyCh chan struct{}

	// gate orders transport calls made on behalf of the session against
	// teardown: once stopped is set no further call is made.
	gate    sync.RWMutex
	stopped bool

	wg           sync.WaitGroup
	teardownOnce sync.Once
	done         chan struct{}
}

// withTransport runs fn unless the session has been stopped.
func (s *callSession) withTransport(fn func()) bool {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.stopped {
		return false
	}
	fn()
	return true
}

func (s *callSession) stop() {
	s.gate.Lock()
	s.stopped = true
	s.gate.Unlock()
}

func (s *callSession) signalReady() {
	select {
	case s.readyCh <- struct{}{}:
	default:
	}
}
