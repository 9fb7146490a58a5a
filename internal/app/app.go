// Package app wires the facetime subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the control surface until its context ends, and
// Shutdown tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithCapture,
// WithTransport, etc.). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Jubbery/simli-facetime-app/internal/call"
	"github.com/Jubbery/simli-facetime-app/internal/calllog"
	"github.com/Jubbery/simli-facetime-app/internal/capture"
	"github.com/Jubbery/simli-facetime-app/internal/config"
	"github.com/Jubbery/simli-facetime-app/internal/events"
	"github.com/Jubbery/simli-facetime-app/internal/health"
	"github.com/Jubbery/simli-facetime-app/internal/negotiate"
	"github.com/Jubbery/simli-facetime-app/internal/observe"
	"github.com/Jubbery/simli-facetime-app/internal/resilience"
	"github.com/Jubbery/simli-facetime-app/internal/server"
	"github.com/Jubbery/simli-facetime-app/internal/signaling"
	"github.com/Jubbery/simli-facetime-app/pkg/avatar"
	"github.com/Jubbery/simli-facetime-app/pkg/avatar/webrtc"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg   *config.Config
	log   *slog.Logger
	level *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	telemetry  *observe.Provider
	metrics    *observe.Metrics
	calls      *calllog.Store
	embedded   *events.EmbeddedServer
	publisher  *events.Publisher
	capture    capture.Source
	negotiator call.Negotiator
	dialer     call.Dialer
	transport  avatar.Transport
	recorder   *recorder
	driver     *call.Driver
	httpServer *http.Server
	listener   net.Listener

	// closers run in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the logger used by every subsystem. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets config reloads adjust the log level of the handler
// backing the logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithCapture injects a microphone source instead of launching ffmpeg.
func WithCapture(s capture.Source) Option {
	return func(a *App) { a.capture = s }
}

// WithNegotiator injects a negotiator instead of the HTTP client.
func WithNegotiator(n call.Negotiator) Option {
	return func(a *App) { a.negotiator = n }
}

// WithDialer injects a signaling dialer instead of the websocket dialer.
func WithDialer(d call.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithTransport injects an avatar transport instead of the pion one.
func WithTransport(t avatar.Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithListener serves the control surface on l instead of listening on
// server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any collaborator of the call driver.
//
// New performs all initialisation synchronously: telemetry, call history,
// event publishing, the call collaborators, the driver, and the HTTP
// control surface. On error, everything created so far is released.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	defer func() {
		if err != nil {
			a.runClosers()
		}
	}()

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Call history ──────────────────────────────────────────────────
	if err := a.initCallLog(ctx); err != nil {
		return nil, fmt.Errorf("app: init call log: %w", err)
	}

	// ── 3. Lifecycle events ──────────────────────────────────────────────
	if err := a.initEvents(ctx); err != nil {
		return nil, fmt.Errorf("app: init events: %w", err)
	}

	// ── 4. Call collaborators ────────────────────────────────────────────
	if err := a.initCollaborators(); err != nil {
		return nil, fmt.Errorf("app: init collaborators: %w", err)
	}

	// ── 5. Driver ────────────────────────────────────────────────────────
	if err := a.initDriver(); err != nil {
		return nil, fmt.Errorf("app: init driver: %w", err)
	}

	// ── 6. Control surface ───────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initTelemetry(ctx context.Context) error {
	tel := a.cfg.Telemetry
	exp, err := observe.NewTraceExporter(ctx, observe.TraceExportConfig{
		Kind:     tel.Traces,
		Endpoint: tel.OTLPEndpoint,
		Insecure: tel.OTLPInsecure,
	})
	if err != nil {
		return err
	}
	p, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:   tel.ServiceName,
		TraceExporter: exp,
	})
	if err != nil {
		if exp != nil {
			_ = exp.Shutdown(ctx)
		}
		return err
	}
	a.telemetry = p
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return p.Shutdown(sctx)
	})

	m, err := observe.NewMetrics(p.MeterProvider)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}
	a.metrics = m
	return nil
}

func (a *App) initCallLog(ctx context.Context) error {
	st, err := calllog.Open(ctx, a.cfg.CallLog, a.log)
	if err != nil {
		return err
	}
	a.calls = st
	a.closers = append(a.closers, st.Close)
	if a.cfg.CallLog.Path == "" {
		a.log.Info("app: call history kept in memory")
	}
	return nil
}

// initEvents starts the embedded NATS server when configured without
// external servers, then connects the publisher.
func (a *App) initEvents(ctx context.Context) error {
	evCfg := a.cfg.Events
	if evCfg.Embedded && len(evCfg.Servers) == 0 {
		srv, err := events.StartEmbedded(evCfg.EmbeddedPort, a.log)
		if err != nil {
			return err
		}
		a.embedded = srv
		a.closers = append(a.closers, func() error {
			srv.Shutdown()
			return nil
		})
		evCfg.Servers = []string{srv.ClientURL()}
	}

	pub, err := events.Connect(ctx, evCfg, a.log)
	if err != nil {
		return err
	}
	a.publisher = pub
	a.closers = append(a.closers, pub.Close)
	return nil
}

func (a *App) initCollaborators() error {
	if a.capture == nil {
		a.capture = capture.NewFFmpegSource(capture.Config{
			Command:       a.cfg.Capture.Command,
			InputFormat:   a.cfg.Capture.InputFormat,
			InputDevice:   a.cfg.Capture.InputDevice,
			SampleRate:    a.cfg.Capture.SampleRate,
			Channels:      a.cfg.Capture.Channels,
			ChunkInterval: a.cfg.Capture.ChunkInterval,
		})
	}

	if a.negotiator == nil {
		nopts := []negotiate.Option{
			negotiate.WithHTTPClient(&http.Client{Timeout: a.cfg.Backend.RequestTimeout}),
			negotiate.WithMetrics(a.metrics),
		}
		if a.cfg.Backend.BreakerThreshold > 0 {
			nopts = append(nopts, negotiate.WithBreaker(resilience.New(resilience.Config{
				Name:      "negotiate",
				Threshold: a.cfg.Backend.BreakerThreshold,
				Cooldown:  a.cfg.Backend.BreakerCooldown,
			})))
		}
		a.negotiator = negotiate.New(a.cfg.Backend.BaseURL, nopts...)
	}

	if a.dialer == nil {
		endpoint := a.cfg.SignalingEndpoint()
		if endpoint == "" {
			return errors.New("cannot derive signaling endpoint from backend.base_url")
		}
		a.dialer = call.SignalingDialer{Dialer: signaling.NewDialer(endpoint)}
	}

	if a.transport == nil {
		t, err := webrtc.New(webrtc.Config{
			APIURL:     a.cfg.Avatar.APIURL,
			ICEServers: a.cfg.Avatar.ICEServers,
		})
		if err != nil {
			return err
		}
		a.transport = t
	}
	return nil
}

func (a *App) initDriver() error {
	rec, err := openRecorder(a.cfg.Avatar.RecordVideo, a.cfg.Avatar.RecordAudio)
	if err != nil {
		return err
	}
	a.recorder = rec

	dopts := []call.Option{
		call.WithMetrics(a.metrics),
		call.WithObserver(a.calls.Observer()),
		call.WithObserver(a.logTransition),
	}
	if a.publisher.Enabled() {
		dopts = append(dopts, call.WithObserver(a.publisher.Observer()))
	}

	a.driver = call.New(driverConfig(a.cfg), call.Deps{
		Capture:    a.capture,
		Negotiator: a.negotiator,
		Dialer:     a.dialer,
		Transport:  a.transport,
	}, dopts...)

	// The driver closes the transport, so the sinks must close after it.
	a.closers = append(a.closers, rec.Close, a.driver.Close)

	desc := avatar.Descriptor{
		APIKey:        a.cfg.Avatar.APIKey,
		FaceID:        a.cfg.Avatar.FaceID,
		HandleSilence: a.cfg.Avatar.HandleSilence,
		VideoSink:     rec.videoSink(),
		AudioSink:     rec.audioSink(),
	}
	return a.driver.Init(desc)
}

func (a *App) initServer() error {
	checks := []health.Checker{
		{Name: "call_log", Check: a.calls.Ping},
	}
	if a.publisher.Enabled() {
		checks = append(checks, health.Checker{Name: "events", Check: a.publisher.Check, Optional: true})
	}
	hh := health.New(checks...)

	srv := server.New(a.driver,
		server.WithHistory(a.calls),
		server.WithMetrics(a.metrics),
		server.WithRoutes(func(mux *http.ServeMux) {
			hh.Register(mux)
			mux.Handle("GET "+a.cfg.Telemetry.MetricsPath, a.telemetry.MetricsHandler())
		}),
	)
	a.httpServer = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control surface and blocks until ctx is cancelled or the
// server fails. When ctx is done, Run returns context.Canceled (or the
// underlying cause). Call Shutdown afterwards to release everything.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.httpServer.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.httpServer.Addr, err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpServer.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpServer.Serve(ln)
		}
		errCh <- err
	}()
	a.log.Info("app: control surface listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.httpServer.Shutdown(sctx); err != nil {
			a.log.Warn("app: http shutdown", "err", err)
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Driver returns the call driver.
func (a *App) Driver() *call.Driver { return a.driver }

// Handler returns the control surface handler.
func (a *App) Handler() http.Handler { return a.httpServer.Handler }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends any active call and tears down all subsystems in
// reverse-init order. If ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("app: shutting down", "closers", len(a.closers))
		if err := a.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("app: http shutdown", "err", err)
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("app: shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("app: closer error", "index", i, "err", err)
			}
		}
		a.log.Info("app: shutdown complete")
	})
	return shutdownErr
}

// runClosers releases partially initialised subsystems after New fails.
func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("app: cleanup after failed init", "err", err)
		}
	}
	a.closers = nil
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of next. A call in progress
// keeps its settings; the next call uses the new ones.
func (a *App) ApplyConfig(next *config.Config, diff config.ConfigDiff) {
	if diff.LogLevelChanged && a.level != nil {
		a.level.Set(diff.NewLogLevel.SlogLevel())
		a.log.Info("app: log level changed", "level", diff.NewLogLevel)
	}
	if diff.ConversationChanged || diff.ReadinessChanged {
		a.driver.Reconfigure(driverConfig(next))
		a.log.Info("app: call settings updated for the next call",
			"conversation", diff.ConversationChanged,
			"readiness", diff.ReadinessChanged,
		)
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// driverConfig converts the relevant config sections to a [call.Config].
func driverConfig(cfg *config.Config) call.Config {
	return call.Config{
		Prompt:       cfg.Conversation.Prompt,
		VoiceID:      cfg.Conversation.VoiceID,
		InitialDelay: cfg.Readiness.InitialDelay,
		Interval:     cfg.Readiness.Interval,
		MaxAttempts:  cfg.Readiness.Attempts(),
		SampleRate:   cfg.Capture.SampleRate,
		Channels:     cfg.Capture.Channels,
	}
}

// logTransition writes one line per driver transition.
func (a *App) logTransition(ev call.Event) {
	attrs := []any{"call_id", ev.CallID, "phase", ev.Phase, "seq", ev.Seq}
	if ev.SessionID != "" {
		attrs = append(attrs, "session_id", ev.SessionID)
	}
	if ev.Kind.IsError() {
		attrs = append(attrs, "failure_kind", ev.Kind, "error", ev.Message, "detail", ev.Detail)
		a.log.Warn("app: call transition", attrs...)
		return
	}
	a.log.Debug("app: call transition", attrs...)
}
