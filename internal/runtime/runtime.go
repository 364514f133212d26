package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/speech-bridge/internal/bridge"
	"github.com/loqalabs/speech-bridge/internal/bus"
	"github.com/loqalabs/speech-bridge/internal/channel"
	"github.com/loqalabs/speech-bridge/internal/config"
	"github.com/loqalabs/speech-bridge/internal/locale"
	"github.com/loqalabs/speech-bridge/internal/looper"
	"github.com/loqalabs/speech-bridge/internal/natsserver"
	"github.com/loqalabs/speech-bridge/internal/notify"
	"github.com/loqalabs/speech-bridge/internal/permission"
	"github.com/loqalabs/speech-bridge/internal/presence"
	"github.com/loqalabs/speech-bridge/internal/recognizer"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	listener      net.Listener
	tracerClose   func(context.Context) error
	metricHandler http.Handler
	ready         atomic.Bool
	started       chan struct{}
	wg            sync.WaitGroup

	natsServer  *natsserver.EmbeddedServer
	busClient   *bus.Client
	store       *permission.Store
	permissions *permission.Manager
	recognizer  *recognizer.Service
	loop        *looper.Looper
	channel     *channel.MethodChannel
	bridge      *bridge.Bridge
	presence    *presence.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		started: make(chan struct{}),
	}
}

// Start brings up every component, serves HTTP and blocks until ctx is
// cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metricHandler = metricHandler

	if err := r.startComponents(ctx); err != nil {
		cancel()
		r.stopComponents()
		r.closeTelemetry()
		return err
	}

	if err := r.startHTTP(); err != nil {
		cancel()
		r.stopComponents()
		r.closeTelemetry()
		return err
	}

	r.ready.Store(true)
	close(r.started)
	r.logger.Info("runtime started",
		slog.String("addr", r.listener.Addr().String()),
		slog.String("channel", r.cfg.Bridge.Channel))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.stopComponents()
	r.closeTelemetry()
	return nil
}

// Started is closed once the runtime is serving.
func (r *Runtime) Started() <-chan struct{} {
	return r.started
}

// Addr is the HTTP listen address, valid after Started.
func (r *Runtime) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// BusURL is the NATS URL the runtime connected to, valid after Started.
func (r *Runtime) BusURL() string {
	if r.busClient == nil {
		return ""
	}
	return r.busClient.Conn().ConnectedUrl()
}

func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.natsServer = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.busClient = client

	store, err := permission.OpenStore(ctx, r.cfg.Permission, r.logger)
	if err != nil {
		return fmt.Errorf("open permission store: %w", err)
	}
	r.store = store

	prompter, err := permission.NewPrompter(r.cfg.Permission, client)
	if err != nil {
		return err
	}
	r.permissions = permission.NewManager(ctx, r.cfg.Permission, store, prompter, r.logger)

	transcriber, err := newTranscriber(r.cfg.Recognizer)
	if err != nil {
		return err
	}
	r.recognizer = recognizer.NewService(ctx, r.cfg.Recognizer, client, transcriber, r.logger)
	r.recognizer.SetPermissionCheck(func() bool {
		return r.permissions.Granted(permission.RecordAudio)
	})

	r.loop = looper.New(r.cfg.Bridge.QueueSize, r.logger)
	go r.loop.Run(ctx)

	r.channel = channel.New(r.cfg.Bridge.Channel, client, r.logger)
	br, err := bridge.New(bridge.Options{
		Config:      r.cfg.Bridge,
		Recognizer:  r.recognizer,
		Permissions: r.permissions,
		Notifier:    notify.NewBusNotifier(client, r.logger),
		Locale:      locale.Fixed(r.cfg.Bridge.Locale),
		Sink:        bridge.InvokerSink(r.channel),
		Logger:      r.logger,
	})
	if err != nil {
		return err
	}
	r.bridge = br

	r.recognizer.SetListener(recognizer.PostTo(r.loop, br))
	r.permissions.SetResultListener(permission.PostTo(r.loop, br))
	r.channel.SetMethodCallHandler(channel.Serialized(r.loop, br))

	if err := r.recognizer.Start(); err != nil {
		return err
	}
	if err := r.channel.Start(); err != nil {
		return err
	}

	caps := []presence.Capability{{
		Name: "speech.recognition",
		Attributes: map[string]string{
			"channel": r.cfg.Bridge.Channel,
			"mode":    r.cfg.Recognizer.Mode,
			"source":  r.cfg.Recognizer.Source,
		},
	}}
	reg, err := presence.NewRegistry(ctx, r.cfg.Node, client, func() string {
		return br.ObservedState().String()
	}, caps, r.logger)
	if err != nil {
		return fmt.Errorf("start presence: %w", err)
	}
	r.presence = reg
	return nil
}

func newTranscriber(cfg config.RecognizerConfig) (recognizer.Transcriber, error) {
	switch cfg.Mode {
	case "", "mock":
		return recognizer.NewMockTranscriber(), nil
	case "exec":
		return recognizer.NewExecTranscriber(cfg)
	default:
		return nil, fmt.Errorf("unsupported recognizer mode %q", cfg.Mode)
	}
}

func (r *Runtime) startHTTP() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metricHandler != nil {
		mux.Handle("/metrics", r.metricHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.listener = ln
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// stopComponents tears down in reverse start order. It tolerates a partial
// start. The context passed to startComponents must already be cancelled.
func (r *Runtime) stopComponents() {
	if r.loop != nil {
		<-r.loop.Done()
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.channel != nil {
		r.channel.Close()
	}
	if r.recognizer != nil {
		r.recognizer.Close()
	}
	if r.permissions != nil {
		r.permissions.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("failed to close permission store", slog.String("error", err.Error()))
		}
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	if r.natsServer != nil {
		r.natsServer.Shutdown()
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) healthy() bool {
	return r.busClient != nil && r.busClient.Healthy() &&
		r.channel != nil && r.channel.Healthy() &&
		r.recognizer != nil && r.recognizer.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// looperResponsive reports whether the control looper runs a task within
// timeout.
func (r *Runtime) looperResponsive(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.loop.Call(ctx, func() {}) == nil
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.ready.Load() && r.healthy() && r.presence.Healthy() && r.looperResponsive(req.Context(), time.Second) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
