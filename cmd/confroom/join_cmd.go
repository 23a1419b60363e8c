package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"confroom/internal/core/domain"
	"confroom/internal/core/ports"
	"confroom/internal/core/services"
	httphandlers "confroom/internal/handlers/http"
	"confroom/internal/infrastructure/events"
	"confroom/internal/infrastructure/middleware"
	"confroom/internal/infrastructure/monitoring"
	"confroom/internal/infrastructure/repositories"
	wsignal "confroom/internal/infrastructure/signal"
	webrtcinfra "confroom/internal/infrastructure/webrtc"
	"confroom/pkg/circuitbreaker"
	"confroom/pkg/config"
	rlog "confroom/pkg/logger"
	"confroom/pkg/tracing"
	"confroom/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type joinOptions struct {
	token     string
	signalURL string
	publish   string
	width     int
	height    int
}

func newJoinCmd() *cobra.Command {
	var opts joinOptions

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a room and stay connected until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.token == "" {
				opts.token = os.Getenv("CONFROOM_TOKEN")
			}
			if opts.token == "" {
				return errors.New("a join token is required (--token or CONFROOM_TOKEN)")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if opts.signalURL != "" {
				if err := validation.ValidateSignalURL(opts.signalURL); err != nil {
					return fmt.Errorf("--signal-url: %w", err)
				}
				cfg.Signal.URL = opts.signalURL
			}
			return runJoin(cmd.Context(), cfg, opts)
		},
	}

	cmd.Flags().StringVar(&opts.token, "token", "", "join token")
	cmd.Flags().StringVar(&opts.signalURL, "signal-url", "", "override signal.url")
	cmd.Flags().StringVar(&opts.publish, "publish", "", "media to publish after joining, e.g. audio,video")
	cmd.Flags().IntVar(&opts.width, "width", 640, "published video width")
	cmd.Flags().IntVar(&opts.height, "height", 480, "published video height")
	return cmd
}

func runJoin(parent context.Context, cfg *config.Config, opts joinOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	zapLogger := rlog.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Warnw("failed to flush traces", "error", err)
		}
	}()

	token, err := services.ParseJoinToken(opts.token, []byte(os.Getenv("CONFROOM_TOKEN_KEY")))
	if err != nil {
		return err
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		return err
	}
	defer repoFactory.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics ports.SessionMetrics
	var collector *monitoring.PrometheusCollector
	if cfg.Monitoring.PrometheusEnabled {
		collector = monitoring.NewPrometheusCollector(registry)
		metrics = collector
	}

	gateway := wsignal.NewWebSocketGateway(wsignal.OptionsFrom(cfg), zapLogger)
	if collector != nil {
		gateway.OnBreakerStateChange(func(from, to circuitbreaker.State) {
			log.Infow("signaling breaker state changed", "from", from.String(), "to", to.String())
			collector.BreakerState(int(to))
		})
	}

	mediaFactory, err := webrtcinfra.NewFactory(webrtcinfra.ConfigFrom(cfg), zapLogger)
	if err != nil {
		return err
	}
	prober, err := monitoring.NewHTTPProber(cfg.Session.ProbeURL, cfg.Signal.URL, cfg.Signal.DialTimeout)
	if err != nil {
		return err
	}

	var codec string
	if len(cfg.WebRTC.VideoCodecs) > 0 {
		codec = cfg.WebRTC.VideoCodecs[0]
	}
	dispatcher := events.NewDispatcher(log)

	room, err := services.NewRoom(token, services.RoomConfigFrom(cfg), services.RoomDeps{
		Gateway: gateway,
		Media:   mediaFactory,
		Tracks:  &webrtcinfra.SampleTrackSource{VideoCodec: codec},
		Prober:  prober,
		Store:   repoFactory.CreateSessionStore(),
		Events:  dispatcher,
		Metrics: metrics,
		Local:   repoFactory.CreateStreamRegistry(),
		Remote:  repoFactory.CreateStreamRegistry(),
		Pending: repoFactory.CreateStreamRegistry(),
	}, zapLogger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	terminal := make(chan domain.Event, 1)
	room.AddEventListener(events.AllEvents, func(ev domain.Event) {
		log.Debugw("room event", "event", ev.Type())
		switch ev.Type() {
		case domain.EventRoomDisconnected, domain.EventNetworkReconnectTimeout:
			select {
			case terminal <- ev:
			default:
			}
		}
	})

	srv := startAdminServer(cfg, room, gateway, repoFactory, registry, log)

	if err := room.Connect(ctx); err != nil {
		shutdownAdmin(srv, log)
		return fmt.Errorf("join room %s: %w", token.Settings.RoomID, err)
	}
	log.Infow("joined room", "room_id", token.Settings.RoomID, "client_id", room.ClientID(), "role", room.Role())

	if opts.publish != "" {
		if err := publish(ctx, room, opts); err != nil {
			log.Errorw("failed to publish", "error", err)
		}
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case ev := <-terminal:
		log.Warnw("session ended", "event", ev.Type())
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Session.LeaveAckTimeout+5*time.Second)
	defer cancel()
	if err := room.Close(closeCtx); err != nil {
		log.Warnw("failed to close room", "error", err)
	}
	shutdownAdmin(srv, log)
	return nil
}

func publish(ctx context.Context, room *services.Room, opts joinOptions) error {
	kinds, err := parseKinds(opts.publish)
	if err != nil {
		return err
	}
	res := validation.Resolution{Width: opts.width, Height: opts.height}
	if err := validation.ValidateResolution(res, validation.Resolution{}, validation.Resolution{}); err != nil {
		return err
	}
	stream := domain.NewLocalStream(kinds, nil, map[string]string{"name": "cli"})
	_, err = room.Publish(ctx, stream, domain.PublishOptions{
		Resolution: domain.Resolution{Width: opts.width, Height: opts.height},
	})
	return err
}

func startAdminServer(
	cfg *config.Config,
	room *services.Room,
	gateway *wsignal.WebSocketGateway,
	repoFactory *repositories.RepositoryFactory,
	registry *prometheus.Registry,
	log *zap.SugaredLogger,
) *http.Server {
	if cfg.Monitoring.AdminAddress == "" {
		return nil
	}

	health := monitoring.NewHealthChecker()
	health.AddCheck(monitoring.HealthCheck{
		Name: "signaling",
		Check: func(context.Context) error {
			if !gateway.Connected() {
				return domain.ErrGatewayClosed
			}
			return nil
		},
	})
	health.AddCheck(monitoring.HealthCheck{Name: "store", Check: repoFactory.HealthCheck, Optional: true})

	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = registry
	}

	gin.SetMode(gin.ReleaseMode)
	handler := httphandlers.NewRoomHandler(room, health, gatherer, cfg.Monitoring.AdminToken)
	router := httphandlers.NewRouter(handler, middleware.NewHTTPRateLimitMiddleware(cfg), log)

	srv := &http.Server{
		Addr:              cfg.Monitoring.AdminAddress,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infow("admin API listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("admin server failed", "error", err)
		}
	}()
	return srv
}

func shutdownAdmin(srv *http.Server, log *zap.SugaredLogger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnw("admin server shutdown failed", "error", err)
	}
}
