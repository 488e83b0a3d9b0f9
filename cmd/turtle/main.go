package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/K3das/turtle/asr"
	"github.com/K3das/turtle/asr/remote"
	"github.com/K3das/turtle/asr/replay"
	"github.com/K3das/turtle/commands"
	"github.com/K3das/turtle/controller"
	"github.com/K3das/turtle/discord"
	"github.com/K3das/turtle/media"
	"github.com/K3das/turtle/messages"
	"github.com/K3das/turtle/metric"
	"github.com/K3das/turtle/store"
	"github.com/K3das/turtle/turtle"
	"github.com/caarlos0/env/v9"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var CommitHash = ""

type config struct {
	Classifier string `env:"CLASSIFIER" envDefault:"replay"`

	CanvasWidth    int           `env:"CANVAS_WIDTH" envDefault:"500"`
	CanvasHeight   int           `env:"CANVAS_HEIGHT" envDefault:"500"`
	StepDistance   float64       `env:"STEP_DISTANCE" envDefault:"40"`
	StepAngle      float64       `env:"STEP_ANGLE" envDefault:"90"`
	AllowRetreat   bool          `env:"ALLOW_RETREAT"`
	MotionDuration time.Duration `env:"MOTION_DURATION" envDefault:"0s"`

	FFmpegBinary  string `env:"FFMPEG_BINARY" envDefault:"ffmpeg"`
	FFprobeBinary string `env:"FFPROBE_BINARY" envDefault:"ffprobe"`

	PostgresDSN string `env:"POSTGRES_DSN"`
	MetricsAddr string `env:"METRICS_ADDR"`

	DiscordToken string   `env:"DISCORD_TOKEN"`
	Servers      []string `env:"SERVERS"`

	ListenOptions asr.ListenOptions
	RemoteOptions remote.ClassifierOptions `envPrefix:"REMOTE_"`
	ReplayOptions replay.ClassifierOptions `envPrefix:"REPLAY_"`
}

const environmentPrefix = "TURTLE_"
const logLevelEnvKey = environmentPrefix + "LOG_LEVEL"

// attachDelay gives the presentation a moment to come up before the startup
// motion is drawn.
const attachDelay = 100 * time.Millisecond

func createLog() *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = ""

	logLevelValue := os.Getenv(logLevelEnvKey)
	logLevel, logLevelErr := zapcore.ParseLevel(logLevelValue)

	if logLevelErr != nil {
		logLevel = zapcore.InfoLevel
	}

	rawLog := zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(os.Stdout),
		logLevel,
	)).Named("turtle")

	if CommitHash != "" {
		rawLog = rawLog.With(zap.String("commit", CommitHash))
	}

	if logLevelErr != nil && logLevelValue != "" {
		rawLog.With(zap.String(logLevelEnvKey, logLevelValue)).Warn("unable to parse log level, using INFO")
	}

	return rawLog
}

func createClassifier(parentLogger *zap.Logger, cfg config) (asr.Classifier, error) {
	switch cfg.Classifier {
	case "remote":
		ffmpeg := media.NewFFmpeg(
			media.WithFFmpegBinary(cfg.FFmpegBinary),
			media.WithFFprobeBinary(cfg.FFprobeBinary),
		)
		return remote.NewClassifier(parentLogger, cfg.RemoteOptions, remote.WithFFmpeg(ffmpeg))
	case "replay":
		return replay.NewClassifier(parentLogger, afero.NewOsFs(), cfg.ReplayOptions), nil
	default:
		return nil, errors.New("unknown classifier " + cfg.Classifier)
	}
}

func main() {
	parentLogger := createLog()
	defer parentLogger.Sync()

	log := parentLogger.Named("main")
	log.With(zap.String("min_log_level", parentLogger.Level().String())).Info("starting")

	cfg := config{}
	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix: environmentPrefix,
	}); err != nil {
		log.Fatal("failed to parse config", zap.Error(err))
	}
	headless := cfg.DiscordToken == ""

	classifier, err := createClassifier(parentLogger, cfg)
	if err != nil {
		log.Fatal("failed to create classifier", zap.Error(err))
	}

	session := controller.NewSession(parentLogger, classifier)
	modelErr := session.Init(context.Background())
	if modelErr != nil && headless {
		log.Fatal("classifier failed to load", zap.Error(modelErr))
	}

	registry := prometheus.NewRegistry()
	metrics := metric.NewMetrics()
	if err := metrics.Register(registry); err != nil {
		log.Fatal("failed to register metrics", zap.Error(err))
	}

	var journal controller.Journal
	if cfg.PostgresDSN != "" {
		s := store.NewStore(context.Background(), parentLogger)
		err := s.Connect(context.Background(), cfg.PostgresDSN)
		if err != nil {
			log.Fatal("failed to connect store", zap.Error(err))
		}
		defer s.Close()
		journal = s
	}

	allowed := commands.DefaultAllowList()
	if cfg.AllowRetreat {
		allowed = allowed.With(commands.LabelNo)
	}

	canvas := turtle.NewCanvas(cfg.CanvasWidth, cfg.CanvasHeight, turtle.Options{
		AutoStart: true,
		Async:     cfg.MotionDuration > 0,
	}, turtle.WithMotionDuration(cfg.MotionDuration))

	c, err := controller.New(controller.Options{
		ParentLogger:  parentLogger,
		Session:       session,
		Metrics:       metrics,
		Journal:       journal,
		Center:        canvas.Center(),
		StepDistance:  cfg.StepDistance,
		StepAngle:     cfg.StepAngle,
		Allowed:       allowed,
		ListenOptions: cfg.ListenOptions,
	})
	if err != nil {
		log.Fatal("failed to create controller", zap.Error(err))
	}

	var discordBot *discord.DiscordBot
	if !headless {
		messageProvider, err := messages.NewMessageProvider()
		if err != nil {
			log.Fatal("failed to create message provider", zap.Error(err))
		}

		discordBot, err = discord.NewDiscordBot(context.Background(), discord.DiscordBotOptions{
			Token:        cfg.DiscordToken,
			Servers:      cfg.Servers,
			ParentLogger: parentLogger,
			Messages:     messageProvider,
			Turtle:       c,
			Canvas:       canvas,
			ModelError:   modelErr,
		})
		if err != nil {
			log.Fatal("failed to create discord bot", zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := errgroup.Group{}

	// Controller
	g.Go(func() error {
		defer cancel()

		return c.Run(ctx)
	})

	// Actuator
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(attachDelay):
		}

		if err := c.AttachActuator(ctx, canvas); err != nil {
			log.Error("failed to attach actuator", zap.Error(err))
		}
		return nil
	})

	if cfg.MetricsAddr != "" {
		server := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metric.Handler(registry),
		}

		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			defer cancel()

			log.With(zap.String("addr", cfg.MetricsAddr)).Info("serving metrics")
			err := server.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	if discordBot != nil {
		// Discord bot
		g.Go(func() error {
			defer cancel()

			return discordBot.Run(ctx)
		})
	} else {
		c.Subscribe(func(state controller.State) {
			log.With(
				zap.Float64("x", state.Position.X),
				zap.Float64("y", state.Position.Y),
				zap.Float64("heading", state.Heading),
				zap.Stringer("listening", state.ListeningState()),
				zap.String("label", state.Label),
			).Info("turtle state")
		})

		if err := c.StartListening(ctx); err != nil {
			log.Fatal("failed to start listening", zap.Error(err))
		}
	}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-shutdownSignal:
		cancel()
		log.Info("received signal, shutting down")
	case <-ctx.Done():
		log.Info("context done, shutting down")
	}

	err = g.Wait()
	if closeErr := c.Close(context.Background()); closeErr != nil {
		log.Error("failed to close controller", zap.Error(closeErr))
	}
	if err != nil {
		log.Fatal("error group error", zap.Error(err))
	}
}
