package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"callsignal-server/pkg/amd"
	"callsignal-server/pkg/audio"
	"callsignal-server/pkg/config"
	"callsignal-server/pkg/events"
	http_server "callsignal-server/pkg/http"
	"callsignal-server/pkg/messaging"
	"callsignal-server/pkg/metrics"
	"callsignal-server/pkg/store"
)

var logger = logrus.New()

// verdictEmitter bridges surfaced detection verdicts onto the event bus.
// Machine verdicts go out high priority so dialer logic can react before
// the beep ends; human verdicts ride the background sweep.
type verdictEmitter struct {
	dispatcher *events.Dispatcher
}

func (e *verdictEmitter) OnVerdict(callID string, verdict *amd.Verdict) {
	priority := events.PriorityMedium
	if verdict.IsAnsweringMachine {
		priority = events.PriorityHigh
	}

	data := events.EventData{
		Type: "call.amd_result",
		Payload: map[string]interface{}{
			"call_id":              callID,
			"is_answering_machine": verdict.IsAnsweringMachine,
			"confidence":           verdict.Confidence,
			"detection_method":     string(verdict.DetectionMethod),
			"reasoning":            verdict.Reasoning,
			"time_to_detection_ms": verdict.TimeToDetection.Milliseconds(),
		},
	}

	if _, err := e.dispatcher.Emit(data, "call:"+callID, priority); err != nil {
		logger.WithError(err).WithField("call_id", callID).Error("Failed to emit detection verdict")
	}
}

func main() {
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(os.Stdout)

	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	cfg.ConfigureLogger(logger)

	metrics.Init(logger)

	// Event log sink: Redis when configured, in-memory otherwise.
	var sink events.EventSink
	if cfg.Redis.Address != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redisStore := store.NewRedisEventStore(logger, client, 0, 0)

		pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisStore.Ping(pingCtx); err != nil {
			logger.WithError(err).Warn("Redis unreachable, falling back to in-memory event store")
			sink = store.NewMemoryEventStore()
		} else {
			logger.WithField("address", cfg.Redis.Address).Info("Using Redis event store")
			sink = redisStore
		}
		pingCancel()
	} else {
		logger.Info("No Redis address configured, using in-memory event store")
		sink = store.NewMemoryEventStore()
	}

	registry := events.NewRegistry(logger)
	dispatcher := events.NewDispatcher(logger, events.DispatcherConfig{
		RetryDelays:   cfg.Dispatch.RetryDelays,
		SweepInterval: cfg.Dispatch.SweepInterval,
		SinkTimeout:   cfg.Dispatch.SinkTimeout,
	}, registry, sink)

	// Optional AMQP fanout for out-of-process consumers.
	if cfg.AMQP.URL != "" {
		broadcaster := messaging.NewAMQPBroadcaster(logger, messaging.AMQPConfig{
			URL:          cfg.AMQP.URL,
			ExchangeName: cfg.AMQP.Exchange,
		})
		if err := broadcaster.Connect(); err != nil {
			logger.WithError(err).Warn("AMQP broker unreachable, continuing without broker fanout")
		} else {
			dispatcher.AddBroadcaster(broadcaster)
			defer broadcaster.Disconnect()
		}
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// WebSocket fanout for dashboards and agent consoles.
	hub := http_server.NewEventHub(logger)
	go hub.Run(rootCtx)
	dispatcher.AddBroadcaster(hub)

	dispatcher.Start()

	extractor := audio.NewExtractor(audio.ExtractorConfig{
		SampleRate:     cfg.Detection.SampleRate,
		ChunkDuration:  cfg.Detection.ChunkDuration,
		VoiceThreshold: cfg.Detection.VoiceThreshold,
	})
	detector := amd.NewDetector(logger, amd.DetectorConfig{
		MinConfidence:       cfg.Detection.MinConfidence,
		WarmupWindow:        cfg.Detection.WarmupWindow,
		SilenceRatio:        cfg.Detection.SilenceRatio,
		LongSilence:         cfg.Detection.LongSilence,
		LongSilenceCount:    cfg.Detection.LongSilenceCount,
		MeaningfulPause:     cfg.Detection.MeaningfulPause,
		MeaningfulPauses:    cfg.Detection.MeaningfulPauses,
		LowEnergyVariation:  cfg.Detection.LowEnergyVariation,
		HighEnergyVariation: cfg.Detection.HighEnergyVariation,
		LongMonologue:       cfg.Detection.LongMonologue,
		ShortCallWindow:     cfg.Detection.ShortCallWindow,
		ShortCallEnergy:     cfg.Detection.ShortCallEnergy,
		ShortReplyWords:     cfg.Detection.ShortReplyWords,
		HumanWordLimit:      cfg.Detection.HumanWordLimit,
		LongTranscriptWords: cfg.Detection.LongTranscriptWords,
		MonotoneThreshold:   cfg.Detection.MonotoneThreshold,
	}, extractor, &verdictEmitter{dispatcher: dispatcher})

	httpServer := http_server.NewServer(logger, &http_server.Config{
		Port:          cfg.HTTP.Port,
		ReadTimeout:   cfg.HTTP.ReadTimeout,
		WriteTimeout:  cfg.HTTP.WriteTimeout,
		EnableMetrics: cfg.HTTP.EnableMetrics,
	}, detector, dispatcher, hub)
	httpServer.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Received shutdown signal, cleaning up...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error shutting down HTTP server")
	}

	dispatcher.Stop()
	rootCancel()
	logger.Info("Shutdown complete")
}
