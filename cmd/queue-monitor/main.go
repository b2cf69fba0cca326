package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/hookloop/internal/config"
	"github.com/austindbirch/hookloop/internal/db"
	"github.com/austindbirch/hookloop/internal/health"
	"github.com/austindbirch/hookloop/internal/logging"
	"github.com/austindbirch/hookloop/internal/metrics"
	"github.com/austindbirch/hookloop/internal/notify"
	"github.com/austindbirch/hookloop/internal/queue"
	"github.com/austindbirch/hookloop/internal/tracing"
)

// NSQStats represents the JSON structure returned by NSQ stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

var (
	// Dead letters waiting for the monitor channel
	dlqBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hookloop_dlq_backlog",
		Help: "Dead-letter envelopes waiting on the queue monitor channel",
	})

	channelDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hookloop_nsq_channel_depth",
		Help: "Depth of NSQ channels by topic and channel",
	}, []string{"topic", "channel"})

	channelInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hookloop_nsq_channel_inflight",
		Help: "In-flight messages for NSQ channels by topic and channel",
	}, []string{"topic", "channel"})
)

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger := logging.New("hookloop-queue-monitor")
	logging.SetDefaultService("hookloop-queue-monitor")

	pool, err := db.Connect(ctx, cfg.DSN(), 2)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	q := queue.NewPostgres(pool)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	reg.MustRegister(dlqBacklog, channelDepth, channelInflight)

	logger.Plain().WithFields(map[string]any{
		"interval": cfg.Monitor.Interval.String(),
		"notify":   cfg.Notify.Backend,
	}).Info("queue monitor starting")

	go collectMetrics(ctx, q, cfg, logger)
	go func() {
		err := notify.ConsumeDeadLetters(ctx, cfg, logger, escalate(logger))
		if err != nil {
			logger.Plain().WithError(err).Error("dead letter consumer stopped")
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.HTTPHandler(pool))
	srv := &http.Server{Addr: cfg.Monitor.HTTPPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("metrics server failed")
	}
	logger.Plain().Info("queue monitor stopped")
}

func collectMetrics(ctx context.Context, q queue.Queue, cfg config.Config, log *logging.Logger) {
	ticker := time.NewTicker(cfg.Monitor.Interval)
	defer ticker.Stop()

	for {
		if err := sampleDepth(ctx, q); err != nil {
			log.Plain().WithError(err).Warn("queue depth sample failed")
		}
		if cfg.Notify.Backend == notify.BackendNSQ {
			if err := updateNSQMetrics(cfg.NSQ); err != nil {
				log.Plain().WithError(err).Warn("nsq stats failed")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sampleDepth replaces the depth gauge with the current per state and
// priority counts across all tenants
func sampleDepth(ctx context.Context, q queue.Queue) error {
	stats, err := q.Stats(ctx, "")
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}
	metrics.ResetQueueDepth()
	for _, s := range stats {
		metrics.SetQueueDepth(string(s.State), int(s.Priority), s.Count)
	}
	return nil
}

func updateNSQMetrics(cfg config.NSQ) error {
	resp, err := http.Get(fmt.Sprintf("http://%s/stats?format=json", cfg.NsqdHTTPAddr))
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if topic.TopicName != cfg.DLQTopic && topic.TopicName != cfg.ReadyTopic {
			continue
		}
		for _, channel := range topic.Channels {
			if topic.TopicName == cfg.DLQTopic && channel.ChannelName == cfg.MonitorChannel {
				dlqBacklog.Set(float64(channel.Depth))
			}
			channelDepth.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.Depth))
			channelInflight.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.InFlightCount))
		}
	}
	return nil
}

// escalate logs every abandoned task at error level with its last error
func escalate(log *logging.Logger) notify.DeadLetterHandler {
	return func(ctx context.Context, dl notify.DeadLetter) error {
		metrics.RecordDeadLetter(dl.Reason)
		ctx = tracing.ExtractHeaders(ctx, dl.Task.TraceHeaders)
		log.WithContext(ctx).
			WithTenant(dl.Task.TenantID).
			WithTask(dl.Task.ID).
			WithWorkType(string(dl.Task.WorkType)).
			WithDelivery(dl.Task.DeliveryID).
			WithFields(map[string]any{
				"reason":      dl.Reason,
				"attempt":     dl.Attempt,
				"last_error":  dl.LastError,
				"retry_count": dl.Task.RetryCount,
				"at":          dl.At,
			}).
			Error("task escalated")
		return nil
	}
}
