package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/hookloop/internal/config"
	"github.com/austindbirch/hookloop/internal/logging"
)

// RedisBus publishes wake-ups over pub/sub and dead letters onto a stream.
// The stream keeps dead letters for a consumer group that was offline.
type RedisBus struct {
	client       *redis.Client
	readyChannel string
	dlqStream    string
	log          *logging.Logger

	sub *redis.PubSub
	ch  chan struct{}
}

func NewRedisBus(ctx context.Context, cfg config.Redis, log *logging.Logger) (*RedisBus, error) {
	if log == nil {
		log = logging.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisBusFromClient(client, cfg, log), nil
}

// NewRedisBusFromClient wraps an existing client
func NewRedisBusFromClient(client *redis.Client, cfg config.Redis, log *logging.Logger) *RedisBus {
	if log == nil {
		log = logging.Default()
	}
	return &RedisBus{
		client:       client,
		readyChannel: cfg.ReadyChannel,
		dlqStream:    cfg.DLQChannel,
		log:          log,
		ch:           make(chan struct{}, 1),
	}
}

func (b *RedisBus) TaskReady(ctx context.Context, r Ready) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.readyChannel, body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", b.readyChannel, err)
	}
	return nil
}

func (b *RedisBus) TaskAbandoned(ctx context.Context, dl DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.dlqStream,
		Values: map[string]any{"dead_letter": string(body)},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", b.dlqStream, err)
	}
	return nil
}

// SubscribeReady starts forwarding ready messages to Wakeups
func (b *RedisBus) SubscribeReady(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.readyChannel)
	// Receive blocks until the subscription is confirmed
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("subscribe %s: %w", b.readyChannel, err)
	}
	b.sub = sub
	go func() {
		for range sub.Channel() {
			signal(b.ch)
		}
	}()
	b.log.Plain().WithField("channel", b.readyChannel).Info("listening for task wake-ups")
	return nil
}

func (b *RedisBus) Wakeups() <-chan struct{} { return b.ch }

// ConsumeDeadLetters reads the dead-letter stream through a consumer group
// and acknowledges each entry after handler succeeds
func (b *RedisBus) ConsumeDeadLetters(ctx context.Context, group string, handler DeadLetterHandler) error {
	err := b.client.XGroupCreateMkStream(ctx, b.dlqStream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	consumer := group + "-" + fmt.Sprint(time.Now().UnixNano())

	for ctx.Err() == nil {
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{b.dlqStream, ">"},
			Block:    5 * time.Second,
			Count:    10,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.log.Plain().WithError(err).Warn("dead letter read failed")
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				raw, _ := msg.Values["dead_letter"].(string)
				dl, err := DecodeDeadLetter([]byte(raw))
				if err != nil {
					b.log.Plain().WithError(err).WithField("id", msg.ID).Error("dropping undecodable dead letter")
				} else if err := handler(ctx, dl); err != nil {
					b.log.Plain().WithError(err).WithField("id", msg.ID).Warn("dead letter handler failed")
					continue
				}
				b.client.XAck(ctx, b.dlqStream, group, msg.ID)
			}
		}
	}
	return nil
}

func (b *RedisBus) Close() error {
	if b.sub != nil {
		b.sub.Close()
	}
	return b.client.Close()
}
