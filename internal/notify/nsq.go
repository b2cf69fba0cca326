package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/hookloop/internal/config"
	"github.com/austindbirch/hookloop/internal/logging"
)

type NSQPublisher struct {
	prod       *nsq.Producer
	readyTopic string
	dlqTopic   string
}

func NewNSQPublisher(cfg config.NSQ) (*NSQPublisher, error) {
	prod, err := nsq.NewProducer(cfg.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	return &NSQPublisher{prod: prod, readyTopic: cfg.ReadyTopic, dlqTopic: cfg.DLQTopic}, nil
}

func (p *NSQPublisher) publish(topic string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := p.prod.Publish(topic, b); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (p *NSQPublisher) TaskReady(ctx context.Context, r Ready) error {
	return p.publish(p.readyTopic, r)
}

func (p *NSQPublisher) TaskAbandoned(ctx context.Context, dl DeadLetter) error {
	return p.publish(p.dlqTopic, dl)
}

func (p *NSQPublisher) Close() error {
	p.prod.Stop()
	return nil
}

// NSQWakeups reads the ready topic on an ephemeral per-process channel, so
// every worker process sees every wake-up and nothing accumulates while a
// process is down
type NSQWakeups struct {
	consumer *nsq.Consumer
	ch       chan struct{}
}

func NewNSQWakeups(cfg config.NSQ, log *logging.Logger) (*NSQWakeups, error) {
	if log == nil {
		log = logging.Default()
	}
	consumer, err := nsq.NewConsumer(cfg.ReadyTopic, cfg.WorkerChannel+"#ephemeral", nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	w := &NSQWakeups{consumer: consumer, ch: make(chan struct{}, 1)}
	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		signal(w.ch)
		return nil
	}))
	if err := connect(consumer, cfg); err != nil {
		consumer.Stop()
		return nil, err
	}
	log.Plain().WithField("topic", cfg.ReadyTopic).Info("listening for task wake-ups")
	return w, nil
}

func (w *NSQWakeups) Wakeups() <-chan struct{} { return w.ch }

func (w *NSQWakeups) Close() error {
	w.consumer.Stop()
	<-w.consumer.StopChan
	return nil
}

// connect dials nsqd directly so the channel exists before the first
// publish, then registers with lookupd when one is configured
func connect(c *nsq.Consumer, cfg config.NSQ) error {
	if err := c.ConnectToNSQD(cfg.NsqdTCPAddr); err != nil {
		return fmt.Errorf("connect to nsqd: %w", err)
	}
	if cfg.LookupHTTPAddr != "" {
		if err := c.ConnectToNSQLookupd(cfg.LookupHTTPAddr); err != nil {
			return fmt.Errorf("connect to lookupd: %w", err)
		}
	}
	return nil
}

func consumeNSQDeadLetters(ctx context.Context, cfg config.NSQ, log *logging.Logger, handler DeadLetterHandler) error {
	if log == nil {
		log = logging.Default()
	}
	consumer, err := nsq.NewConsumer(cfg.DLQTopic, cfg.MonitorChannel, nsq.NewConfig())
	if err != nil {
		return fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		dl, err := DecodeDeadLetter(m.Body)
		if err != nil {
			// a body that never decodes would be redelivered forever
			log.Plain().WithError(err).Error("dropping undecodable dead letter")
			return nil
		}
		return handler(ctx, dl)
	}))
	if err := connect(consumer, cfg); err != nil {
		consumer.Stop()
		return err
	}

	<-ctx.Done()
	consumer.Stop()
	<-consumer.StopChan
	return nil
}
