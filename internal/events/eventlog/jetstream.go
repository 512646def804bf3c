package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/common/config"
	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/internal/events"
)

// JetStreamLog implements Log on NATS JetStream. Each subject lives in its
// own file-backed stream with configurable retention; the JetStream publish
// ack carries the stream sequence used as the event's Seq.
type JetStreamLog struct {
	conn      *nats.Conn
	js        nats.JetStreamContext
	logger    *logger.Logger
	cfg       config.NATSConfig
	appendTTL time.Duration
}

// NewJetStreamLog connects to NATS with reconnection logic and ensures the
// coordinator streams exist.
func NewJetStreamLog(cfg config.NATSConfig, log *logger.Logger) (*JetStreamLog, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open JetStream context: %w", err)
	}

	l := &JetStreamLog{
		conn:      conn,
		js:        js,
		logger:    log.WithFields(zap.String("component", "eventlog")),
		cfg:       cfg,
		appendTTL: cfg.AppendTimeoutDuration(),
	}

	for _, subject := range []string{events.StreamAgents, events.StreamTasks, events.StreamCodebases, events.StreamServers} {
		if err := l.ensureStream(subject); err != nil {
			conn.Close()
			return nil, err
		}
	}

	log.Info("connected to NATS JetStream", zap.String("url", cfg.URL()))
	return l, nil
}

// ensureStream creates the backing stream for a subject if it does not exist.
func (l *JetStreamLog) ensureStream(subject string) error {
	name := streamName(subject)
	_, err := l.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to look up stream %s: %w", name, err)
	}

	_, err = l.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: []string{subject},
		Storage:  nats.FileStorage,
		MaxAge:   l.cfg.Retention(),
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", name, err)
	}
	l.logger.Info("created event stream",
		zap.String("stream", name),
		zap.String("subject", subject),
		zap.Duration("retention", l.cfg.Retention()))
	return nil
}

// Append publishes the event and blocks until the JetStream ack (or the
// bounded append timeout, which surfaces as ErrUnavailable).
func (l *JetStreamLog) Append(ctx context.Context, stream string, event *events.Event) (uint64, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, l.appendTTL)
	defer cancel()

	ack, err := l.js.Publish(stream, data, nats.Context(ctx))
	if err != nil {
		l.logger.Error("event append failed",
			zap.String("stream", stream),
			zap.String("kind", event.Kind),
			zap.Error(err))
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	event.Seq = ack.Sequence
	return ack.Sequence, nil
}

// Replay reads stored events with seq >= fromSeq through an ordered consumer
// until the stream's current last sequence is reached.
func (l *JetStreamLog) Replay(ctx context.Context, stream string, fromSeq uint64, handler Handler) (uint64, error) {
	info, err := l.js.StreamInfo(streamName(stream))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	last := info.State.LastSeq
	if last == 0 || last < fromSeq {
		return 0, nil
	}

	opts := []nats.SubOpt{nats.OrderedConsumer()}
	if fromSeq > 1 {
		opts = append(opts, nats.StartSequence(fromSeq))
	} else {
		opts = append(opts, nats.DeliverAll())
	}

	sub, err := l.js.SubscribeSync(stream, opts...)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	var seen uint64
	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			return seen, fmt.Errorf("replay interrupted: %w", err)
		}
		meta, err := msg.Metadata()
		if err != nil {
			continue
		}

		var event events.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			l.logger.Error("failed to unmarshal stored event",
				zap.String("stream", stream),
				zap.Uint64("seq", meta.Sequence.Stream),
				zap.Error(err))
			continue
		}
		event.Seq = meta.Sequence.Stream

		if err := handler(ctx, &event); err != nil {
			return seen, err
		}
		seen = meta.Sequence.Stream
		if seen >= last {
			return seen, nil
		}
	}
}

// Subscribe delivers events appended after the subscription is made.
func (l *JetStreamLog) Subscribe(stream string, handler Handler) (Subscription, error) {
	sub, err := l.js.Subscribe(stream, func(msg *nats.Msg) {
		var event events.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			l.logger.Error("failed to unmarshal event",
				zap.String("stream", stream),
				zap.Error(err))
			return
		}
		if meta, err := msg.Metadata(); err == nil {
			event.Seq = meta.Sequence.Stream
		}
		if err := handler(context.Background(), &event); err != nil {
			l.logger.Error("event handler failed",
				zap.String("stream", stream),
				zap.String("kind", event.Kind),
				zap.Error(err))
		}
	}, nats.DeliverNew(), nats.OrderedConsumer())
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", stream, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Close drains the NATS connection gracefully.
func (l *JetStreamLog) Close() {
	if l.conn == nil {
		return
	}
	if err := l.conn.Drain(); err != nil {
		l.logger.Warn("error draining NATS connection", zap.Error(err))
		l.conn.Close()
	}
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub.IsValid()
}

// streamName maps an event subject to its JetStream stream name,
// e.g. coord.events.agents -> COORD_AGENTS.
func streamName(subject string) string {
	parts := strings.Split(subject, ".")
	suffix := parts[len(parts)-1]
	return "COORD_" + strings.ToUpper(suffix)
}
