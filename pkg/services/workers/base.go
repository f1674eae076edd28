package workers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"skycourier/pkg/logger"
)

type Worker interface {
	Start(ctx context.Context) error
	Stop() error
	Name() string
}

// MessageHandler processes one JetStream message. A nil return acks the
// message; an error naks it so JetStream redelivers it, up to the
// consumer's MaxDeliver.
type MessageHandler func(ctx context.Context, msg *nats.Msg) error

// errDiscard marks a message that can never be processed. It is acked
// and logged instead of being redelivered.
var errDiscard = errors.New("discarded")

type BaseWorker struct {
	name     string
	js       nats.JetStreamContext
	consumer string
	stream   string
	subject  string
	lg       *logger.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewBaseWorker(name string, js nats.JetStreamContext, stream, consumer, subject string, lg *logger.Logger) *BaseWorker {
	return &BaseWorker{
		name:     name,
		js:       js,
		consumer: consumer,
		stream:   stream,
		subject:  subject,
		lg:       lg,
	}
}

func (w *BaseWorker) Name() string {
	return w.name
}

func (w *BaseWorker) Stop() error {
	w.mu.Lock()
	sub := w.sub
	w.mu.Unlock()

	if sub != nil && sub.IsValid() {
		return sub.Drain()
	}
	return nil
}

func (w *BaseWorker) processMessages(ctx context.Context, handler MessageHandler) error {
	sub, err := w.js.PullSubscribe(w.subject, "",
		nats.Durable(w.consumer),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.DeliverAll(),
		nats.Bind(w.stream, w.consumer),
	)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.sub = sub
	w.mu.Unlock()

	w.lg.Infof("[%s] starting worker for stream: %s, consumer: %s", w.name, w.stream, w.consumer)

	for {
		select {
		case <-ctx.Done():
			w.lg.Infof("[%s] worker stopping", w.name)
			return ctx.Err()
		default:
			msgs, err := sub.Fetch(10, nats.MaxWait(2*time.Second))
			if err != nil && !errors.Is(err, nats.ErrTimeout) {
				if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
					return ctx.Err()
				}
				w.lg.Warnf("[%s] error fetching messages: %v", w.name, err)
				continue
			}

			for _, msg := range msgs {
				w.handle(ctx, handler, msg)
			}
		}
	}
}

func (w *BaseWorker) handle(ctx context.Context, handler MessageHandler, msg *nats.Msg) {
	err := handler(ctx, msg)
	switch {
	case err == nil:
	case errors.Is(err, errDiscard):
		w.lg.Warnf("[%s] dropping message on %s: %v", w.name, msg.Subject, err)
	default:
		w.lg.Warnf("[%s] error handling message on %s: %v", w.name, msg.Subject, err)
		if nakErr := msg.Nak(); nakErr != nil {
			w.lg.Errorf("[%s] error naking message: %v", w.name, nakErr)
		}
		return
	}

	if err := msg.Ack(); err != nil {
		w.lg.Errorf("[%s] error acknowledging message: %v", w.name, err)
	}
}
