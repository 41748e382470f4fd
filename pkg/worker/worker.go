package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/aridsondez/visqueue/pkg/visqueue"
)

// HandlerFunc processes a message and returns an error if processing failed.
// Returning nil means success (message will be deleted).
// Returning an error means failure (message reappears when its lease times out).
type HandlerFunc func(ctx context.Context, msg *Message) error

// Message is a leased message handed to a handler.
type Message struct {
	visqueue.LeasedMessage
	Queue string

	q *visqueue.Queue
}

// Update replaces the message content and pushes its lease out by
// visibility. The worker deletes with the rotated receipt afterwards.
func (m *Message) Update(ctx context.Context, content []byte, visibility time.Duration) error {
	receipt, err := m.q.Update(ctx, m.ID, m.PopReceipt, content, visibility)
	if err != nil {
		return err
	}
	m.PopReceipt = receipt
	m.Content = content
	return nil
}

// Worker manages message processing from queues
type Worker struct {
	handlers    map[string]registration
	pollDelay   time.Duration
	batchSize   int
	visibility  time.Duration
	concurrency int
	logger      logrus.FieldLogger
}

type registration struct {
	queue   *visqueue.Queue
	handler HandlerFunc
}

// Config for creating a new worker
type Config struct {
	PollDelay   time.Duration // Time between polling attempts (default: 1s)
	BatchSize   int           // Max messages to lease per poll (default: 10)
	Visibility  time.Duration // Visibility timeout (default: 30s)
	Concurrency int           // Handlers running at once per queue (default: 1)
	Logger      logrus.FieldLogger
}

// New creates a new Worker with the given configuration
func New(cfg Config) *Worker {
	if cfg.PollDelay == 0 {
		cfg.PollDelay = 1 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.Visibility == 0 {
		cfg.Visibility = 30 * time.Second
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	return &Worker{
		handlers:    make(map[string]registration),
		pollDelay:   cfg.PollDelay,
		batchSize:   cfg.BatchSize,
		visibility:  cfg.Visibility,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger.WithField("component", "worker"),
	}
}

// Handle registers a handler function for a queue
func (w *Worker) Handle(q *visqueue.Queue, handler HandlerFunc) {
	w.handlers[q.Name()] = registration{queue: q, handler: handler}
	w.logger.WithField("queue", q.Name()).Info("registered handler")
}

// Run polls every registered queue and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return errors.New("no handlers registered")
	}

	w.logger.Infof("worker starting with %d queue(s)", len(w.handlers))

	g, gctx := errgroup.WithContext(ctx)
	for _, reg := range w.handlers {
		g.Go(func() error {
			return w.pollQueue(gctx, reg)
		})
	}

	err := g.Wait()
	w.logger.Info("worker shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// pollQueue leases batches from one queue until ctx is done
func (w *Worker) pollQueue(ctx context.Context, reg registration) error {
	name := reg.queue.Name()
	log := w.logger.WithField("queue", name)
	limiter := rate.NewLimiter(rate.Every(w.pollDelay), 1)

	log.Info("started polling")
	for {
		if err := limiter.Wait(ctx); err != nil {
			log.Info("stopped polling")
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("poll %s: %w", name, err)
		}

		batch, err := reg.queue.Lease(ctx, w.batchSize, w.visibility)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, visqueue.ErrQueueNotFound) {
				return fmt.Errorf("poll %s: %w", name, err)
			}
			log.WithError(err).Warn("lease failed")
			continue
		}

		g := new(errgroup.Group)
		g.SetLimit(w.concurrency)
		n := 0
		for lm := range batch {
			n++
			msg := &Message{LeasedMessage: lm, Queue: name, q: reg.queue}
			g.Go(func() error {
				w.processMessage(ctx, msg, reg.handler)
				return nil
			})
		}
		_ = g.Wait()
		if n > 0 {
			log.Debugf("processed %d message(s)", n)
		}
	}
}

// processMessage handles a single message with panic recovery
func (w *Worker) processMessage(ctx context.Context, msg *Message, handler HandlerFunc) {
	log := w.logger.WithFields(logrus.Fields{
		"queue":         msg.Queue,
		"message_id":    msg.ID,
		"dequeue_count": msg.DequeueCount,
	})

	// the handler must finish while we still hold the lease
	handlerCtx, cancel := context.WithTimeout(ctx, w.visibility)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("panic processing message: %v (will reappear)", r)
		}
	}()

	if err := handler(handlerCtx, msg); err != nil {
		log.WithError(err).Warn("processing failed, message will reappear")
		return
	}

	err := msg.q.Delete(ctx, msg.ID, msg.PopReceipt)
	switch {
	case err == nil:
		log.Debug("message processed")
	case visqueue.IsRace(err):
		log.WithError(err).Info("lease lost before delete, message handled elsewhere")
	default:
		log.WithError(err).Error("delete failed")
	}
}
