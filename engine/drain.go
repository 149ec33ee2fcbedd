package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/deltabus/deltabus/bus"
	"github.com/deltabus/deltabus/subscription"
	"github.com/deltabus/deltabus/telemetry"
	"github.com/deltabus/deltabus/transport"
)

// drainLoop pulls from one subscriber's outbound queue and hands envelopes
// to its transport stream. Each loop runs on its own goroutine; its failure
// modes are isolated to its subscriber.
type drainLoop struct {
	sub    *subscription.Subscription
	stream transport.SubscriberStream
	engine *Engine

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Attach binds a transport stream to a subscription, replays the mandatory
// snapshot for any matched table that already has cycles behind it, and
// starts the drain loop. The subscription transitions to ACTIVE. Envelopes
// fanned out while the snapshot is being prepared buffer on the
// subscription and are flushed behind it, so activation leaves no
// per-subscriber cycle gap.
func (e *Engine) Attach(subscriberID string, stream transport.SubscriberStream) error {
	if !e.running.Load() {
		return bus.ErrEngineStopped
	}

	sub, ok := e.subs.Get(subscriberID)
	if !ok {
		return fmt.Errorf("subscriber %q is not subscribed", subscriberID)
	}

	if !sub.BeginAttach() {
		return bus.ErrAlreadySubscribed
	}

	// Resynchronization: a consumer attaching to tables that already
	// emitted cycles cannot trust its local view, so a snapshot envelope
	// goes first. Fresh tables (no cycles yet) need none.
	replay, covered, err := e.prepareSnapshots(sub)
	if err != nil {
		log.Warn().
			Err(err).
			Str("subscriber", subscriberID).
			Msg("Snapshot replay incomplete during attach")
	}

	ctx, cancel := context.WithCancel(context.Background())
	dl := &drainLoop{
		sub:    sub,
		stream: stream,
		engine: e,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	if _, exists := e.streams[subscriberID]; exists {
		e.mu.Unlock()
		cancel()
		sub.AbortAttach()
		return bus.ErrAlreadySubscribed
	}
	e.streams[subscriberID] = dl
	e.mu.Unlock()

	// The loop starts before activation so a block-policy queue can drain
	// while the snapshots and buffered envelopes are flushed into it.
	e.wg.Add(1)
	go dl.run()

	if err := sub.Activate(replay, covered); err != nil {
		// Queue closed under us: the subscriber was removed mid-attach.
		e.mu.Lock()
		if cur, ok := e.streams[subscriberID]; ok && cur == dl {
			delete(e.streams, subscriberID)
		}
		e.mu.Unlock()
		dl.stop("attach_failed")
		return err
	}

	log.Info().Str("subscriber", subscriberID).Msg("Subscriber attached")
	return nil
}

// Detach stops delivery for a subscriber and removes its subscription,
// discarding anything undelivered. Safe to call for unknown ids.
func (e *Engine) Detach(subscriberID, reason string) {
	e.mu.Lock()
	dl, ok := e.streams[subscriberID]
	if ok {
		delete(e.streams, subscriberID)
	}
	e.mu.Unlock()

	if ok {
		dl.stop(reason)
	}
	e.subs.Unsubscribe(subscriberID)
}

// stop cancels the loop, closes the stream with the given reason, and waits
// for the goroutine to exit.
func (dl *drainLoop) stop(reason string) {
	dl.sub.SetState(subscription.StateDisconnected)
	dl.sub.Queue.Close()
	dl.cancel()
	if err := dl.stream.Close(reason); err != nil {
		log.Debug().Err(err).Str("subscriber", dl.sub.ID).Msg("Stream close failed")
	}
	<-dl.done
}

// waitDrained blocks until the queue is empty or the deadline passes.
func (dl *drainLoop) waitDrained(deadline time.Time) {
	for dl.sub.Queue.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

func (dl *drainLoop) run() {
	defer dl.engine.wg.Done()
	defer close(dl.done)

	for {
		env, err := dl.sub.Queue.Dequeue()
		if err != nil {
			return
		}

		if !dl.sendWithRetry(env) {
			// Retry budget exhausted: the subscriber is gone as far as the
			// bus is concerned. It must re-subscribe, and resumption starts
			// with a fresh snapshot since cycle continuity is lost.
			dl.disconnectSelf("send_failure")
			return
		}

		telemetry.EnvelopesDeliveredTotal.With(dl.sub.ID).Inc()
	}
}

// sendWithRetry attempts delivery up to 1+MaxSendRetries times with a fixed
// backoff, honoring cancellation between attempts. The first failure
// degrades the subscriber; success restores ACTIVE.
func (dl *drainLoop) sendWithRetry(env *bus.DeltaEnvelope) bool {
	cfg := dl.engine.config

	for attempt := 0; ; attempt++ {
		start := time.Now()
		err := dl.stream.Send(dl.ctx, env)
		if err == nil {
			telemetry.SendSeconds.Observe(time.Since(start).Seconds())
			if dl.sub.State() == subscription.StateDegraded {
				dl.sub.SetState(subscription.StateActive)
			}
			return true
		}

		if dl.ctx.Err() != nil {
			return false
		}

		dl.sub.SetState(subscription.StateDegraded)

		if attempt >= cfg.MaxSendRetries {
			log.Warn().
				Err(err).
				Str("subscriber", dl.sub.ID).
				Str("table", env.TableName).
				Uint64("cycle", env.CycleID).
				Int("attempts", attempt+1).
				Msg("Send retry budget exhausted")
			return false
		}

		telemetry.SendRetriesTotal.Inc()
		log.Debug().
			Err(err).
			Str("subscriber", dl.sub.ID).
			Int("attempt", attempt+1).
			Dur("backoff", cfg.RetryBackoff).
			Msg("Send failed, retrying")

		select {
		case <-dl.ctx.Done():
			return false
		case <-time.After(cfg.RetryBackoff):
		}
	}
}

// disconnectSelf removes this loop's subscriber after an unrecoverable send
// failure. Runs on the drain goroutine itself, so it must not wait for the
// goroutine to finish the way stop does.
func (dl *drainLoop) disconnectSelf(reason string) {
	e := dl.engine

	e.mu.Lock()
	if cur, ok := e.streams[dl.sub.ID]; ok && cur == dl {
		delete(e.streams, dl.sub.ID)
	}
	e.mu.Unlock()

	dl.sub.SetState(subscription.StateDisconnected)
	dl.cancel()
	if err := dl.stream.Close(reason); err != nil {
		log.Debug().Err(err).Str("subscriber", dl.sub.ID).Msg("Stream close failed")
	}
	e.subs.Unsubscribe(dl.sub.ID)

	telemetry.SubscriberDisconnectsTotal.With(reason).Inc()
	log.Warn().
		Str("subscriber", dl.sub.ID).
		Str("reason", reason).
		Msg("Subscriber disconnected")
}
