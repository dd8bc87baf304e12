// Package processor drives a call through its lifecycle: it claims the call
// under the database row lock, invokes the transcription client with
// exponential backoff, persists the outcome and publishes state-change
// events.
//
// Workers are triggered after every successful packet persist and are not
// serialized by the caller; the locked idempotence guard in claim makes
// concurrent triggers safe.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"call-processing/internal/callstate"
	"call-processing/internal/notify"
	"call-processing/internal/store"
	"call-processing/internal/transcribe"

	"golang.org/x/sync/semaphore"
)

// EventPublisher receives committed state transitions.
type EventPublisher interface {
	Publish(ev notify.Event)
}

// Config tunes the worker. Clock, Sleep and Rand are injectable for
// deterministic tests.
type Config struct {
	// MaxRetries bounds retries after the first attempt; a call sees at
	// most MaxRetries+1 transcription attempts before FAILED.
	MaxRetries int

	// MaxConcurrent bounds simultaneously running workers across all calls.
	MaxConcurrent int64

	Clock func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.MaxConcurrent <= 0 {
		out.MaxConcurrent = 16
	}
	if out.Clock == nil {
		out.Clock = time.Now
	}
	if out.Sleep == nil {
		out.Sleep = sleepCtx
	}
	if out.Rand == nil {
		out.Rand = rand.Float64
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Processor spawns one detached worker per trigger, bounded by a semaphore.
type Processor struct {
	store       store.Store
	transcriber transcribe.Transcriber
	events      EventPublisher
	gate        Gate
	sem         *semaphore.Weighted
	cfg         Config
	log         *slog.Logger

	wg sync.WaitGroup
}

func New(st store.Store, tr transcribe.Transcriber, events EventPublisher, gate Gate, cfg Config) *Processor {
	cfg = cfg.withDefaults()
	if gate == nil {
		gate = NewMemoryGate()
	}
	return &Processor{
		store:       st,
		transcriber: tr,
		events:      events,
		gate:        gate,
		sem:         semaphore.NewWeighted(cfg.MaxConcurrent),
		cfg:         cfg,
		log:         cfg.Logger,
	}
}

// Trigger schedules processing for a call and returns immediately. The
// spawned worker never inherits the caller's transaction, lock or deadline.
func (p *Processor) Trigger(callID string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ctx := context.Background()
		if !p.gate.TryAcquire(ctx, callID) {
			return
		}
		defer p.gate.Release(ctx, callID)

		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)

		p.run(ctx, callID)
	}()
}

// Wait blocks until all in-flight workers finish or ctx expires.
func (p *Processor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) run(ctx context.Context, callID string) {
	audio, claimedAt, claimed, err := p.claim(ctx, callID)
	if err != nil {
		p.log.Error("worker aborted during claim", "call_id", callID, "err", err)
		return
	}
	if !claimed {
		return
	}

	p.events.Publish(notify.Event{
		CallID:    callID,
		State:     callstate.StateProcessingAI,
		Timestamp: claimedAt,
		AIResult:  &notify.AIResultSnapshot{Status: string(store.ResultStatusProcessing)},
	})

	p.retryLoop(ctx, callID, audio)
}

// claim is the idempotence guard. Under the call's row lock it checks that
// nobody else owns the outcome, transitions to PROCESSING_AI, seeds the AI
// result row and snapshots the aggregated packet view. The lock is released
// before any transcription work starts.
func (p *Processor) claim(ctx context.Context, callID string) (audio string, at time.Time, claimed bool, err error) {
	err = p.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, ok, err := tx.GetCallForUpdate(ctx, callID)
		if err != nil {
			return err
		}
		if !ok {
			p.log.Warn("trigger for unknown call", "call_id", callID)
			return nil
		}

		switch c.State {
		case callstate.StateProcessingAI, callstate.StateCompleted, callstate.StateArchived:
			// Another worker or a prior transition owns the outcome.
			return nil
		}

		if err := callstate.Transition(c.State, callstate.StateProcessingAI); err != nil {
			return err
		}

		now := p.cfg.Clock().UTC()
		st := callstate.StateProcessingAI
		if err := tx.UpdateCall(ctx, callID, store.CallUpdate{State: &st, UpdatedAt: now}); err != nil {
			return err
		}
		if err := tx.UpsertAIResult(ctx, store.AIResult{
			CallID: callID,
			Status: store.ResultStatusProcessing,
		}); err != nil {
			return err
		}

		data, err := tx.ListPacketData(ctx, callID)
		if err != nil {
			return err
		}
		audio = strings.Join(data, "")
		at = now
		claimed = true
		return nil
	})
	return audio, at, claimed, err
}

func (p *Processor) retryLoop(ctx context.Context, callID, audio string) {
	maxAttempts := p.cfg.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := p.transcriber.Transcribe(ctx, callID, audio)
		if err == nil {
			if err := p.complete(ctx, callID, res, attempt); err != nil {
				p.log.Error("worker aborted persisting result", "call_id", callID, "err", err)
			}
			return
		}

		lastErr = err
		p.log.Warn("transcription attempt failed",
			"call_id", callID, "attempt", attempt, "max_attempts", maxAttempts, "err", err)

		if attempt > p.cfg.MaxRetries {
			break
		}
		if err := p.recordRetry(ctx, callID, attempt, lastErr); err != nil {
			// The call stays PROCESSING_AI; recovery is an operator concern.
			p.log.Error("worker aborted recording retry", "call_id", callID, "err", err)
			return
		}
		delay := Backoff(attempt, p.cfg.Rand())
		if err := p.cfg.Sleep(ctx, delay); err != nil {
			p.log.Error("worker aborted during backoff", "call_id", callID, "err", err)
			return
		}
	}

	if err := p.fail(ctx, callID, maxAttempts, lastErr); err != nil {
		p.log.Error("worker aborted marking call failed", "call_id", callID, "err", err)
	}
}

func (p *Processor) complete(ctx context.Context, callID string, res transcribe.Result, attempt int) error {
	now := p.cfg.Clock().UTC()
	err := p.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, ok, err := tx.GetCallForUpdate(ctx, callID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("processor: call %q vanished mid-processing", callID)
		}
		if err := callstate.Transition(c.State, callstate.StateCompleted); err != nil {
			return err
		}

		st := callstate.StateCompleted
		if err := tx.UpdateCall(ctx, callID, store.CallUpdate{State: &st, UpdatedAt: now}); err != nil {
			return err
		}
		return tx.UpsertAIResult(ctx, store.AIResult{
			CallID:      callID,
			Transcript:  res.Transcript,
			Sentiment:   res.Sentiment,
			Status:      store.ResultStatusCompleted,
			RetryCount:  attempt,
			CompletedAt: &now,
		})
	})
	if err != nil {
		return err
	}

	p.events.Publish(notify.Event{
		CallID:    callID,
		State:     callstate.StateCompleted,
		Timestamp: now,
		AIResult: &notify.AIResultSnapshot{
			Transcript:  res.Transcript,
			Sentiment:   res.Sentiment,
			Status:      string(store.ResultStatusCompleted),
			RetryCount:  attempt,
			CompletedAt: &now,
		},
	})
	return nil
}

// recordRetry persists retry bookkeeping between attempts; the call state
// stays PROCESSING_AI.
func (p *Processor) recordRetry(ctx context.Context, callID string, attempt int, cause error) error {
	now := p.cfg.Clock().UTC()
	return p.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpsertAIResult(ctx, store.AIResult{
			CallID:       callID,
			Status:       store.ResultStatusProcessing,
			RetryCount:   attempt,
			LastRetryAt:  &now,
			ErrorMessage: cause.Error(),
		})
	})
}

func (p *Processor) fail(ctx context.Context, callID string, attempts int, cause error) error {
	now := p.cfg.Clock().UTC()
	msg := "retries exhausted"
	if cause != nil {
		msg = cause.Error()
	}

	err := p.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, ok, err := tx.GetCallForUpdate(ctx, callID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("processor: call %q vanished mid-processing", callID)
		}
		if err := callstate.Transition(c.State, callstate.StateFailed); err != nil {
			return err
		}

		st := callstate.StateFailed
		if err := tx.UpdateCall(ctx, callID, store.CallUpdate{State: &st, UpdatedAt: now}); err != nil {
			return err
		}
		return tx.UpsertAIResult(ctx, store.AIResult{
			CallID:       callID,
			Status:       store.ResultStatusFailed,
			RetryCount:   attempts,
			LastRetryAt:  &now,
			ErrorMessage: msg,
		})
	})
	if err != nil {
		return err
	}

	p.events.Publish(notify.Event{
		CallID:    callID,
		State:     callstate.StateFailed,
		Timestamp: now,
		AIResult: &notify.AIResultSnapshot{
			Status:     string(store.ResultStatusFailed),
			RetryCount: attempts,
		},
	})
	return nil
}

// Backoff returns the delay before retrying after the given attempt:
// 2^attempt seconds plus jitter seconds, jitter drawn from [0,1).
func Backoff(attempt int, jitter float64) time.Duration {
	base := time.Duration(int64(1)<<uint(attempt)) * time.Second
	return base + time.Duration(jitter*float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
