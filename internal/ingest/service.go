// Package ingest is the per-packet entry point. It admits packets under the
// call's database row lock, absorbs duplicates, tolerates sequence gaps and
// fires the processor without awaiting it, so acknowledgment latency never
// depends on downstream transcription work.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"call-processing/internal/callstate"
	"call-processing/internal/store"
)

var (
	ErrInvalidArgument = errors.New("ingest: invalid argument")

	// ErrIngestionFailed wraps unexpected storage errors; the packet is not
	// considered ingested and the caller sees a server error.
	ErrIngestionFailed = errors.New("ingest: ingestion failed")
)

// createRaceRetries bounds how often a submission re-enters the locked read
// after losing a concurrent first-packet create race.
const createRaceRetries = 5

// ProcessorTrigger schedules asynchronous processing for a call. The call
// must return promptly; the work runs detached.
type ProcessorTrigger interface {
	Trigger(callID string)
}

// PacketRequest is one validated packet submission.
type PacketRequest struct {
	Sequence  int64
	Data      string
	Timestamp float64
}

// Ack acknowledges an accepted packet. Duplicate submissions are
// acknowledged exactly like first ones, with an informational note.
type Ack struct {
	CallID    string `json:"call_id"`
	Sequence  int64  `json:"sequence"`
	Message   string `json:"message,omitempty"`
	Duplicate bool   `json:"-"`
}

// Service coordinates packet admission.
type Service struct {
	store   store.Store
	trigger ProcessorTrigger
	clock   func() time.Time
	log     *slog.Logger
}

func NewService(st store.Store, trigger ProcessorTrigger, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: st, trigger: trigger, clock: time.Now, log: log}
}

// Ingest durably accepts one packet and schedules processing. It returns
// before any transcription work starts.
func (s *Service) Ingest(ctx context.Context, callID string, req PacketRequest) (Ack, error) {
	if callID == "" {
		return Ack{}, ErrInvalidArgument
	}
	if req.Sequence < 0 {
		return Ack{}, ErrInvalidArgument
	}

	for attempt := 0; attempt < createRaceRetries; attempt++ {
		ack, found, err := s.ingestLocked(ctx, callID, req)
		if err != nil {
			return Ack{}, fmt.Errorf("%w: %w", ErrIngestionFailed, err)
		}
		if found {
			if !ack.Duplicate {
				// Fire-and-forget: the detached worker never inherits this
				// request's lock, transaction or deadline.
				s.trigger.Trigger(callID)
			}
			return ack, nil
		}

		// No call row yet: create it in its own transaction, then re-enter
		// the locked read. Losing the create race is normal; the winner's
		// row is picked up on the next loop iteration.
		now := s.clock().UTC()
		err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.CreateCall(ctx, store.Call{
				CallID:       callID,
				State:        callstate.StateInProgress,
				LastSequence: -1,
				CreatedAt:    now,
				UpdatedAt:    now,
			})
		})
		if err != nil && !errors.Is(err, store.ErrCallExists) {
			return Ack{}, fmt.Errorf("%w: %w", ErrIngestionFailed, err)
		}
	}

	return Ack{}, fmt.Errorf("%w: create race retries exhausted for call %q", ErrIngestionFailed, callID)
}

// ingestLocked runs the admission transaction. found is false when the call
// row does not exist yet (nothing was locked or written).
func (s *Service) ingestLocked(ctx context.Context, callID string, req PacketRequest) (Ack, bool, error) {
	ack := Ack{CallID: callID, Sequence: req.Sequence}
	found := false

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, ok, err := tx.GetCallForUpdate(ctx, callID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		found = true
		now := s.clock().UTC()

		err = tx.InsertPacket(ctx, store.Packet{
			CallID:     callID,
			Sequence:   req.Sequence,
			Data:       req.Data,
			Timestamp:  req.Timestamp,
			ReceivedAt: now,
		})
		if errors.Is(err, store.ErrDuplicatePacket) {
			// Idempotent replay: absorb silently and keep the first payload.
			s.log.Debug("duplicate packet absorbed", "call_id", callID, "sequence", req.Sequence)
			ack.Duplicate = true
			ack.Message = "duplicate packet ignored"
			return nil
		}
		if err != nil {
			return err
		}

		if req.Sequence > c.LastSequence {
			next := req.Sequence
			if err := tx.UpdateCall(ctx, callID, store.CallUpdate{LastSequence: &next, UpdatedAt: now}); err != nil {
				return err
			}
		}

		// Missing or reordered packets never block the stream; they are
		// logged and acknowledged like any other packet.
		if expected := c.LastSequence + 1; req.Sequence != expected {
			kind := "gap"
			if req.Sequence < expected {
				kind = "reorder"
			}
			s.log.Warn("sequence anomaly",
				"kind", kind, "call_id", callID, "expected", expected, "received", req.Sequence)
			ack.Message = fmt.Sprintf("accepted with sequence %s (expected %d)", kind, expected)
		}
		return nil
	})
	if err != nil {
		return Ack{}, false, err
	}
	return ack, found, nil
}
