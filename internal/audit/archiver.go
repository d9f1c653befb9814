// Package audit archives every progress event into the result store,
// giving each analysis a durable, ordered trail of what happened when.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/progress"
	"github.com/stockcouncil/stockcouncil/internal/store"
)

// Store is the persistence surface the archiver needs
type Store interface {
	AppendAuditEvent(ctx context.Context, ev *store.AuditEvent) error
}

// resubscribeDelay paces reattachment after the bus drops the
// archiver for falling behind.
const resubscribeDelay = time.Second

// Archiver drains the progress firehose into the audit trail. Event
// ids make archiving idempotent, so being dropped and reattached can
// duplicate reads but never duplicate rows.
type Archiver struct {
	bus   *progress.Bus
	store Store
	log   zerolog.Logger

	stop chan struct{}
	once sync.Once
	done chan struct{}
}

// NewArchiver creates an archiver over the bus and store
func NewArchiver(bus *progress.Bus, st Store) *Archiver {
	return &Archiver{
		bus:   bus,
		store: st,
		log:   log.With().Str("component", "audit").Logger(),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Run archives events until the context ends or Shutdown is called.
// A closed firehose channel means the archiver fell behind and was
// dropped; it logs the gap and resubscribes.
func (a *Archiver) Run(ctx context.Context) {
	defer close(a.done)

	sub := a.bus.SubscribeAll()
	defer func() { sub.Unsubscribe() }()

	a.log.Info().Msg("audit archiver started")
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-a.stop:
					return
				case <-time.After(resubscribeDelay):
				}
				a.log.Warn().Msg("audit archiver fell behind, resubscribing; events in the gap are lost")
				sub = a.bus.SubscribeAll()
				continue
			}
			a.archive(ctx, evt)
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		}
	}
}

// Shutdown stops the archiver and waits for it to finish
func (a *Archiver) Shutdown() {
	a.once.Do(func() { close(a.stop) })
	<-a.done
}

// archive persists one event. Failures are logged and dropped; the
// audit trail is best-effort and never blocks the pipeline.
func (a *Archiver) archive(ctx context.Context, evt progress.Event) {
	var payload []byte
	if evt.Payload != nil {
		var err error
		payload, err = json.Marshal(evt.Payload)
		if err != nil {
			a.log.Error().Err(err).Str("event_id", evt.ID).Msg("failed to encode event payload")
			return
		}
	}

	err := a.store.AppendAuditEvent(ctx, &store.AuditEvent{
		EventID:    evt.ID,
		AnalysisID: evt.AnalysisID,
		Kind:       evt.Kind,
		Sequence:   evt.Sequence,
		Payload:    payload,
		CreatedAt:  evt.Timestamp,
	})
	if err != nil {
		a.log.Error().
			Err(err).
			Str("event_id", evt.ID).
			Str("analysis_id", evt.AnalysisID).
			Msg("failed to archive event")
	}
}
