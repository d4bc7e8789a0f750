// Package billing turns backend usage into ledger events.
package billing

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/vnmchuo/llm-billing-proxy/config"
	"github.com/vnmchuo/llm-billing-proxy/internal/ledger"
	"github.com/vnmchuo/llm-billing-proxy/internal/relay"
)

type Phase string

const (
	PhasePrompt        Phase = "prompt"
	PhaseCompletion    Phase = "completion"
	PhaseEmbedding     Phase = "embedding"
	PhaseTranscription Phase = "transcription"
)

// Line is one billable quantity of a single exchange.
type Line struct {
	Phase    Phase
	Quantity int64
}

// Store is the part of the ledger billing writes to.
type Store interface {
	RecordEvent(ctx context.Context, ev ledger.Event) error
}

// Observer is notified of every event written. The metrics registry
// implements it.
type Observer interface {
	BillingEvent(phase string, quantity int64)
}

type Recorder struct {
	store    Store
	observer Observer
	now      func() time.Time
}

func NewRecorder(store Store, observer Observer) *Recorder {
	return &Recorder{store: store, observer: observer, now: time.Now}
}

// Product is the label events are billed under: "<model>/<device>/<phase>".
func Product(model, device string, phase Phase) string {
	return fmt.Sprintf("%s/%s/%s", model, device, phase)
}

// Record writes one event per line, in order, stopping at the first failure.
// Events already written stay written. The model part of the product is the
// caller-visible backend name, not the rewritten one.
func (r *Recorder) Record(ctx context.Context, accountID string, b config.Backend, requestID string, lines ...Line) error {
	for _, l := range lines {
		if l.Quantity < 0 {
			return fmt.Errorf("negative %s quantity %d", l.Phase, l.Quantity)
		}
		ev := ledger.Event{
			CreatedAt: r.now().UTC(),
			AccountID: accountID,
			Product:   Product(b.Name, b.Device, l.Phase),
			Quantity:  l.Quantity,
			RequestID: requestID,
		}
		if err := r.store.RecordEvent(ctx, ev); err != nil {
			return err
		}
		if r.observer != nil {
			r.observer.BillingEvent(string(l.Phase), l.Quantity)
		}
	}
	return nil
}

func ChatLines(u relay.Usage) []Line {
	return []Line{
		{Phase: PhasePrompt, Quantity: u.PromptTokens},
		{Phase: PhaseCompletion, Quantity: u.CompletionTokens},
	}
}

func EmbeddingLines(u relay.Usage) []Line {
	return []Line{{Phase: PhaseEmbedding, Quantity: u.PromptTokens}}
}

// TranscriptionLines bills the audio duration in whole seconds, rounded up.
func TranscriptionLines(u relay.Usage) []Line {
	return []Line{{Phase: PhaseTranscription, Quantity: int64(math.Ceil(u.Duration))}}
}
