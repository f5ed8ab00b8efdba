package howheard

import (
	"context"
	"errors"
	"log"
)

// PipelineStatus is the terminal state of one delivery's handling.
type PipelineStatus string

const (
	// StatusDuplicate: the dedup ledger already had a marker; nothing ran.
	StatusDuplicate PipelineStatus = "duplicate"
	// StatusSkipped: the order is not eligible for attribution; the record
	// was persisted and the event marked processed.
	StatusSkipped PipelineStatus = "skipped"
	// StatusAttributed: the resolved value was published and recorded.
	StatusAttributed PipelineStatus = "attributed"
)

type PipelineResult struct {
	Status        PipelineStatus
	HowHeard      string
	MetafieldID   int64
	RecordCreated bool
	SkipReason    string
}

// Pipeline drives one order event from receipt to a durable outcome.
//
// Invariants:
//   - the dedup marker is written only after the publish succeeded (or was
//     not needed), so a crash anywhere earlier leaves the event retryable;
//   - the order record is a first-seen write, so a racing redelivery never
//     creates a second record for the same order id;
//   - resolution is pure, so a retried delivery re-resolves to the same
//     value before re-attempting the publish.
type Pipeline struct {
	backend   Backend
	ledger    Ledger
	publisher MetafieldPublisher
}

func NewPipeline(backend Backend, ledger Ledger, publisher MetafieldPublisher) *Pipeline {
	return &Pipeline{backend: backend, ledger: ledger, publisher: publisher}
}

// ProcessOrder handles one order-created delivery for shopName.
//
// Errors are classified for the webhook surface: a *FatalError (unknown
// shop, malformed event) must not be retried; a *TransientError asks the
// event source to redeliver.
func (p *Pipeline) ProcessOrder(ctx context.Context, shopName string, event OrderEvent) (PipelineResult, error) {
	processed, err := p.ledger.HasProcessed(ctx, shopName, event.OrderNumber)
	if err != nil {
		return PipelineResult{}, &TransientError{Op: "dedup lookup", Err: err}
	}
	if processed {
		log.Printf("howheard: duplicate delivery shop=%s order=%d", shopName, event.OrderNumber)
		return PipelineResult{Status: StatusDuplicate}, nil
	}

	shop, err := p.backend.FindShop(ctx, shopName)
	if errors.Is(err, ErrNotFound) {
		return PipelineResult{}, &FatalError{Reason: "shop not found: " + shopName}
	}
	if err != nil {
		return PipelineResult{}, &TransientError{Op: "shop lookup", Err: err}
	}

	// First-seen write. created == false means a redelivery raced a prior
	// delivery past the marker check; the existing record is reused.
	created, err := p.backend.CreateOrderRecordIfAbsent(ctx, NewOrderRecord(shop.CompanyName, event))
	if err != nil {
		return PipelineResult{}, &TransientError{Op: "order record write", Err: err}
	}

	list, err := p.backend.GetSelectionList(ctx, shop.CompanyName)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return PipelineResult{}, &TransientError{Op: "selection list lookup", Err: err}
	}
	selection, err := p.backend.GetCustomerSelection(ctx, shop.CompanyName, event.CustomerID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return PipelineResult{}, &TransientError{Op: "customer selection lookup", Err: err}
	}

	resolution := Resolve(event, list, selection)
	if !resolution.Eligible {
		// Mark so later redeliveries short-circuit at the ledger.
		if err := p.ledger.MarkProcessed(ctx, shop.CompanyName, event.OrderNumber); err != nil {
			return PipelineResult{}, &TransientError{Op: "mark processed", Err: err}
		}
		log.Printf("howheard: skipped shop=%s order=%d reason=%q", shop.CompanyName, event.OrderNumber, resolution.Reason)
		return PipelineResult{Status: StatusSkipped, RecordCreated: created, SkipReason: resolution.Reason}, nil
	}

	metafieldID, err := p.publisher.Publish(ctx, shop.CompanyName, event.CustomerID, resolution.Value, shop.AccessToken)
	if err != nil {
		// Not marked processed: the next redelivery re-runs the whole
		// sequence, reusing the record and re-resolving, then retries
		// the publish.
		return PipelineResult{}, &TransientError{Op: "metafield publish", Err: err}
	}

	if err := p.backend.AttachAttribution(ctx, shop.CompanyName, event.OrderID, resolution.Value, metafieldID); err != nil {
		return PipelineResult{}, &TransientError{Op: "attach attribution", Err: err}
	}
	if err := p.ledger.MarkProcessed(ctx, shop.CompanyName, event.OrderNumber); err != nil {
		return PipelineResult{}, &TransientError{Op: "mark processed", Err: err}
	}

	log.Printf("howheard: attributed shop=%s order=%d value=%q metafield=%d",
		shop.CompanyName, event.OrderNumber, resolution.Value, metafieldID)
	return PipelineResult{
		Status:        StatusAttributed,
		HowHeard:      resolution.Value,
		MetafieldID:   metafieldID,
		RecordCreated: created,
	}, nil
}
