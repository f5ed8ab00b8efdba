package howheard

import (
	"context"
	"strings"
	"time"
)

// Default fallback choices appended whenever a shop's selection list is
// first created from a non-empty submission.
var defaultFallbackSelections = []string{"From A Friend", "Other"}

// Backend is the logical document store behind the registry and the order
// records. Every operation is a single-document read/modify; no operation
// spans documents, so no backend needs cross-document transactions.
//
// Lookup methods return ErrNotFound when the document is absent. Any other
// failure is a retryable storage error and is surfaced verbatim.
type Backend interface {
	FindShop(ctx context.Context, companyName string) (*Shop, error)
	FindShopByID(ctx context.Context, platformID int64) (*Shop, error)
	// UpsertShop creates the shop document or merges the non-zero profile
	// fields of shop into the existing document.
	UpsertShop(ctx context.Context, shop Shop) error
	SaveConnection(ctx context.Context, companyName string, conn Connection) error
	// ClearCredential removes the access token and the connection list but
	// keeps the shop document and its historical order records.
	ClearCredential(ctx context.Context, companyName string) error

	GetSelectionList(ctx context.Context, companyName string) (*SelectionList, error)
	// AddSelections creates the shop's selection list. The default
	// fallbacks are appended when the submission is non-empty.
	AddSelections(ctx context.Context, companyName string, choices []string) error
	// UpdateSelections adds choices to an existing list with set semantics;
	// already-present choices are no-ops.
	UpdateSelections(ctx context.Context, companyName string, choices []string) error
	RemoveSelection(ctx context.Context, companyName, choice string) error

	GetCustomerSelection(ctx context.Context, companyName string, customerID int64) (*CustomerSelection, error)
	UpsertCustomerSelection(ctx context.Context, companyName string, customerID int64, choice string) error

	// CreateOrderRecordIfAbsent writes the record unless one already exists
	// for (shop, order id). It reports whether this call created it, so a
	// redelivery racing a prior delivery is a silent no-op.
	CreateOrderRecordIfAbsent(ctx context.Context, rec OrderRecord) (bool, error)
	// AttachAttribution stores the resolved value and the external
	// annotation reference id on an existing order record.
	AttachAttribution(ctx context.Context, companyName string, orderID int64, howHeard string, metafieldID int64) error
	FetchOrders(ctx context.Context, companyName string) ([]OrderRecord, error)
	// FetchOrdersBetween returns records with from <= createdAt < to.
	FetchOrdersBetween(ctx context.Context, companyName string, from, to time.Time) ([]OrderRecord, error)

	Close() error
}

// Ledger records which inbound deliveries have been fully handled.
// MarkProcessed must only be called after the externally visible side
// effect succeeded; see Pipeline.
type Ledger interface {
	HasProcessed(ctx context.Context, companyName string, orderNumber int64) (bool, error)
	MarkProcessed(ctx context.Context, companyName string, orderNumber int64) error
	Close() error
}

// newSelectionList cleans a submitted batch of choices and appends the
// default fallbacks. Used by backends when creating a list for the first
// time.
func newSelectionList(choices []string) []string {
	cleaned := cleanSelections(choices)
	if len(cleaned) == 0 {
		return cleaned
	}
	seen := make(map[string]struct{}, len(cleaned))
	for _, choice := range cleaned {
		seen[choice] = struct{}{}
	}
	for _, fallback := range defaultFallbackSelections {
		if _, ok := seen[fallback]; !ok {
			cleaned = append(cleaned, fallback)
		}
	}
	return cleaned
}

func cleanSelections(choices []string) []string {
	out := make([]string, 0, len(choices))
	seen := make(map[string]struct{}, len(choices))
	for _, choice := range choices {
		choice = strings.TrimSpace(choice)
		if choice == "" {
			continue
		}
		if _, ok := seen[choice]; ok {
			continue
		}
		seen[choice] = struct{}{}
		out = append(out, choice)
	}
	return out
}
