package howheard

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend is a mutex-guarded in-memory Backend and Ledger used in
// tests and local development.
type MemoryBackend struct {
	mu         sync.Mutex
	shops      map[string]*Shop
	lists      map[string]*SelectionList
	selections map[string]map[int64]string
	orders     map[string]map[int64]*OrderRecord
	processed  map[string]map[int64]bool
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		shops:      map[string]*Shop{},
		lists:      map[string]*SelectionList{},
		selections: map[string]map[int64]string{},
		orders:     map[string]map[int64]*OrderRecord{},
		processed:  map[string]map[int64]bool{},
	}
}

func (b *MemoryBackend) FindShop(ctx context.Context, companyName string) (*Shop, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	shop, ok := b.shops[companyName]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *shop
	copied.Connections = append([]Connection(nil), shop.Connections...)
	return &copied, nil
}

func (b *MemoryBackend) FindShopByID(ctx context.Context, platformID int64) (*Shop, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, shop := range b.shops {
		if shop.PlatformID == platformID {
			copied := *shop
			copied.Connections = append([]Connection(nil), shop.Connections...)
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (b *MemoryBackend) UpsertShop(ctx context.Context, shop Shop) error {
	if shop.CompanyName == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.shops[shop.CompanyName]
	if !ok {
		copied := shop
		copied.Connections = append([]Connection(nil), shop.Connections...)
		b.shops[shop.CompanyName] = &copied
		return nil
	}
	mergeShop(existing, shop)
	return nil
}

func mergeShop(dst *Shop, src Shop) {
	if src.PlatformID != 0 {
		dst.PlatformID = src.PlatformID
	}
	if src.Name != "" {
		dst.Name = src.Name
	}
	if src.Email != "" {
		dst.Email = src.Email
	}
	if src.Domain != "" {
		dst.Domain = src.Domain
	}
	if src.City != "" {
		dst.City = src.City
	}
	if src.Country != "" {
		dst.Country = src.Country
	}
	if src.IANATimezone != "" {
		dst.IANATimezone = src.IANATimezone
	}
	if src.AccessToken != "" {
		dst.AccessToken = src.AccessToken
	}
	if len(src.Connections) > 0 {
		dst.Connections = append([]Connection(nil), src.Connections...)
	}
}

func (b *MemoryBackend) SaveConnection(ctx context.Context, companyName string, conn Connection) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	shop, ok := b.shops[companyName]
	if !ok {
		return ErrNotFound
	}
	for i, existing := range shop.Connections {
		if existing.ID == conn.ID {
			shop.Connections[i] = conn
			return nil
		}
	}
	shop.Connections = append(shop.Connections, conn)
	return nil
}

func (b *MemoryBackend) ClearCredential(ctx context.Context, companyName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	shop, ok := b.shops[companyName]
	if !ok {
		return ErrNotFound
	}
	shop.AccessToken = ""
	shop.Connections = nil
	return nil
}

func (b *MemoryBackend) GetSelectionList(ctx context.Context, companyName string) (*SelectionList, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list, ok := b.lists[companyName]
	if !ok {
		return nil, ErrNotFound
	}
	return &SelectionList{
		CompanyName: list.CompanyName,
		Selections:  append([]string(nil), list.Selections...),
	}, nil
}

func (b *MemoryBackend) AddSelections(ctx context.Context, companyName string, choices []string) error {
	selections := newSelectionList(choices)
	if len(selections) == 0 {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.lists[companyName]; ok {
		return ErrConflict
	}
	b.lists[companyName] = &SelectionList{CompanyName: companyName, Selections: selections}
	return nil
}

func (b *MemoryBackend) UpdateSelections(ctx context.Context, companyName string, choices []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	list, ok := b.lists[companyName]
	if !ok {
		return ErrNotFound
	}
	seen := make(map[string]struct{}, len(list.Selections))
	for _, choice := range list.Selections {
		seen[choice] = struct{}{}
	}
	for _, choice := range cleanSelections(choices) {
		if _, ok := seen[choice]; ok {
			continue
		}
		seen[choice] = struct{}{}
		list.Selections = append(list.Selections, choice)
	}
	return nil
}

func (b *MemoryBackend) RemoveSelection(ctx context.Context, companyName, choice string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	list, ok := b.lists[companyName]
	if !ok {
		return ErrNotFound
	}
	kept := list.Selections[:0]
	for _, existing := range list.Selections {
		if existing != choice {
			kept = append(kept, existing)
		}
	}
	list.Selections = kept
	return nil
}

func (b *MemoryBackend) GetCustomerSelection(ctx context.Context, companyName string, customerID int64) (*CustomerSelection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	choice, ok := b.selections[companyName][customerID]
	if !ok {
		return nil, ErrNotFound
	}
	return &CustomerSelection{CompanyName: companyName, CustomerID: customerID, Selection: choice}, nil
}

func (b *MemoryBackend) UpsertCustomerSelection(ctx context.Context, companyName string, customerID int64, choice string) error {
	if companyName == "" || choice == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	byCustomer, ok := b.selections[companyName]
	if !ok {
		byCustomer = map[int64]string{}
		b.selections[companyName] = byCustomer
	}
	byCustomer[customerID] = choice
	return nil
}

func (b *MemoryBackend) CreateOrderRecordIfAbsent(ctx context.Context, rec OrderRecord) (bool, error) {
	if rec.CompanyName == "" || rec.OrderID == 0 {
		return false, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	byOrder, ok := b.orders[rec.CompanyName]
	if !ok {
		byOrder = map[int64]*OrderRecord{}
		b.orders[rec.CompanyName] = byOrder
	}
	if _, exists := byOrder[rec.OrderID]; exists {
		return false, nil
	}
	copied := rec
	byOrder[rec.OrderID] = &copied
	return true, nil
}

func (b *MemoryBackend) AttachAttribution(ctx context.Context, companyName string, orderID int64, howHeard string, metafieldID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.orders[companyName][orderID]
	if !ok {
		return ErrNotFound
	}
	rec.HowHeard = howHeard
	rec.MetafieldID = metafieldID
	return nil
}

func (b *MemoryBackend) FetchOrders(ctx context.Context, companyName string) ([]OrderRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.collectOrders(companyName, func(OrderRecord) bool { return true }), nil
}

func (b *MemoryBackend) FetchOrdersBetween(ctx context.Context, companyName string, from, to time.Time) ([]OrderRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.collectOrders(companyName, func(rec OrderRecord) bool {
		return !rec.CreatedAt.Before(from) && rec.CreatedAt.Before(to)
	}), nil
}

func (b *MemoryBackend) collectOrders(companyName string, keep func(OrderRecord) bool) []OrderRecord {
	out := make([]OrderRecord, 0)
	for _, rec := range b.orders[companyName] {
		if keep(*rec) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (b *MemoryBackend) HasProcessed(ctx context.Context, companyName string, orderNumber int64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processed[companyName][orderNumber], nil
}

func (b *MemoryBackend) MarkProcessed(ctx context.Context, companyName string, orderNumber int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	byOrder, ok := b.processed[companyName]
	if !ok {
		byOrder = map[int64]bool{}
		b.processed[companyName] = byOrder
	}
	byOrder[orderNumber] = true
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}
