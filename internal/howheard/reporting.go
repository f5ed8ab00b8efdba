package howheard

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PageSize is the fixed number of order records per reporting page.
const PageSize = 200

const calendarDateLayout = "2006-01-02"

type OrdersPage struct {
	Orders      []OrderRecord `json:"orders"`
	CurrentPage int           `json:"currentPage"`
	PageCount   int           `json:"pageCount"`
}

// Windower is the read-only reporting consumer of order records: it windows
// them by calendar date range in the shop's timezone, localizes timestamps
// and paginates the result. It never mutates records.
type Windower struct {
	backend Backend
}

func NewWindower(backend Backend) *Windower {
	return &Windower{backend: backend}
}

// Window fetches a shop's order records, optionally restricted to the
// calendar dates fromDate..toDate (layout 2006-01-02, both required to
// apply; toDate is inclusive through the end of that day in the shop's
// timezone). Timestamps in the returned page are localized to the shop's
// timezone. page is 1-based and clamped; out-of-range pages return the
// closest valid page rather than an error. An unknown shop yields an empty
// page.
func (w *Windower) Window(ctx context.Context, shopName, fromDate, toDate string, page int) (OrdersPage, error) {
	records, loc, err := w.fetch(ctx, shopName, fromDate, toDate)
	if err != nil {
		return OrdersPage{}, err
	}
	for i := range records {
		records[i].CreatedAt = records[i].CreatedAt.In(loc)
	}
	slice, currentPage, pageCount := paginate(records, page)
	return OrdersPage{Orders: slice, CurrentPage: currentPage, PageCount: pageCount}, nil
}

func (w *Windower) fetch(ctx context.Context, shopName, fromDate, toDate string) ([]OrderRecord, *time.Location, error) {
	shop, err := w.backend.FindShop(ctx, shopName)
	if errors.Is(err, ErrNotFound) {
		// Stale reporting links get an empty result, not an error.
		return nil, time.UTC, nil
	}
	if err != nil {
		return nil, nil, err
	}
	loc := shopLocation(shop)

	if fromDate == "" || toDate == "" {
		records, err := w.backend.FetchOrders(ctx, shopName)
		if err != nil {
			return nil, nil, err
		}
		return records, loc, nil
	}

	from, err := startOfDay(fromDate, loc)
	if err != nil {
		return nil, nil, err
	}
	toStart, err := startOfDay(toDate, loc)
	if err != nil {
		return nil, nil, err
	}
	// toDate is inclusive: the window runs through the end of that
	// calendar day, i.e. before the start of the next one.
	to := toStart.AddDate(0, 0, 1)

	records, err := w.backend.FetchOrdersBetween(ctx, shopName, from.UTC(), to.UTC())
	if err != nil {
		return nil, nil, err
	}
	return records, loc, nil
}

// shopLocation resolves the shop's configured IANA timezone, falling back
// to UTC when unset or unknown.
func shopLocation(shop *Shop) *time.Location {
	if shop == nil || shop.IANATimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(shop.IANATimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// startOfDay interprets a calendar date as midnight in loc. The conversion
// is instant-aware: each boundary date carries its own UTC offset, so a DST
// transition inside the query range does not shift either boundary.
func startOfDay(date string, loc *time.Location) (time.Time, error) {
	day, err := time.ParseInLocation(calendarDateLayout, date, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q", ErrInvalidInput, date)
	}
	return day, nil
}

func paginate(records []OrderRecord, page int) ([]OrderRecord, int, int) {
	pageCount := (len(records) + PageSize - 1) / PageSize
	if pageCount < 1 {
		pageCount = 1
	}
	if page < 1 {
		page = 1
	}
	if page > pageCount {
		page = pageCount
	}
	start := (page - 1) * PageSize
	if start > len(records) {
		start = len(records)
	}
	end := start + PageSize
	if end > len(records) {
		end = len(records)
	}
	return records[start:end], page, pageCount
}
