package howheard

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
)

// TransientError marks a failure worth retrying: a registry/ledger access
// failure or an external publish failure. The webhook surface translates it
// into a retryable response so the platform redelivers the event.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// FatalError marks a delivery that will never succeed no matter how often it
// is retried, such as a payload that fails schema validation.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string {
	return e.Reason
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Connection is one webhook subscription registered on the platform for a
// shop.
type Connection struct {
	ID        int64  `json:"id"`
	Address   string `json:"address,omitempty"`
	Topic     string `json:"topic"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// Shop is the per-store registry document. CompanyName is the shop's domain
// name and the primary key; PlatformID is the platform's numeric id for the
// same shop. AccessToken is the attribution credential and is cleared on
// uninstall while the rest of the document is retained.
type Shop struct {
	CompanyName  string       `json:"companyName"`
	PlatformID   int64        `json:"platformId,omitempty"`
	Name         string       `json:"name,omitempty"`
	Email        string       `json:"email,omitempty"`
	Domain       string       `json:"domain,omitempty"`
	City         string       `json:"city,omitempty"`
	Country      string       `json:"country,omitempty"`
	IANATimezone string       `json:"ianaTimezone,omitempty"`
	AccessToken  string       `json:"accessToken,omitempty"`
	Connections  []Connection `json:"connections"`
}

// SelectionList is the per-shop ordered set of attribution choices offered
// to first-time customers.
type SelectionList struct {
	CompanyName string   `json:"companyName"`
	Selections  []string `json:"selections"`
}

// CustomerSelection records the choice one customer made for one shop.
// Unique per (shop, customer); a resubmission overwrites Selection.
type CustomerSelection struct {
	CompanyName string `json:"companyName"`
	CustomerID  int64  `json:"customerId"`
	Selection   string `json:"selection"`
}

// OrderEvent is the ephemeral snapshot of one order-creation delivery. It
// only drives the pipeline; what persists is the OrderRecord projection.
type OrderEvent struct {
	OrderID              int64
	OrderNumber          int64
	Email                string
	CreatedAt            time.Time
	SubtotalPrice        string
	ReferringSite        string
	SourceURL            string
	SourceName           string
	CustomerID           int64
	CustomerEmail        string
	CustomerFirstName    string
	CustomerLastName     string
	CustomerOrdersCount  int64
	CustomerTotalSpent   string
	CustomerCompany      string
	CustomerAddress1     string
	CustomerAddress2     string
	CustomerCity         string
	CustomerProvince     string
	CustomerCountry      string
	CustomerZip          string
	CustomerProvinceCode string
	CustomerCountryName  string
}

// OrderRecord is the persisted projection of an OrderEvent plus the resolved
// attribution once published. Created at most once per (shop, order id).
type OrderRecord struct {
	CompanyName          string    `json:"companyName"`
	OrderID              int64     `json:"orderId"`
	OrderNumber          int64     `json:"orderNumber"`
	CreatedAt            time.Time `json:"createdAt"`
	SubtotalPrice        string    `json:"subtotalPrice,omitempty"`
	ReferringSite        string    `json:"referringSite,omitempty"`
	SourceURL            string    `json:"sourceUrl,omitempty"`
	CustomerID           int64     `json:"customerId"`
	CustomerEmail        string    `json:"customerEmail,omitempty"`
	CustomerFirstName    string    `json:"customerFirstName,omitempty"`
	CustomerLastName     string    `json:"customerLastName,omitempty"`
	CustomerOrdersCount  int64     `json:"customerOrdersCount"`
	CustomerTotalSpent   string    `json:"customerTotalSpent,omitempty"`
	CustomerCompany      string    `json:"customerCompany,omitempty"`
	CustomerAddress1     string    `json:"customerAddress1,omitempty"`
	CustomerAddress2     string    `json:"customerAddress2,omitempty"`
	CustomerCity         string    `json:"customerCity,omitempty"`
	CustomerProvince     string    `json:"customerProvince,omitempty"`
	CustomerCountry      string    `json:"customerCountry,omitempty"`
	CustomerZip          string    `json:"customerZip,omitempty"`
	CustomerProvinceCode string    `json:"customerProvinceCode,omitempty"`
	CustomerCountryName  string    `json:"customerCountryName,omitempty"`
	HowHeard             string    `json:"howHeard,omitempty"`
	MetafieldID          int64     `json:"metafieldId,omitempty"`
}

// NewOrderRecord projects an inbound event into the persisted record shape.
func NewOrderRecord(companyName string, event OrderEvent) OrderRecord {
	return OrderRecord{
		CompanyName:          companyName,
		OrderID:              event.OrderID,
		OrderNumber:          event.OrderNumber,
		CreatedAt:            event.CreatedAt.UTC(),
		SubtotalPrice:        event.SubtotalPrice,
		ReferringSite:        event.ReferringSite,
		SourceURL:            event.SourceURL,
		CustomerID:           event.CustomerID,
		CustomerEmail:        event.CustomerEmail,
		CustomerFirstName:    event.CustomerFirstName,
		CustomerLastName:     event.CustomerLastName,
		CustomerOrdersCount:  event.CustomerOrdersCount,
		CustomerTotalSpent:   event.CustomerTotalSpent,
		CustomerCompany:      event.CustomerCompany,
		CustomerAddress1:     event.CustomerAddress1,
		CustomerAddress2:     event.CustomerAddress2,
		CustomerCity:         event.CustomerCity,
		CustomerProvince:     event.CustomerProvince,
		CustomerCountry:      event.CustomerCountry,
		CustomerZip:          event.CustomerZip,
		CustomerProvinceCode: event.CustomerProvinceCode,
		CustomerCountryName:  event.CustomerCountryName,
	}
}
