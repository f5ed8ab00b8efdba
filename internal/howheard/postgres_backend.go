package howheard

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresShopsTable       = "howheard_shops"
	postgresListsTable       = "howheard_lists"
	postgresSelectionsTable  = "howheard_selections"
	postgresOrdersTable      = "howheard_orders"
	postgresProcessedTable   = "howheard_processed"
	postgresOperationTimeout = 5 * time.Second
)

// PostgresBackend implements Backend and Ledger on PostgreSQL. The schema is
// created lazily on first use so the binary can point at an empty database.
type PostgresBackend struct {
	dsn    string
	openDB func(driverName, dsn string) (*sql.DB, error)

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{dsn: dsn, openDB: sql.Open}, nil
}

// NewPostgresBackendWithDB wraps an already-open connection, used by tests.
func NewPostgresBackendWithDB(db *sql.DB) *PostgresBackend {
	b := &PostgresBackend{}
	b.initOnce.Do(func() { b.db = db })
	return b
}

func (b *PostgresBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			`CREATE TABLE IF NOT EXISTS ` + postgresShopsTable + ` (
				company_name TEXT PRIMARY KEY,
				platform_id BIGINT NOT NULL DEFAULT 0,
				name TEXT NOT NULL DEFAULT '',
				email TEXT NOT NULL DEFAULT '',
				domain TEXT NOT NULL DEFAULT '',
				city TEXT NOT NULL DEFAULT '',
				country TEXT NOT NULL DEFAULT '',
				iana_timezone TEXT NOT NULL DEFAULT '',
				access_token TEXT NOT NULL DEFAULT '',
				connections TEXT NOT NULL DEFAULT '[]'
			)`,
			`CREATE TABLE IF NOT EXISTS ` + postgresListsTable + ` (
				company_name TEXT PRIMARY KEY,
				selections TEXT NOT NULL DEFAULT '[]'
			)`,
			`CREATE TABLE IF NOT EXISTS ` + postgresSelectionsTable + ` (
				company_name TEXT NOT NULL,
				customer_id BIGINT NOT NULL,
				selection TEXT NOT NULL,
				PRIMARY KEY (company_name, customer_id)
			)`,
			`CREATE TABLE IF NOT EXISTS ` + postgresOrdersTable + ` (
				company_name TEXT NOT NULL,
				order_id BIGINT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				payload TEXT NOT NULL,
				how_heard TEXT NOT NULL DEFAULT '',
				metafield_id BIGINT NOT NULL DEFAULT 0,
				PRIMARY KEY (company_name, order_id)
			)`,
			`CREATE INDEX IF NOT EXISTS ` + postgresOrdersTable + `_created_at_idx
				ON ` + postgresOrdersTable + ` (company_name, created_at)`,
			`CREATE TABLE IF NOT EXISTS ` + postgresProcessedTable + ` (
				company_name TEXT NOT NULL,
				order_number BIGINT NOT NULL,
				processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (company_name, order_number)
			)`,
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func (b *PostgresBackend) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

func (b *PostgresBackend) FindShop(ctx context.Context, companyName string) (*Shop, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	row := b.db.QueryRowContext(ctx,
		`SELECT company_name, platform_id, name, email, domain, city, country, iana_timezone, access_token, connections
		 FROM `+postgresShopsTable+` WHERE company_name = $1`, companyName)
	return scanShop(row)
}

func (b *PostgresBackend) FindShopByID(ctx context.Context, platformID int64) (*Shop, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	row := b.db.QueryRowContext(ctx,
		`SELECT company_name, platform_id, name, email, domain, city, country, iana_timezone, access_token, connections
		 FROM `+postgresShopsTable+` WHERE platform_id = $1 LIMIT 1`, platformID)
	return scanShop(row)
}

func scanShop(row *sql.Row) (*Shop, error) {
	var shop Shop
	var connections string
	err := row.Scan(&shop.CompanyName, &shop.PlatformID, &shop.Name, &shop.Email, &shop.Domain,
		&shop.City, &shop.Country, &shop.IANATimezone, &shop.AccessToken, &connections)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if connections != "" {
		if err := json.Unmarshal([]byte(connections), &shop.Connections); err != nil {
			return nil, err
		}
	}
	return &shop, nil
}

func (b *PostgresBackend) UpsertShop(ctx context.Context, shop Shop) error {
	if shop.CompanyName == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	return b.withShopRow(ctx, shop.CompanyName, true, func(existing *Shop) (*Shop, error) {
		if existing == nil {
			merged := Shop{CompanyName: shop.CompanyName}
			mergeShop(&merged, shop)
			return &merged, nil
		}
		mergeShop(existing, shop)
		return existing, nil
	})
}

func (b *PostgresBackend) SaveConnection(ctx context.Context, companyName string, conn Connection) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	return b.withShopRow(ctx, companyName, false, func(existing *Shop) (*Shop, error) {
		if existing == nil {
			return nil, ErrNotFound
		}
		replaced := false
		for i, c := range existing.Connections {
			if c.ID == conn.ID {
				existing.Connections[i] = conn
				replaced = true
				break
			}
		}
		if !replaced {
			existing.Connections = append(existing.Connections, conn)
		}
		return existing, nil
	})
}

func (b *PostgresBackend) ClearCredential(ctx context.Context, companyName string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	result, err := b.db.ExecContext(ctx,
		`UPDATE `+postgresShopsTable+` SET access_token = '', connections = '[]' WHERE company_name = $1`,
		companyName)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// withShopRow runs a read-modify-write cycle on one shop document inside a
// transaction, inserting when the row is absent and allowInsert is set.
func (b *PostgresBackend) withShopRow(ctx context.Context, companyName string, allowInsert bool, modify func(*Shop) (*Shop, error)) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var shop Shop
	var connections string
	err = tx.QueryRowContext(ctx,
		`SELECT company_name, platform_id, name, email, domain, city, country, iana_timezone, access_token, connections
		 FROM `+postgresShopsTable+` WHERE company_name = $1 FOR UPDATE`, companyName).
		Scan(&shop.CompanyName, &shop.PlatformID, &shop.Name, &shop.Email, &shop.Domain,
			&shop.City, &shop.Country, &shop.IANATimezone, &shop.AccessToken, &connections)
	existing := &shop
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if !allowInsert {
			return ErrNotFound
		}
		existing = nil
	case err != nil:
		return err
	default:
		if err := json.Unmarshal([]byte(connections), &existing.Connections); err != nil {
			return err
		}
	}

	updated, err := modify(existing)
	if err != nil {
		return err
	}
	connBytes, err := json.Marshal(updated.Connections)
	if err != nil {
		return err
	}
	if connBytes == nil || string(connBytes) == "null" {
		connBytes = []byte("[]")
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+postgresShopsTable+` (company_name, platform_id, name, email, domain, city, country, iana_timezone, access_token, connections)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (company_name) DO UPDATE SET
			platform_id = EXCLUDED.platform_id,
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			domain = EXCLUDED.domain,
			city = EXCLUDED.city,
			country = EXCLUDED.country,
			iana_timezone = EXCLUDED.iana_timezone,
			access_token = EXCLUDED.access_token,
			connections = EXCLUDED.connections`,
		updated.CompanyName, updated.PlatformID, updated.Name, updated.Email, updated.Domain,
		updated.City, updated.Country, updated.IANATimezone, updated.AccessToken, string(connBytes))
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *PostgresBackend) GetSelectionList(ctx context.Context, companyName string) (*SelectionList, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	var selections string
	err := b.db.QueryRowContext(ctx,
		`SELECT selections FROM `+postgresListsTable+` WHERE company_name = $1`, companyName).
		Scan(&selections)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	list := &SelectionList{CompanyName: companyName}
	if err := json.Unmarshal([]byte(selections), &list.Selections); err != nil {
		return nil, err
	}
	return list, nil
}

func (b *PostgresBackend) AddSelections(ctx context.Context, companyName string, choices []string) error {
	selections := newSelectionList(choices)
	if len(selections) == 0 {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	payload, err := json.Marshal(selections)
	if err != nil {
		return err
	}
	result, err := b.db.ExecContext(ctx,
		`INSERT INTO `+postgresListsTable+` (company_name, selections) VALUES ($1, $2)
		 ON CONFLICT (company_name) DO NOTHING`, companyName, string(payload))
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

func (b *PostgresBackend) UpdateSelections(ctx context.Context, companyName string, choices []string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var payload string
	err = tx.QueryRowContext(ctx,
		`SELECT selections FROM `+postgresListsTable+` WHERE company_name = $1 FOR UPDATE`, companyName).
		Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var selections []string
	if err := json.Unmarshal([]byte(payload), &selections); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(selections))
	for _, choice := range selections {
		seen[choice] = struct{}{}
	}
	for _, choice := range cleanSelections(choices) {
		if _, ok := seen[choice]; ok {
			continue
		}
		seen[choice] = struct{}{}
		selections = append(selections, choice)
	}
	updated, err := json.Marshal(selections)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE `+postgresListsTable+` SET selections = $2 WHERE company_name = $1`,
		companyName, string(updated)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *PostgresBackend) RemoveSelection(ctx context.Context, companyName, choice string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var payload string
	err = tx.QueryRowContext(ctx,
		`SELECT selections FROM `+postgresListsTable+` WHERE company_name = $1 FOR UPDATE`, companyName).
		Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var selections []string
	if err := json.Unmarshal([]byte(payload), &selections); err != nil {
		return err
	}
	kept := selections[:0]
	for _, existing := range selections {
		if existing != choice {
			kept = append(kept, existing)
		}
	}
	updated, err := json.Marshal(kept)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE `+postgresListsTable+` SET selections = $2 WHERE company_name = $1`,
		companyName, string(updated)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *PostgresBackend) GetCustomerSelection(ctx context.Context, companyName string, customerID int64) (*CustomerSelection, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	selection := &CustomerSelection{CompanyName: companyName, CustomerID: customerID}
	err := b.db.QueryRowContext(ctx,
		`SELECT selection FROM `+postgresSelectionsTable+` WHERE company_name = $1 AND customer_id = $2`,
		companyName, customerID).Scan(&selection.Selection)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return selection, nil
}

func (b *PostgresBackend) UpsertCustomerSelection(ctx context.Context, companyName string, customerID int64, choice string) error {
	if companyName == "" || choice == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO `+postgresSelectionsTable+` (company_name, customer_id, selection) VALUES ($1, $2, $3)
		 ON CONFLICT (company_name, customer_id) DO UPDATE SET selection = EXCLUDED.selection`,
		companyName, customerID, choice)
	return err
}

func (b *PostgresBackend) CreateOrderRecordIfAbsent(ctx context.Context, rec OrderRecord) (bool, error) {
	if rec.CompanyName == "" || rec.OrderID == 0 {
		return false, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	result, err := b.db.ExecContext(ctx,
		`INSERT INTO `+postgresOrdersTable+` (company_name, order_id, created_at, payload) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (company_name, order_id) DO NOTHING`,
		rec.CompanyName, rec.OrderID, rec.CreatedAt.UTC(), string(payload))
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (b *PostgresBackend) AttachAttribution(ctx context.Context, companyName string, orderID int64, howHeard string, metafieldID int64) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	result, err := b.db.ExecContext(ctx,
		`UPDATE `+postgresOrdersTable+` SET how_heard = $3, metafield_id = $4 WHERE company_name = $1 AND order_id = $2`,
		companyName, orderID, howHeard, metafieldID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *PostgresBackend) FetchOrders(ctx context.Context, companyName string) ([]OrderRecord, error) {
	return b.fetchOrders(ctx,
		`SELECT payload, how_heard, metafield_id FROM `+postgresOrdersTable+`
		 WHERE company_name = $1 ORDER BY created_at ASC, order_id ASC`, companyName)
}

func (b *PostgresBackend) FetchOrdersBetween(ctx context.Context, companyName string, from, to time.Time) ([]OrderRecord, error) {
	return b.fetchOrders(ctx,
		`SELECT payload, how_heard, metafield_id FROM `+postgresOrdersTable+`
		 WHERE company_name = $1 AND created_at >= $2 AND created_at < $3
		 ORDER BY created_at ASC, order_id ASC`, companyName, from.UTC(), to.UTC())
}

func (b *PostgresBackend) fetchOrders(ctx context.Context, query string, args ...any) ([]OrderRecord, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]OrderRecord, 0)
	for rows.Next() {
		var payload, howHeard string
		var metafieldID int64
		if err := rows.Scan(&payload, &howHeard, &metafieldID); err != nil {
			return nil, err
		}
		var rec OrderRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, err
		}
		rec.HowHeard = howHeard
		rec.MetafieldID = metafieldID
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (b *PostgresBackend) HasProcessed(ctx context.Context, companyName string, orderNumber int64) (bool, error) {
	if err := b.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	var one int
	err := b.db.QueryRowContext(ctx,
		`SELECT 1 FROM `+postgresProcessedTable+` WHERE company_name = $1 AND order_number = $2`,
		companyName, orderNumber).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *PostgresBackend) MarkProcessed(ctx context.Context, companyName string, orderNumber int64) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO `+postgresProcessedTable+` (company_name, order_number) VALUES ($1, $2)
		 ON CONFLICT (company_name, order_number) DO NOTHING`,
		companyName, orderNumber)
	return err
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
