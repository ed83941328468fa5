package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/dues-engine/dues"
)

// =============================================================================
// RESIDENTS
// =============================================================================

// CreateResident inserts r and sets r.ID and r.CreatedAt.
func (s *Store) CreateResident(ctx context.Context, r *dues.Resident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO residents (name, street, house_number, created_at)
		VALUES (?, ?, ?, ?)
	`, r.Name, r.Street, r.HouseNumber, formatTimestamp(createdAt))
	if err != nil {
		return fmt.Errorf("failed to insert resident: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read resident id: %w", err)
	}
	r.ID = dues.ResidentID(id)
	r.CreatedAt = createdAt
	return nil
}

// UpdateResident overwrites name, street and house number.
func (s *Store) UpdateResident(ctx context.Context, r dues.Resident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE residents SET name = ?, street = ?, house_number = ? WHERE id = ?
	`, r.Name, r.Street, r.HouseNumber, r.ID)
	if err != nil {
		return fmt.Errorf("failed to update resident: %w", err)
	}
	return requireAffected(res, "resident", r.ID)
}

// DeleteResident removes the resident together with their payments and tag
// links. The tags themselves are kept.
func (s *Store) DeleteResident(ctx context.Context, id dues.ResidentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM residents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete resident: %w", err)
	}
	return requireAffected(res, "resident", id)
}

// =============================================================================
// CREDENTIALS (TAGS)
// =============================================================================

// CredentialRecord is a credential with its links and sale state.
type CredentialRecord struct {
	dues.Credential
	ResidentIDs []dues.ResidentID
	Sold        bool
}

// CreateCredential inserts an inactive credential. Returns dues.ErrDuplicate
// when the code is taken.
func (s *Store) CreateCredential(ctx context.Context, c *dues.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (code, active, created_at) VALUES (?, ?, ?)
	`, c.Code, c.Active, formatTimestamp(createdAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: credential code %q", dues.ErrDuplicate, c.Code)
		}
		return fmt.Errorf("failed to insert credential: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read credential id: %w", err)
	}
	c.ID = dues.CredentialID(id)
	c.CreatedAt = createdAt
	return nil
}

// GetCredential returns nil when the credential does not exist.
func (s *Store) GetCredential(ctx context.Context, id dues.CredentialID) (*CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records, err := s.listCredentials(ctx, "WHERE c.id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// ListCredentials returns every credential ordered by ID.
func (s *Store) ListCredentials(ctx context.Context) ([]CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listCredentials(ctx, "")
}

func (s *Store) listCredentials(ctx context.Context, where string, args ...any) ([]CredentialRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+credentialColumns+`, EXISTS (SELECT 1 FROM tag_sales ts WHERE ts.credential_id = c.id)
		FROM credentials c `+where+`
		ORDER BY c.id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}

	records := []CredentialRecord{}
	index := make(map[dues.CredentialID]int)
	for rows.Next() {
		var rec CredentialRecord
		cred, err := scanCredential(rows, &rec.Sold)
		if err != nil {
			rows.Close()
			return nil, err
		}
		rec.Credential = cred
		index[cred.ID] = len(records)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Links are read after the first cursor is closed; the pool has one connection.
	links, err := s.db.QueryContext(ctx,
		"SELECT credential_id, resident_id FROM resident_credentials ORDER BY resident_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query credential links: %w", err)
	}
	defer links.Close()

	for links.Next() {
		var (
			credID     dues.CredentialID
			residentID dues.ResidentID
		)
		if err := links.Scan(&credID, &residentID); err != nil {
			return nil, fmt.Errorf("failed to scan credential link: %w", err)
		}
		if i, ok := index[credID]; ok {
			records[i].ResidentIDs = append(records[i].ResidentIDs, residentID)
		}
	}
	return records, links.Err()
}

// DeleteCredential removes the credential, its links and its sale.
func (s *Store) DeleteCredential(ctx context.Context, id dues.CredentialID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM credentials WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return requireAffected(res, "credential", id)
}

// ToggleCredential flips the active flag by hand. The next sync for a linked
// resident overrides it.
func (s *Store) ToggleCredential(ctx context.Context, id dues.CredentialID) (*dues.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "UPDATE credentials SET active = NOT active WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to toggle credential: %w", err)
	}
	if err := requireAffected(res, "credential", id); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, "SELECT "+credentialColumns+" FROM credentials c WHERE c.id = ?", id)
	cred, err := scanCredential(row)
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// LinkCredential attaches a credential to a resident. Returns
// dues.ErrDuplicate if already linked and a NotFoundError if either side is
// missing.
func (s *Store) LinkCredential(ctx context.Context, residentID dues.ResidentID, credentialID dues.CredentialID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resident_credentials (resident_id, credential_id, created_at)
		VALUES (?, ?, ?)
	`, residentID, credentialID, formatTimestamp(s.now()))
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return fmt.Errorf("%w: credential %d already linked to resident %d", dues.ErrDuplicate, credentialID, residentID)
	case isForeignKeyViolation(err):
		return &dues.NotFoundError{Resource: "resident or credential", ID: fmt.Sprintf("%d/%d", residentID, credentialID)}
	default:
		return fmt.Errorf("failed to link credential: %w", err)
	}
}

// UnlinkCredential detaches a credential from a resident.
func (s *Store) UnlinkCredential(ctx context.Context, residentID dues.ResidentID, credentialID dues.CredentialID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM resident_credentials WHERE resident_id = ? AND credential_id = ?",
		residentID, credentialID)
	if err != nil {
		return fmt.Errorf("failed to unlink credential: %w", err)
	}
	return requireAffected(res, "credential link", fmt.Sprintf("%d/%d", residentID, credentialID))
}

// =============================================================================
// TAG SALES
// =============================================================================

// SaleRecord is a tag sale with the tag code.
type SaleRecord struct {
	dues.TagSale
	Code string
}

// SellCredential records the sale of a tag. A tag can be sold once.
func (s *Store) SellCredential(ctx context.Context, id dues.CredentialID, price decimal.Decimal) (*dues.TagSale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	soldAt := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tag_sales (credential_id, price, sold_at) VALUES (?, ?, ?)
	`, id, price.String(), formatTimestamp(soldAt))
	switch {
	case err == nil:
	case isUniqueViolation(err):
		return nil, fmt.Errorf("%w: credential %d already sold", dues.ErrDuplicate, id)
	case isForeignKeyViolation(err):
		return nil, &dues.NotFoundError{Resource: "credential", ID: id}
	default:
		return nil, fmt.Errorf("failed to record sale: %w", err)
	}

	saleID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read sale id: %w", err)
	}
	return &dues.TagSale{ID: saleID, CredentialID: id, Price: price, SoldAt: soldAt}, nil
}

// ListSales returns sales, newest first.
func (s *Store) ListSales(ctx context.Context) ([]SaleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT ts.id, ts.credential_id, ts.price, ts.sold_at, c.code
		FROM tag_sales ts JOIN credentials c ON c.id = ts.credential_id
		ORDER BY ts.sold_at DESC, ts.id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sales: %w", err)
	}
	defer rows.Close()

	sales := []SaleRecord{}
	for rows.Next() {
		var (
			rec           SaleRecord
			price, soldAt string
		)
		if err := rows.Scan(&rec.ID, &rec.CredentialID, &price, &soldAt, &rec.Code); err != nil {
			return nil, fmt.Errorf("failed to scan sale: %w", err)
		}
		if rec.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("sale %d price: %w", rec.ID, err)
		}
		rec.SoldAt = parseTimestamp(soldAt)
		sales = append(sales, rec)
	}
	return sales, rows.Err()
}

// TotalSales sums every recorded sale price.
func (s *Store) TotalSales(ctx context.Context) (decimal.Decimal, int, error) {
	sales, err := s.ListSales(ctx)
	if err != nil {
		return decimal.Zero, 0, err
	}
	total := decimal.Zero
	for _, sale := range sales {
		total = total.Add(sale.Price)
	}
	return total, len(sales), nil
}

// CredentialStock counts credentials that have not been sold.
func (s *Store) CredentialStock(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM credentials c
		WHERE NOT EXISTS (SELECT 1 FROM tag_sales ts WHERE ts.credential_id = c.id)
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count stock: %w", err)
	}
	return n, nil
}

// ResetSales deletes every sale record, returning the tags to stock.
func (s *Store) ResetSales(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM tag_sales")
	if err != nil {
		return 0, fmt.Errorf("failed to reset sales: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// =============================================================================
// RESET
// =============================================================================

// Reset clears all data from the database (for testing/demo purposes).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"tag_sales",
		"resident_credentials",
		"payments",
		"credentials",
		"residents",
	}

	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	// AUTOINCREMENT counters live in sqlite_sequence.
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sqlite_sequence"); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to reset sequences: %w", err)
	}
	return nil
}
