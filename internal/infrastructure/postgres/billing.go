package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/drfirst/go-ipd/internal/domain/billing"
	"github.com/drfirst/go-ipd/internal/domain/fault"
)

const ledgerColumns = `id, patient_id, admission_id, source_type, source_id, category, description,
	quantity, unit_price, amount, billed, billed_at, invoice_id, created_at`

// LedgerRepository implements billing.LedgerRepository
type LedgerRepository struct {
	db *DB
}

// NewLedgerRepository creates a ledger repository
func NewLedgerRepository(db *DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func scanEntry(row pgx.Row) (*billing.LedgerEntry, error) {
	var e billing.LedgerEntry
	var source string
	err := row.Scan(&e.ID, &e.PatientID, &e.AdmissionID, &source, &e.SourceID, &e.Category, &e.Description,
		&e.Quantity, &e.UnitPrice, &e.Amount, &e.Billed, &e.BilledAt, &e.InvoiceID, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.SourceType = billing.SourceType(source)
	return &e, nil
}

// Record inserts the entry. A duplicate source key leaves the table
// unchanged and loads the stored entry into e.
func (r *LedgerRepository) Record(ctx context.Context, e *billing.LedgerEntry) (bool, error) {
	q := r.db.conn(ctx)
	tag, err := q.Exec(ctx, `
		INSERT INTO billing_ledger (`+ledgerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (source_type, source_id) WHERE source_id <> '' DO NOTHING`,
		e.ID, e.PatientID, e.AdmissionID, string(e.SourceType), e.SourceID, e.Category, e.Description,
		e.Quantity, e.UnitPrice, e.Amount, e.Billed, e.BilledAt, e.InvoiceID, e.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert ledger entry: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	existing, err := scanEntry(q.QueryRow(ctx, `
		SELECT `+ledgerColumns+` FROM billing_ledger
		WHERE source_type = $1 AND source_id = $2`, string(e.SourceType), e.SourceID))
	if err != nil {
		return false, fmt.Errorf("load existing ledger entry: %w", err)
	}
	*e = *existing
	return false, nil
}

// Get loads one entry
func (r *LedgerRepository) Get(ctx context.Context, id uuid.UUID) (*billing.LedgerEntry, error) {
	e, err := scanEntry(r.db.conn(ctx).QueryRow(ctx, `SELECT `+ledgerColumns+` FROM billing_ledger WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.NotFound("get ledger entry", "ledger entry %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query ledger entry: %w", err)
	}
	return e, nil
}

// GetMany loads entries in the order of ids; any missing id is NotFound
func (r *LedgerRepository) GetMany(ctx context.Context, ids []uuid.UUID) ([]*billing.LedgerEntry, error) {
	rows, err := r.db.conn(ctx).Query(ctx, `SELECT `+ledgerColumns+` FROM billing_ledger WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]*billing.LedgerEntry, len(ids))
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		byID[e.ID] = e
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*billing.LedgerEntry, 0, len(ids))
	for _, id := range ids {
		e, ok := byID[id]
		if !ok {
			return nil, fault.NotFound("get ledger entries", "ledger entry %s not found", id)
		}
		out = append(out, e)
	}
	return out, nil
}

// List returns entries matching the filter, oldest first
func (r *LedgerRepository) List(ctx context.Context, f billing.LedgerFilter) ([]*billing.LedgerEntry, error) {
	rows, err := r.db.conn(ctx).Query(ctx, `
		SELECT `+ledgerColumns+` FROM billing_ledger
		WHERE ($1::uuid IS NULL OR patient_id = $1)
		  AND ($2::uuid IS NULL OR admission_id = $2)
		  AND ($3::boolean IS NULL OR billed = $3)
		ORDER BY created_at, id`, f.PatientID, f.AdmissionID, f.Billed)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []*billing.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkBilled flips billed false -> true; a second caller sees ok=false
func (r *LedgerRepository) MarkBilled(ctx context.Context, id, invoiceID uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.db.conn(ctx).Exec(ctx, `
		UPDATE billing_ledger SET billed = TRUE, billed_at = $3, invoice_id = $2
		WHERE id = $1 AND billed = FALSE`, id, invoiceID, at)
	if err != nil {
		return false, fmt.Errorf("mark ledger entry billed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const invoiceColumns = `id, invoice_number, patient_id, admission_id, invoice_type, subtotal,
	discount_amount, total_tax, total_amount, paid_amount, due_amount, status, due_date,
	finalized_at, cancel_reason, created_at, updated_at`

// InvoiceRepository implements billing.InvoiceRepository
type InvoiceRepository struct {
	db *DB
}

// NewInvoiceRepository creates an invoice repository
func NewInvoiceRepository(db *DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// Create inserts the header, items and payments
func (r *InvoiceRepository) Create(ctx context.Context, inv *billing.Invoice) error {
	return r.db.InTx(ctx, func(ctx context.Context) error {
		_, err := r.db.conn(ctx).Exec(ctx, `
			INSERT INTO invoices (`+invoiceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			inv.ID, nullString(inv.Number), inv.PatientID, inv.AdmissionID, string(inv.Type), inv.Subtotal,
			inv.DiscountAmount, inv.TotalTax, inv.TotalAmount, inv.PaidAmount, inv.DueAmount,
			string(inv.Status), inv.DueDate, inv.FinalizedAt, inv.CancelReason, inv.CreatedAt, inv.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert invoice: %w", err)
		}
		return r.writeChildren(ctx, inv)
	})
}

// Save writes the header, upserts items and appends new payments
func (r *InvoiceRepository) Save(ctx context.Context, inv *billing.Invoice) error {
	return r.db.InTx(ctx, func(ctx context.Context) error {
		tag, err := r.db.conn(ctx).Exec(ctx, `
			UPDATE invoices
			SET invoice_number = $2, subtotal = $3, discount_amount = $4, total_tax = $5,
				total_amount = $6, paid_amount = $7, due_amount = $8, status = $9, due_date = $10,
				finalized_at = $11, cancel_reason = $12, updated_at = $13
			WHERE id = $1`,
			inv.ID, nullString(inv.Number), inv.Subtotal, inv.DiscountAmount, inv.TotalTax,
			inv.TotalAmount, inv.PaidAmount, inv.DueAmount, string(inv.Status), inv.DueDate,
			inv.FinalizedAt, inv.CancelReason, inv.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update invoice: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fault.NotFound("save invoice", "invoice %s not found", inv.ID)
		}
		return r.writeChildren(ctx, inv)
	})
}

func (r *InvoiceRepository) writeChildren(ctx context.Context, inv *billing.Invoice) error {
	batch := &pgx.Batch{}
	for i, it := range inv.Items {
		batch.Queue(`
			INSERT INTO invoice_items (id, invoice_id, position, source_type, source_id, ledger_entry_id,
				category, description, quantity, unit_price, amount, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO UPDATE
			SET position = EXCLUDED.position, description = EXCLUDED.description,
				quantity = EXCLUDED.quantity, unit_price = EXCLUDED.unit_price, amount = EXCLUDED.amount`,
			it.ID, inv.ID, i, string(it.SourceType), it.SourceID, it.LedgerEntryID,
			it.Category, it.Description, it.Quantity, it.UnitPrice, it.Amount, it.CreatedAt)
	}
	for _, p := range inv.Payments {
		batch.Queue(`
			INSERT INTO invoice_payments (id, invoice_id, amount, method, reference, received_by, paid_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`,
			p.ID, inv.ID, p.Amount, p.Method, p.Reference, p.ReceivedBy, p.PaidAt)
	}
	if batch.Len() == 0 {
		return nil
	}

	results := TxFromContext(ctx).SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("write invoice children: %w", err)
		}
	}
	return results.Close()
}

// Get loads an invoice without locking
func (r *InvoiceRepository) Get(ctx context.Context, id uuid.UUID) (*billing.Invoice, error) {
	return r.loadOne(ctx, "get invoice", `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
}

// GetForUpdate loads and row-locks an invoice
func (r *InvoiceRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*billing.Invoice, error) {
	return r.loadOne(ctx, "get invoice", `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id)
}

// FindOpenByAdmission locks and returns the newest open invoice
func (r *InvoiceRepository) FindOpenByAdmission(ctx context.Context, admissionID uuid.UUID) (*billing.Invoice, error) {
	return r.loadOne(ctx, "open invoice", `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE admission_id = $1 AND status NOT IN ('cancelled', 'refunded')
		ORDER BY created_at DESC, id DESC
		LIMIT 1
		FOR UPDATE`, admissionID)
}

// ListByAdmission returns the admission's invoices, oldest first
func (r *InvoiceRepository) ListByAdmission(ctx context.Context, admissionID uuid.UUID) ([]*billing.Invoice, error) {
	q := r.db.conn(ctx)
	rows, err := q.Query(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE admission_id = $1 ORDER BY created_at, id`, admissionID)
	if err != nil {
		return nil, fmt.Errorf("query invoices: %w", err)
	}
	invoices, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*billing.Invoice, error) {
		return scanInvoice(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan invoices: %w", err)
	}
	for _, inv := range invoices {
		if err := loadInvoiceChildren(ctx, q, inv); err != nil {
			return nil, err
		}
	}
	return invoices, nil
}

// NextNumber draws from invoice_number_seq; numbers are never reused
func (r *InvoiceRepository) NextNumber(ctx context.Context, at time.Time) (string, error) {
	var seq int64
	if err := r.db.conn(ctx).QueryRow(ctx, `SELECT nextval('invoice_number_seq')`).Scan(&seq); err != nil {
		return "", fmt.Errorf("next invoice number: %w", err)
	}
	return fmt.Sprintf("INV-%d-%06d", at.Year(), seq), nil
}

func (r *InvoiceRepository) loadOne(ctx context.Context, op, sql string, id uuid.UUID) (*billing.Invoice, error) {
	q := r.db.conn(ctx)
	inv, err := scanInvoice(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.NotFound(op, "invoice for %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query invoice: %w", err)
	}
	if err := loadInvoiceChildren(ctx, q, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func scanInvoice(row pgx.Row) (*billing.Invoice, error) {
	var inv billing.Invoice
	var number *string
	var typ, status string
	err := row.Scan(&inv.ID, &number, &inv.PatientID, &inv.AdmissionID, &typ, &inv.Subtotal,
		&inv.DiscountAmount, &inv.TotalTax, &inv.TotalAmount, &inv.PaidAmount, &inv.DueAmount,
		&status, &inv.DueDate, &inv.FinalizedAt, &inv.CancelReason, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if number != nil {
		inv.Number = *number
	}
	inv.Type = billing.InvoiceType(typ)
	inv.Status = billing.InvoiceStatus(status)
	return &inv, nil
}

func loadInvoiceChildren(ctx context.Context, q queryable, inv *billing.Invoice) error {
	rows, err := q.Query(ctx, `
		SELECT id, source_type, source_id, ledger_entry_id, category, description,
			quantity, unit_price, amount, created_at
		FROM invoice_items WHERE invoice_id = $1 ORDER BY position`, inv.ID)
	if err != nil {
		return fmt.Errorf("query invoice items: %w", err)
	}
	inv.Items, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.LineItem, error) {
		var it billing.LineItem
		var source string
		err := row.Scan(&it.ID, &source, &it.SourceID, &it.LedgerEntryID, &it.Category, &it.Description,
			&it.Quantity, &it.UnitPrice, &it.Amount, &it.CreatedAt)
		it.SourceType = billing.SourceType(source)
		return it, err
	})
	if err != nil {
		return fmt.Errorf("scan invoice items: %w", err)
	}

	rows, err = q.Query(ctx, `
		SELECT id, amount, method, reference, received_by, paid_at
		FROM invoice_payments WHERE invoice_id = $1 ORDER BY paid_at, id`, inv.ID)
	if err != nil {
		return fmt.Errorf("query invoice payments: %w", err)
	}
	inv.Payments, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.Payment, error) {
		var p billing.Payment
		err := row.Scan(&p.ID, &p.Amount, &p.Method, &p.Reference, &p.ReceivedBy, &p.PaidAt)
		return p, err
	})
	if err != nil {
		return fmt.Errorf("scan invoice payments: %w", err)
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
