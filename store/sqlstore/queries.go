package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// queries runs statements on a connection or an open transaction.
type queries struct {
	db      dbtx
	dialect dialect
}

func (q *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.db.ExecContext(ctx, q.dialect.rebind(query), args...)
}

func (q *queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return q.db.QueryContext(ctx, q.dialect.rebind(query), args...)
}

// =============================================================================
// TENANTS
// =============================================================================

const tenantColumns = `id, scope_id, unit_id, usage_type, name, email, status, lease_start, lease_end,
	rent, opex, heating, index_baseline, last_index_adjustment, deleted_at`

func (q *queries) listActiveTenants(ctx context.Context, scope billing.ScopeID) ([]billing.Tenant, error) {
	rows, err := q.query(ctx, `
		SELECT `+tenantColumns+`
		FROM tenants
		WHERE scope_id = ? AND status = ? AND deleted_at IS NULL
		ORDER BY id
	`, string(scope), string(billing.LeaseActive))
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []billing.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (q *queries) getTenant(ctx context.Context, id billing.TenantID) (*billing.Tenant, error) {
	rows, err := q.query(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query tenant: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, &billing.NotFoundError{Kind: "tenant", ID: string(id)}
	}
	t, err := scanTenant(rows)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (q *queries) saveTenant(ctx context.Context, t billing.Tenant) error {
	var unitID, usage sql.NullString
	if t.Unit != nil {
		unitID = nullString(string(t.Unit.ID))
		usage = nullString(string(t.Unit.UsageType))
	}
	var leaseEnd sql.NullString
	if t.LeaseEnd != nil {
		leaseEnd = nullString(t.LeaseEnd.String())
	}

	_, err := q.exec(ctx, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			scope_id = excluded.scope_id, unit_id = excluded.unit_id, usage_type = excluded.usage_type,
			name = excluded.name, email = excluded.email, status = excluded.status,
			lease_start = excluded.lease_start, lease_end = excluded.lease_end,
			rent = excluded.rent, opex = excluded.opex, heating = excluded.heating,
			index_baseline = excluded.index_baseline,
			last_index_adjustment = excluded.last_index_adjustment,
			deleted_at = excluded.deleted_at
	`,
		string(t.ID), string(t.ScopeID), unitID, usage, t.Name, t.Email, string(t.Status),
		nullString(t.LeaseStart.String()), leaseEnd,
		t.Rent.String(), t.Opex.String(), t.Heating.String(), t.IndexBaseline.String(),
		nullTime(t.LastIndexAdjustment), nullTime(t.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save tenant: %w", err)
	}
	return nil
}

func (q *queries) updateTenant(ctx context.Context, id billing.TenantID, patch billing.TenantPatch) error {
	var sets []string
	var args []any
	if patch.Rent != nil {
		sets = append(sets, "rent = ?")
		args = append(args, patch.Rent.String())
	}
	if patch.IndexBaseline != nil {
		sets = append(sets, "index_baseline = ?")
		args = append(args, patch.IndexBaseline.String())
	}
	if patch.LastIndexAdjustment != nil {
		sets = append(sets, "last_index_adjustment = ?")
		args = append(args, formatTime(*patch.LastIndexAdjustment))
	}
	return q.update(ctx, "tenants", "tenant", string(id), sets, args)
}

func scanTenant(rows *sql.Rows) (billing.Tenant, error) {
	var (
		t                             billing.Tenant
		unitID, usage                 sql.NullString
		leaseStart, leaseEnd          sql.NullString
		rent, opex, heating, baseline string
		lastAdjustment, deletedAt     sql.NullString
	)
	err := rows.Scan(
		&t.ID, &t.ScopeID, &unitID, &usage, &t.Name, &t.Email, &t.Status,
		&leaseStart, &leaseEnd, &rent, &opex, &heating, &baseline,
		&lastAdjustment, &deletedAt,
	)
	if err != nil {
		return t, fmt.Errorf("failed to scan tenant: %w", err)
	}

	if unitID.Valid {
		t.Unit = &billing.Unit{ID: billing.UnitID(unitID.String), UsageType: billing.UsageType(usage.String)}
	}
	t.LeaseStart = parseDate(leaseStart.String)
	if leaseEnd.Valid {
		end := parseDate(leaseEnd.String)
		t.LeaseEnd = &end
	}
	t.Rent = parseDecimal(rent)
	t.Opex = parseDecimal(opex)
	t.Heating = parseDecimal(heating)
	t.IndexBaseline = parseDecimal(baseline)
	t.LastIndexAdjustment = parseTimePtr(lastAdjustment)
	t.DeletedAt = parseTimePtr(deletedAt)
	return t, nil
}

// =============================================================================
// INVOICES
// =============================================================================

const invoiceColumns = `id, tenant_id, scope_id, year, month, rent, opex, heating,
	rent_vat_rate, opex_vat_rate, heating_vat_rate, rent_vat, opex_vat, heating_vat, vat_total,
	cf_rent, cf_opex, cf_heating, cf_other, total, due_date, paid, dunning_level, status,
	last_reminder_at, last_dunning_at, created_at`

func (q *queries) listInvoices(ctx context.Context, f billing.InvoiceFilter) ([]billing.Invoice, error) {
	var where []string
	var args []any
	if f.ScopeID != nil {
		where = append(where, "scope_id = ?")
		args = append(args, string(*f.ScopeID))
	}
	if f.TenantID != nil {
		where = append(where, "tenant_id = ?")
		args = append(args, string(*f.TenantID))
	}
	if len(f.TenantIDs) > 0 {
		where = append(where, "tenant_id IN ("+placeholders(len(f.TenantIDs))+")")
		for _, id := range f.TenantIDs {
			args = append(args, string(id))
		}
	}
	if f.Year != nil {
		where = append(where, "year = ?")
		args = append(args, *f.Year)
	}
	if f.Month != nil {
		where = append(where, "month = ?")
		args = append(args, int(*f.Month))
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}

	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY due_date ASC, id ASC"

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func (q *queries) insertInvoices(ctx context.Context, invoices []billing.Invoice) error {
	for _, inv := range invoices {
		_, err := q.exec(ctx, `
			INSERT INTO invoices (`+invoiceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			string(inv.ID), string(inv.TenantID), string(inv.ScopeID), inv.Year, int(inv.Month),
			inv.Rent.String(), inv.Opex.String(), inv.Heating.String(),
			inv.VATRates.Rent.String(), inv.VATRates.Opex.String(), inv.VATRates.Heating.String(),
			inv.RentVAT.String(), inv.OpexVAT.String(), inv.HeatingVAT.String(), inv.VATTotal.String(),
			inv.CarryForward.Rent.String(), inv.CarryForward.Opex.String(),
			inv.CarryForward.Heating.String(), inv.CarryForward.Other.String(),
			inv.Total.String(), inv.DueDate.String(), inv.Paid.String(),
			inv.DunningLevel, string(inv.Status),
			nullTime(inv.LastReminderAt), nullTime(inv.LastDunningAt), formatTime(inv.CreatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return billing.ErrDuplicateInvoice
			}
			return fmt.Errorf("failed to insert invoice %s: %w", inv.ID, err)
		}
	}
	return nil
}

func (q *queries) updateInvoice(ctx context.Context, id billing.InvoiceID, patch billing.InvoicePatch) error {
	var sets []string
	var args []any
	if patch.Paid != nil {
		sets = append(sets, "paid = ?")
		args = append(args, patch.Paid.String())
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.DunningLevel != nil {
		sets = append(sets, "dunning_level = ?")
		args = append(args, *patch.DunningLevel)
	}
	if patch.LastReminderAt != nil {
		sets = append(sets, "last_reminder_at = ?")
		args = append(args, formatTime(*patch.LastReminderAt))
	}
	if patch.LastDunningAt != nil {
		sets = append(sets, "last_dunning_at = ?")
		args = append(args, formatTime(*patch.LastDunningAt))
	}
	return q.update(ctx, "invoices", "invoice", string(id), sets, args)
}

func scanInvoice(rows *sql.Rows) (billing.Invoice, error) {
	var (
		inv                                  billing.Invoice
		month                                int
		rent, opex, heating                  string
		rentRate, opexRate, heatingRate      string
		rentVAT, opexVAT, heatingVAT, vatSum string
		cfRent, cfOpex, cfHeating, cfOther   string
		total, dueDate, paid, createdAt      string
		lastReminder, lastDunning            sql.NullString
	)
	err := rows.Scan(
		&inv.ID, &inv.TenantID, &inv.ScopeID, &inv.Year, &month,
		&rent, &opex, &heating,
		&rentRate, &opexRate, &heatingRate,
		&rentVAT, &opexVAT, &heatingVAT, &vatSum,
		&cfRent, &cfOpex, &cfHeating, &cfOther,
		&total, &dueDate, &paid, &inv.DunningLevel, &inv.Status,
		&lastReminder, &lastDunning, &createdAt,
	)
	if err != nil {
		return inv, fmt.Errorf("failed to scan invoice: %w", err)
	}

	inv.Month = time.Month(month)
	inv.Rent, inv.Opex, inv.Heating = parseDecimal(rent), parseDecimal(opex), parseDecimal(heating)
	inv.VATRates = billing.VATRates{Rent: parseDecimal(rentRate), Opex: parseDecimal(opexRate), Heating: parseDecimal(heatingRate)}
	inv.RentVAT, inv.OpexVAT, inv.HeatingVAT = parseDecimal(rentVAT), parseDecimal(opexVAT), parseDecimal(heatingVAT)
	inv.VATTotal = parseDecimal(vatSum)
	inv.CarryForward = billing.CarryForward{
		Rent:    parseDecimal(cfRent),
		Opex:    parseDecimal(cfOpex),
		Heating: parseDecimal(cfHeating),
		Other:   parseDecimal(cfOther),
	}
	inv.Total = parseDecimal(total)
	inv.DueDate = parseDate(dueDate)
	inv.Paid = parseDecimal(paid)
	inv.LastReminderAt = parseTimePtr(lastReminder)
	inv.LastDunningAt = parseTimePtr(lastDunning)
	inv.CreatedAt = parseTime(createdAt)
	return inv, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (q *queries) insertPayment(ctx context.Context, p billing.Payment) error {
	var invoiceID sql.NullString
	if p.InvoiceID != nil {
		invoiceID = nullString(string(*p.InvoiceID))
	}
	_, err := q.exec(ctx, `
		INSERT INTO payments (id, tenant_id, amount, booking_date, invoice_id, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, string(p.ID), string(p.TenantID), p.Amount.String(), p.BookingDate.String(), invoiceID, p.Reference, formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (q *queries) listPaymentsInRange(ctx context.Context, tenantID billing.TenantID, from, to billing.Date) ([]billing.Payment, error) {
	rows, err := q.query(ctx, `
		SELECT id, tenant_id, amount, booking_date, invoice_id, reference, created_at
		FROM payments
		WHERE tenant_id = ? AND booking_date >= ? AND booking_date <= ?
		ORDER BY booking_date ASC, created_at ASC
	`, string(tenantID), from.String(), to.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []billing.Payment
	for rows.Next() {
		var (
			p                              billing.Payment
			amount, bookingDate, createdAt string
			invoiceID                      sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.TenantID, &amount, &bookingDate, &invoiceID, &p.Reference, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.Amount = parseDecimal(amount)
		p.BookingDate = parseDate(bookingDate)
		p.CreatedAt = parseTime(createdAt)
		if invoiceID.Valid {
			id := billing.InvoiceID(invoiceID.String)
			p.InvoiceID = &id
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// =============================================================================
// AUDIT
// =============================================================================

func (q *queries) insertAuditRecord(ctx context.Context, record billing.AuditRecord) error {
	var err error
	switch r := record.(type) {
	case *billing.VpiAdjustment:
		_, err = q.exec(ctx, `
			INSERT INTO vpi_adjustments
			(id, tenant_id, base_index, current_index, old_rent, new_rent, pct_change,
			 effective_date, status, approved_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.ID, string(r.TenantID), r.BaseIndex.String(), r.CurrentIndex.String(),
			r.OldRent.String(), r.NewRent.String(), r.PctChange.String(),
			r.EffectiveDate.String(), string(r.Status), r.ApprovedBy, formatTime(r.CreatedAt))
	case *billing.RentHistoryEntry:
		_, err = q.exec(ctx, `
			INSERT INTO rent_history
			(id, tenant_id, old_rent, new_rent, effective_date, reason, adjustment_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, r.ID, string(r.TenantID), r.OldRent.String(), r.NewRent.String(),
			r.EffectiveDate.String(), r.Reason, nullString(r.AdjustmentID), formatTime(r.CreatedAt))
	default:
		return fmt.Errorf("unsupported audit record %T", record)
	}
	if err != nil {
		return fmt.Errorf("failed to insert %s: %w", record.AuditKind(), err)
	}
	return nil
}

func (q *queries) listRentHistory(ctx context.Context, tenantID billing.TenantID) ([]billing.RentHistoryEntry, error) {
	rows, err := q.query(ctx, `
		SELECT id, tenant_id, old_rent, new_rent, effective_date, reason, adjustment_id, created_at
		FROM rent_history
		WHERE tenant_id = ?
		ORDER BY effective_date ASC, created_at ASC
	`, string(tenantID))
	if err != nil {
		return nil, fmt.Errorf("failed to query rent history: %w", err)
	}
	defer rows.Close()

	var entries []billing.RentHistoryEntry
	for rows.Next() {
		var (
			e                                          billing.RentHistoryEntry
			oldRent, newRent, effectiveDate, createdAt string
			adjustmentID                               sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &oldRent, &newRent, &effectiveDate, &e.Reason, &adjustmentID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan rent history: %w", err)
		}
		e.OldRent = parseDecimal(oldRent)
		e.NewRent = parseDecimal(newRent)
		e.EffectiveDate = parseDate(effectiveDate)
		e.AdjustmentID = adjustmentID.String
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// update applies SET clauses to one row; kind names the record in the
// NotFoundError.
func (q *queries) update(ctx context.Context, table, kind, id string, sets []string, args []any) error {
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := q.exec(ctx, "UPDATE "+table+" SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &billing.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return nullString(formatTime(*t))
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func parseDate(s string) billing.Date {
	if s == "" {
		return billing.Date{}
	}
	d, _ := billing.ParseDate(s)
	return d
}

// parseDecimal treats an empty or malformed column as zero.
func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
