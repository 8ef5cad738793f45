/*
Package report exports arrears and dunning runs as spreadsheets.

PURPOSE:
  The back office hands overdue lists to property managers and lawyers
  as xlsx files. Arrears lists every unpaid invoice of a scope with its
  outstanding balance and dunning level; the dunning workbook lists the
  actions of one Check run.

STORAGE:
  When a Storage is configured the workbook is uploaded and a temporary
  download URL is returned. Without one the caller gets the bytes.

SEE ALSO:
  - clients/s3.go: S3Client implements Storage
  - dunning/engine.go: CheckResult
*/
package report

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/dunning"
)

// DefaultURLTTL is how long a presigned download link stays valid.
const DefaultURLTTL = 48 * time.Hour

// Storage keeps generated workbooks.
type Storage interface {
	UploadXLSX(ctx context.Context, fileName string, data []byte) (string, error)
	GetTemporaryURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// =============================================================================
// ARREARS
// =============================================================================

type ArrearsRow struct {
	TenantID     billing.TenantID      `json:"tenant_id"`
	TenantName   string                `json:"tenant_name"`
	Email        string                `json:"email"`
	InvoiceID    billing.InvoiceID     `json:"invoice_id"`
	Period       string                `json:"period"`
	DueDate      string                `json:"due_date"`
	DaysOverdue  int                   `json:"days_overdue"`
	Total        decimal.Decimal       `json:"total"`
	Paid         decimal.Decimal       `json:"paid"`
	Outstanding  decimal.Decimal       `json:"outstanding"`
	DunningLevel int                   `json:"dunning_level"`
	Status       billing.InvoiceStatus `json:"status"`
}

type Arrears struct {
	ScopeID     billing.ScopeID `json:"scope_id"`
	AsOf        string          `json:"as_of"`
	Rows        []ArrearsRow    `json:"rows"`
	Outstanding decimal.Decimal `json:"outstanding"`
	Overdue     decimal.Decimal `json:"overdue"`
}

// Column maps a row to one spreadsheet column.
type Column[T any] struct {
	Header string
	Value  func(T) any
}

func money(d decimal.Decimal) any { return d.Round(2).InexactFloat64() }

var arrearsColumns = []Column[ArrearsRow]{
	{"Tenant", func(r ArrearsRow) any { return r.TenantName }},
	{"Tenant ID", func(r ArrearsRow) any { return string(r.TenantID) }},
	{"Email", func(r ArrearsRow) any { return r.Email }},
	{"Invoice", func(r ArrearsRow) any { return string(r.InvoiceID) }},
	{"Period", func(r ArrearsRow) any { return r.Period }},
	{"Due date", func(r ArrearsRow) any { return r.DueDate }},
	{"Days overdue", func(r ArrearsRow) any { return r.DaysOverdue }},
	{"Total", func(r ArrearsRow) any { return money(r.Total) }},
	{"Paid", func(r ArrearsRow) any { return money(r.Paid) }},
	{"Outstanding", func(r ArrearsRow) any { return money(r.Outstanding) }},
	{"Dunning level", func(r ArrearsRow) any { return billing.LevelName(r.DunningLevel) }},
	{"Status", func(r ArrearsRow) any { return string(r.Status) }},
}

var actionColumns = []Column[dunning.Action]{
	{"Invoice", func(a dunning.Action) any { return string(a.InvoiceID) }},
	{"Tenant ID", func(a dunning.Action) any { return string(a.TenantID) }},
	{"Period", func(a dunning.Action) any { return a.Period }},
	{"Days overdue", func(a dunning.Action) any { return a.DaysOverdue }},
	{"From", func(a dunning.Action) any { return billing.LevelName(a.FromLevel) }},
	{"To", func(a dunning.Action) any { return a.LevelName }},
	{"Principal", func(a dunning.Action) any { return money(a.Principal) }},
	{"Fee", func(a dunning.Action) any { return money(a.Fee) }},
	{"Interest", func(a dunning.Action) any { return money(a.Interest) }},
	{"Total due", func(a dunning.Action) any { return money(a.TotalDue) }},
	{"Applied", func(a dunning.Action) any { return a.Applied }},
	{"Notification", func(a dunning.Action) any { return a.NotificationID }},
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Gateway billing.Gateway
	Storage Storage // optional
	URLTTL  time.Duration
	Clock   billing.Clock
	Logger  *zap.Logger
}

func NewService(gw billing.Gateway, storage Storage, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		Gateway: gw,
		Storage: storage,
		URLTTL:  DefaultURLTTL,
		Logger:  logger.With(zap.String("component", "report")),
	}
}

// Arrears lists the unpaid balances of a scope, most overdue first.
func (s *Service) Arrears(ctx context.Context, scope billing.ScopeID, asOf billing.Date) (*Arrears, error) {
	if scope == "" {
		return nil, &billing.ValidationError{Field: "scope_id", Message: "scope is required"}
	}
	if asOf.IsZero() {
		asOf = s.Clock.Today()
	}

	invoices, err := s.Gateway.ListInvoices(ctx, billing.InvoiceFilter{
		ScopeID:  &scope,
		Statuses: billing.UnpaidStatuses,
	})
	if err != nil {
		return nil, fmt.Errorf("list unpaid invoices for %s: %w", scope, err)
	}

	tenants := map[billing.TenantID]*billing.Tenant{}
	out := &Arrears{ScopeID: scope, AsOf: asOf.String(), Rows: []ArrearsRow{}}
	for _, inv := range invoices {
		outstanding := billing.RoundCents(inv.Outstanding())
		if !outstanding.IsPositive() {
			continue
		}
		t, ok := tenants[inv.TenantID]
		if !ok {
			t, err = s.Gateway.GetTenant(ctx, inv.TenantID)
			if err != nil && !billing.IsNotFound(err) {
				return nil, err
			}
			tenants[inv.TenantID] = t
		}

		row := ArrearsRow{
			TenantID:     inv.TenantID,
			InvoiceID:    inv.ID,
			Period:       inv.Period(),
			DueDate:      inv.DueDate.String(),
			DaysOverdue:  max(0, billing.DaysBetween(inv.DueDate, asOf)),
			Total:        inv.Total,
			Paid:         inv.Paid,
			Outstanding:  outstanding,
			DunningLevel: inv.DunningLevel,
			Status:       inv.Status,
		}
		if t != nil {
			row.TenantName = t.Name
			row.Email = t.Email
		}
		out.Rows = append(out.Rows, row)
		out.Outstanding = out.Outstanding.Add(outstanding)
		if row.DaysOverdue > 0 {
			out.Overdue = out.Overdue.Add(outstanding)
		}
	}

	sort.SliceStable(out.Rows, func(i, j int) bool {
		if out.Rows[i].DaysOverdue != out.Rows[j].DaysOverdue {
			return out.Rows[i].DaysOverdue > out.Rows[j].DaysOverdue
		}
		return out.Rows[i].InvoiceID < out.Rows[j].InvoiceID
	})
	return out, nil
}

// Export is a generated workbook. Key and URL are set when it was stored.
type Export struct {
	FileName string `json:"file_name"`
	Key      string `json:"key,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"-"`
}

// ExportArrears builds the arrears workbook and stores it when a Storage
// is configured.
func (s *Service) ExportArrears(ctx context.Context, scope billing.ScopeID, asOf billing.Date) (*Export, error) {
	a, err := s.Arrears(ctx, scope, asOf)
	if err != nil {
		return nil, err
	}
	data, err := ArrearsWorkbook(a)
	if err != nil {
		return nil, err
	}
	fileName := fmt.Sprintf("arrears_%s_%s.xlsx", scope, s.Clock.Now().Format("20060102_150405"))
	return s.store(ctx, fileName, data)
}

// ExportDunning builds the workbook of one dunning run.
func (s *Service) ExportDunning(ctx context.Context, scope billing.ScopeID, result *dunning.CheckResult) (*Export, error) {
	data, err := DunningWorkbook(scope, result)
	if err != nil {
		return nil, err
	}
	fileName := fmt.Sprintf("dunning_%s_%s.xlsx", scope, result.AsOf)
	return s.store(ctx, fileName, data)
}

func (s *Service) store(ctx context.Context, fileName string, data []byte) (*Export, error) {
	export := &Export{FileName: fileName, Data: data}
	if s.Storage == nil {
		return export, nil
	}

	key, err := s.Storage.UploadXLSX(ctx, fileName, data)
	if err != nil {
		return nil, &billing.ExternalDependencyError{Dependency: "storage", Err: err}
	}
	url, err := s.Storage.GetTemporaryURL(ctx, key, s.URLTTL)
	if err != nil {
		return nil, &billing.ExternalDependencyError{Dependency: "storage", Err: err}
	}
	export.Key = key
	export.URL = url
	s.Logger.Info("report stored", zap.String("file", fileName), zap.String("key", key), zap.Int("bytes", len(data)))
	return export, nil
}

// =============================================================================
// WORKBOOKS
// =============================================================================

// ArrearsWorkbook renders an arrears list with a summary sheet.
func ArrearsWorkbook(a *Arrears) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := "Arrears"
	f.SetSheetName(f.GetSheetName(0), sheet)
	_ = f.SetDocProps(&excelize.DocProperties{
		Creator: "billing-engine",
		Title:   fmt.Sprintf("Arrears %s as of %s", a.ScopeID, a.AsOf),
	})
	writeRows(f, sheet, arrearsColumns, a.Rows)

	summary := "Summary"
	if _, err := f.NewSheet(summary); err != nil {
		return nil, fmt.Errorf("create summary sheet: %w", err)
	}
	byLevel := map[int]decimal.Decimal{}
	counts := map[int]int{}
	for _, r := range a.Rows {
		byLevel[r.DunningLevel] = byLevel[r.DunningLevel].Add(r.Outstanding)
		counts[r.DunningLevel]++
	}
	_ = f.SetSheetRow(summary, "A1", &[]any{"Level", "Invoices", "Outstanding"})
	row := 2
	for level := billing.LevelOpen; level <= billing.LevelFinalNotice; level++ {
		cell, _ := excelize.CoordinatesToCellName(1, row)
		_ = f.SetSheetRow(summary, cell, &[]any{billing.LevelName(level), counts[level], money(byLevel[level])})
		row++
	}
	cell, _ := excelize.CoordinatesToCellName(1, row)
	_ = f.SetSheetRow(summary, cell, &[]any{"total", len(a.Rows), money(a.Outstanding)})

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write arrears workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// DunningWorkbook renders the actions of one dunning run.
func DunningWorkbook(scope billing.ScopeID, result *dunning.CheckResult) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := "Dunning"
	f.SetSheetName(f.GetSheetName(0), sheet)
	_ = f.SetDocProps(&excelize.DocProperties{
		Creator: "billing-engine",
		Title:   fmt.Sprintf("Dunning %s as of %s", scope, result.AsOf),
	})
	writeRows(f, sheet, actionColumns, result.Actions)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write dunning workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeRows[T any](f *excelize.File, sheet string, cols []Column[T], rows []T) {
	for i, col := range cols {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, col.Header)
	}
	for rowIdx, r := range rows {
		for colIdx, col := range cols {
			cell, _ := excelize.CoordinatesToCellName(colIdx+1, rowIdx+2)
			_ = f.SetCellValue(sheet, cell, col.Value(r))
		}
	}
}
