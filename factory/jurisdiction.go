/*
Package factory provides JSON to Go jurisdiction conversion.

PURPOSE:
  Converts a JSON jurisdiction definition into the immutable tables the
  engines consume: the VAT table, the dunning schedule and the index
  adjustment configuration. Another country or a changed statutory rate
  is a new JSON file, not a code change.

JSON SCHEMA:
  {
    "id": "at",
    "name": "Austria",
    "vat": {
      "commercial_usage_types": ["business", "garage", "parking", "storage"],
      "commercial_rate": 20,
      "residential_rate": 10,
      "heating_rate": 20
    },
    "dunning": {
      "interest_grace_days": 14,
      "levels": [
        {"level": 1, "threshold_days": 14},
        {"level": 2, "threshold_days": 30, "fee": "5.00", "interest_rate": "0.04"},
        {"level": 3, "threshold_days": 45, "fee": "10.00", "interest_rate": "0.04"}
      ]
    },
    "index": {"threshold": "0.05", "cadence": "monthly"}
  }

DEFAULTS:
  Every omitted section falls back to the Austrian default. Level 0 is
  always present; it is added when the JSON leaves it out.

USAGE:
  j, err := factory.NewJurisdictionFactory().ParseJurisdiction(jsonStr)
  gen := invoicing.NewGenerator(gw, j.VAT, logger)
  dun := dunning.NewEngine(gw, j.Dunning, notifier, logger)

SEE ALSO:
  - billing/vat.go: VATTable
  - billing/dunning.go: DunningSchedule
  - indexation/engine.go: Config
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/indexation"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type JurisdictionJSON struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	VAT     *VATJSON     `json:"vat,omitempty"`
	Dunning *DunningJSON `json:"dunning,omitempty"`
	Index   *IndexJSON   `json:"index,omitempty"`
}

type VATJSON struct {
	CommercialUsageTypes []string         `json:"commercial_usage_types"`
	CommercialRate       *decimal.Decimal `json:"commercial_rate,omitempty"`
	ResidentialRate      *decimal.Decimal `json:"residential_rate,omitempty"`
	HeatingRate          *decimal.Decimal `json:"heating_rate,omitempty"`
}

type DunningJSON struct {
	InterestGraceDays *int        `json:"interest_grace_days,omitempty"`
	Levels            []LevelJSON `json:"levels"`
}

type LevelJSON struct {
	Level         int             `json:"level"`
	ThresholdDays int             `json:"threshold_days"`
	Fee           decimal.Decimal `json:"fee"`
	InterestRate  decimal.Decimal `json:"interest_rate"`
}

type IndexJSON struct {
	Threshold *decimal.Decimal `json:"threshold,omitempty"`
	Cadence   string           `json:"cadence,omitempty"`
}

// Jurisdiction bundles the tables for one legal system.
type Jurisdiction struct {
	ID      string
	Name    string
	VAT     billing.VATTable
	Dunning billing.DunningSchedule
	Index   indexation.Config
}

// DefaultJurisdiction is Austria.
func DefaultJurisdiction() Jurisdiction {
	return Jurisdiction{
		ID:      "at",
		Name:    "Austria",
		VAT:     billing.DefaultVATTable(),
		Dunning: billing.DefaultDunningSchedule(),
		Index:   indexation.DefaultConfig(),
	}
}

// =============================================================================
// JURISDICTION FACTORY
// =============================================================================

type JurisdictionFactory struct{}

func NewJurisdictionFactory() *JurisdictionFactory {
	return &JurisdictionFactory{}
}

// ParseJurisdiction parses a JSON string into a Jurisdiction.
func (f *JurisdictionFactory) ParseJurisdiction(jsonStr string) (*Jurisdiction, error) {
	var jj JurisdictionJSON
	if err := json.Unmarshal([]byte(jsonStr), &jj); err != nil {
		return nil, fmt.Errorf("failed to parse jurisdiction JSON: %w", err)
	}
	return f.FromJSON(jj)
}

// LoadFile reads a jurisdiction file. An empty path is the default.
func (f *JurisdictionFactory) LoadFile(path string) (*Jurisdiction, error) {
	if path == "" {
		j := DefaultJurisdiction()
		return &j, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jurisdiction %s: %w", path, err)
	}
	return f.ParseJurisdiction(string(raw))
}

func (f *JurisdictionFactory) FromJSON(jj JurisdictionJSON) (*Jurisdiction, error) {
	j := DefaultJurisdiction()
	if jj.ID != "" {
		j.ID = jj.ID
	}
	if jj.Name != "" {
		j.Name = jj.Name
	}

	if jj.VAT != nil {
		vat, err := parseVAT(*jj.VAT, j.VAT)
		if err != nil {
			return nil, err
		}
		j.VAT = vat
	}
	if jj.Dunning != nil {
		schedule, err := parseDunning(*jj.Dunning, j.Dunning)
		if err != nil {
			return nil, err
		}
		j.Dunning = schedule
	}
	if jj.Index != nil {
		cfg, err := parseIndex(*jj.Index, j.Index)
		if err != nil {
			return nil, err
		}
		j.Index = cfg
	}
	return &j, nil
}

// ToJSON converts a Jurisdiction back to its JSON form.
func (f *JurisdictionFactory) ToJSON(j Jurisdiction) JurisdictionJSON {
	commercial := j.VAT.CommercialRate
	residential := j.VAT.ResidentialRate
	heating := j.VAT.HeatingRate
	grace := j.Dunning.InterestGraceDays
	threshold := j.Index.Threshold

	jj := JurisdictionJSON{
		ID:   j.ID,
		Name: j.Name,
		VAT: &VATJSON{
			CommercialRate:  &commercial,
			ResidentialRate: &residential,
			HeatingRate:     &heating,
		},
		Dunning: &DunningJSON{InterestGraceDays: &grace},
		Index:   &IndexJSON{Threshold: &threshold, Cadence: string(j.Index.Cadence)},
	}
	for _, u := range sortedUsageTypes(j.VAT.Commercial) {
		jj.VAT.CommercialUsageTypes = append(jj.VAT.CommercialUsageTypes, string(u))
	}
	for _, l := range j.Dunning.Levels {
		jj.Dunning.Levels = append(jj.Dunning.Levels, LevelJSON{
			Level:         l.Level,
			ThresholdDays: l.ThresholdDays,
			Fee:           l.Fee,
			InterestRate:  l.InterestRate,
		})
	}
	return jj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseVAT(vj VATJSON, def billing.VATTable) (billing.VATTable, error) {
	t := billing.VATTable{
		Commercial:      def.Commercial,
		CommercialRate:  def.CommercialRate,
		ResidentialRate: def.ResidentialRate,
		HeatingRate:     def.HeatingRate,
	}
	if vj.CommercialUsageTypes != nil {
		t.Commercial = make(map[billing.UsageType]bool, len(vj.CommercialUsageTypes))
		for _, u := range vj.CommercialUsageTypes {
			t.Commercial[billing.UsageType(u)] = true
		}
	}
	rates := []struct {
		field string
		in    *decimal.Decimal
		out   *decimal.Decimal
	}{
		{"vat.commercial_rate", vj.CommercialRate, &t.CommercialRate},
		{"vat.residential_rate", vj.ResidentialRate, &t.ResidentialRate},
		{"vat.heating_rate", vj.HeatingRate, &t.HeatingRate},
	}
	for _, r := range rates {
		if r.in == nil {
			continue
		}
		if r.in.IsNegative() || r.in.GreaterThan(decimal.NewFromInt(100)) {
			return billing.VATTable{}, &billing.ValidationError{Field: r.field, Message: "rate must be between 0 and 100"}
		}
		*r.out = *r.in
	}
	return t, nil
}

func parseDunning(dj DunningJSON, def billing.DunningSchedule) (billing.DunningSchedule, error) {
	s := billing.DunningSchedule{InterestGraceDays: def.InterestGraceDays, Levels: def.Levels}
	if dj.InterestGraceDays != nil {
		if *dj.InterestGraceDays < 0 {
			return billing.DunningSchedule{}, &billing.ValidationError{Field: "dunning.interest_grace_days", Message: "must not be negative"}
		}
		s.InterestGraceDays = *dj.InterestGraceDays
	}
	if len(dj.Levels) == 0 {
		return s, nil
	}

	seen := map[int]bool{}
	levels := make([]billing.DunningLevel, 0, len(dj.Levels)+1)
	for _, lj := range dj.Levels {
		field := fmt.Sprintf("dunning.levels[%d]", lj.Level)
		switch {
		case lj.Level < billing.LevelOpen || lj.Level > billing.LevelFinalNotice:
			return billing.DunningSchedule{}, &billing.ValidationError{Field: field, Message: "level must be 0..3"}
		case seen[lj.Level]:
			return billing.DunningSchedule{}, &billing.ValidationError{Field: field, Message: "duplicate level"}
		case lj.ThresholdDays < 0:
			return billing.DunningSchedule{}, &billing.ValidationError{Field: field, Message: "threshold must not be negative"}
		case lj.Fee.IsNegative() || lj.InterestRate.IsNegative():
			return billing.DunningSchedule{}, &billing.ValidationError{Field: field, Message: "fee and interest must not be negative"}
		}
		seen[lj.Level] = true
		levels = append(levels, billing.DunningLevel{
			Level:         lj.Level,
			ThresholdDays: lj.ThresholdDays,
			Fee:           billing.RoundCents(lj.Fee),
			InterestRate:  lj.InterestRate,
		})
	}
	if !seen[billing.LevelOpen] {
		levels = append([]billing.DunningLevel{{Level: billing.LevelOpen}}, levels...)
	}

	// Thresholds must grow with the level or escalation would skip back.
	for _, a := range levels {
		for _, b := range levels {
			if a.Level < b.Level && a.ThresholdDays >= b.ThresholdDays {
				return billing.DunningSchedule{}, &billing.ValidationError{
					Field:   "dunning.levels",
					Message: fmt.Sprintf("threshold of level %d must be below level %d", a.Level, b.Level),
				}
			}
		}
	}
	s.Levels = levels
	return s, nil
}

func parseIndex(ij IndexJSON, def indexation.Config) (indexation.Config, error) {
	cfg := def
	if ij.Threshold != nil {
		if !ij.Threshold.IsPositive() {
			return indexation.Config{}, &billing.ValidationError{Field: "index.threshold", Message: "threshold must be positive"}
		}
		cfg.Threshold = *ij.Threshold
	}
	switch ij.Cadence {
	case "":
	case string(billing.CadenceMonthly):
		cfg.Cadence = billing.CadenceMonthly
	case string(billing.CadenceYearly):
		cfg.Cadence = billing.CadenceYearly
	default:
		return indexation.Config{}, &billing.ValidationError{Field: "index.cadence", Message: fmt.Sprintf("unknown cadence %q", ij.Cadence)}
	}
	return cfg, nil
}

func sortedUsageTypes(m map[billing.UsageType]bool) []billing.UsageType {
	out := make([]billing.UsageType, 0, len(m))
	for u, ok := range m {
		if ok {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
