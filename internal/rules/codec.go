package rules

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ruleDoc is the import/export representation of a rule. Every Rule field
// round-trips losslessly so administrators can edit thresholds offline and
// re-import the file.
type ruleDoc struct {
	ID       uuid.UUID `json:"id"`
	TenantID uuid.UUID `json:"tenant_id" validate:"required"`
	Name     string    `json:"name" validate:"required"`
	Category string    `json:"category" validate:"required,oneof=odometer hour_meter fuel general"`
	Severity string    `json:"severity" validate:"required,oneof=info warning error critical"`
	Method   string    `json:"method" validate:"required,oneof=threshold range rate_of_change pattern statistical comparison"`
	Priority int       `json:"priority"`

	Threshold       *float64 `json:"threshold,omitempty"`
	MinValue        *float64 `json:"min_value,omitempty"`
	MaxValue        *float64 `json:"max_value,omitempty"`
	MaxDailyChange  *float64 `json:"max_daily_change,omitempty"`
	DeviationFactor *float64 `json:"deviation_factor,omitempty" validate:"omitempty,gt=0"`
	WindowDays      *int     `json:"window_days,omitempty" validate:"omitempty,gt=0"`

	AutoFlag          bool `json:"auto_flag"`
	RequireCorrection bool `json:"require_correction"`
	BlockTransaction  bool `json:"block_transaction"`

	IsActive  bool      `json:"is_active"`
	Version   int       `json:"version" validate:"gte=0"`
	CreatedAt time.Time `json:"created_at"`
	Seq       int64     `json:"seq"`
}

type ruleFile struct {
	Rules []ruleDoc `json:"rules" validate:"required,dive"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ExportRules serializes a ruleset for administration tooling.
func ExportRules(set []Rule) ([]byte, error) {
	file := ruleFile{Rules: make([]ruleDoc, 0, len(set))}
	for _, r := range set {
		file.Rules = append(file.Rules, ruleDoc{
			ID:                r.ID,
			TenantID:          r.TenantID,
			Name:              r.Name,
			Category:          string(r.Category),
			Severity:          string(r.Severity),
			Method:            string(r.Method),
			Priority:          r.Priority,
			Threshold:         r.Threshold,
			MinValue:          r.MinValue,
			MaxValue:          r.MaxValue,
			MaxDailyChange:    r.MaxDailyChange,
			DeviationFactor:   r.DeviationFactor,
			WindowDays:        r.WindowDays,
			AutoFlag:          r.AutoFlag,
			RequireCorrection: r.RequireCorrection,
			BlockTransaction:  r.BlockTransaction,
			IsActive:          r.IsActive,
			Version:           r.Version,
			CreatedAt:         r.CreatedAt,
			Seq:               r.Seq,
		})
	}
	return json.MarshalIndent(file, "", "  ")
}

// ImportRules parses and validates a rule export. Range rules without
// bounds and threshold/rate rules without their parameter are rejected up
// front so a misconfigured rule never reaches the detector.
func ImportRules(data []byte) ([]Rule, error) {
	var file ruleFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}
	if err := validate.Struct(file); err != nil {
		return nil, fmt.Errorf("rule file failed validation: %w", err)
	}

	out := make([]Rule, 0, len(file.Rules))
	for i, d := range file.Rules {
		switch Method(d.Method) {
		case MethodRange:
			if d.MinValue == nil && d.MaxValue == nil {
				return nil, fmt.Errorf("rule %d (%s): range rule needs min_value or max_value", i, d.Name)
			}
		case MethodThreshold:
			if d.Threshold == nil {
				return nil, fmt.Errorf("rule %d (%s): threshold rule needs threshold", i, d.Name)
			}
		case MethodRateOfChange:
			if d.MaxDailyChange == nil {
				return nil, fmt.Errorf("rule %d (%s): rate_of_change rule needs max_daily_change", i, d.Name)
			}
		}

		id := d.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		createdAt := d.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		version := d.Version
		if version == 0 {
			version = 1
		}

		out = append(out, Rule{
			ID:                id,
			TenantID:          d.TenantID,
			Name:              d.Name,
			Category:          Category(d.Category),
			Severity:          Severity(d.Severity),
			Method:            Method(d.Method),
			Priority:          d.Priority,
			Threshold:         d.Threshold,
			MinValue:          d.MinValue,
			MaxValue:          d.MaxValue,
			MaxDailyChange:    d.MaxDailyChange,
			DeviationFactor:   d.DeviationFactor,
			WindowDays:        d.WindowDays,
			AutoFlag:          d.AutoFlag,
			RequireCorrection: d.RequireCorrection,
			BlockTransaction:  d.BlockTransaction,
			IsActive:          d.IsActive,
			Version:           version,
			CreatedAt:         createdAt,
			Seq:               d.Seq,
		})
	}
	return out, nil
}
