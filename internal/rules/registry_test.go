package rules

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRegistry_ActiveRulesOrdering(t *testing.T) {
	reg := NewRegistry()
	tenantID := uuid.New()

	policy := DefaultPolicy{
		MaxDailyChange:  500,
		SkipThreshold:   1000,
		SkipWindowDays:  7,
		StagnationDays:  30,
		DeviationFactor: 3.0,
		OdometerMax:     2000000,
		HourMeterMax:    200000,
	}
	reg.Load(tenantID, DefaultRules(tenantID, policy))

	active := reg.ActiveRules(tenantID, CategoryOdometer)
	if len(active) != 6 {
		t.Fatalf("expected 6 active odometer rules, got %d", len(active))
	}
	for i := 1; i < len(active); i++ {
		if active[i].Priority < active[i-1].Priority {
			t.Errorf("rules out of priority order at %d: %d before %d",
				i, active[i-1].Priority, active[i].Priority)
		}
	}
	if active[0].Method != MethodComparison {
		t.Errorf("expected the rollback check first, got method %s", active[0].Method)
	}
}

func TestRegistry_PriorityTieBreaksOnCreationOrder(t *testing.T) {
	reg := NewRegistry()
	tenantID := uuid.New()

	first := reg.Add(tenantID, Rule{ID: uuid.New(), Name: "first", Category: CategoryOdometer, Priority: 10, IsActive: true})
	second := reg.Add(tenantID, Rule{ID: uuid.New(), Name: "second", Category: CategoryOdometer, Priority: 10, IsActive: true})

	active := reg.ActiveRules(tenantID, CategoryOdometer)
	if len(active) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(active))
	}
	if active[0].ID != first.ID || active[1].ID != second.ID {
		t.Error("priority tie did not break on creation order")
	}
}

func TestRegistry_SetActive(t *testing.T) {
	reg := NewRegistry()
	tenantID := uuid.New()

	rule := reg.Add(tenantID, Rule{ID: uuid.New(), Name: "r", Category: CategoryOdometer, Priority: 10, IsActive: true})

	if !reg.SetActive(tenantID, rule.ID, false) {
		t.Fatal("SetActive reported the rule as missing")
	}
	if got := reg.ActiveRules(tenantID, CategoryOdometer); len(got) != 0 {
		t.Errorf("deactivated rule still active, got %d rules", len(got))
	}

	// The rule itself must remain addressable for historical errors.
	if _, ok := reg.Rule(tenantID, rule.ID); !ok {
		t.Error("deactivated rule no longer resolvable by id")
	}

	if reg.SetActive(tenantID, uuid.New(), false) {
		t.Error("SetActive succeeded for an unknown rule id")
	}
}

func TestRegistry_TenantIsolation(t *testing.T) {
	reg := NewRegistry()
	tenantA := uuid.New()
	tenantB := uuid.New()

	reg.Add(tenantA, Rule{ID: uuid.New(), Name: "a", Category: CategoryOdometer, Priority: 10, IsActive: true})

	if got := reg.ActiveRules(tenantB, CategoryOdometer); len(got) != 0 {
		t.Errorf("tenant B sees tenant A's rules, got %d", len(got))
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	tenantID := uuid.New()
	policy := DefaultPolicy{
		MaxDailyChange:  500,
		SkipThreshold:   1000,
		SkipWindowDays:  7,
		StagnationDays:  30,
		DeviationFactor: 3.0,
		OdometerMax:     2000000,
		HourMeterMax:    200000,
	}
	original := DefaultRules(tenantID, policy)

	data, err := ExportRules(original)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	imported, err := ImportRules(data)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if len(imported) != len(original) {
		t.Fatalf("expected %d rules, got %d", len(original), len(imported))
	}
	for i := range original {
		if imported[i].ID != original[i].ID {
			t.Errorf("rule %d: id changed across round trip", i)
		}
		if imported[i].Method != original[i].Method || imported[i].Severity != original[i].Severity {
			t.Errorf("rule %d: method/severity changed across round trip", i)
		}
	}
	// Spot-check a pointer parameter survived.
	if imported[1].MaxDailyChange == nil || *imported[1].MaxDailyChange != 500 {
		t.Error("max_daily_change lost across round trip")
	}
}

func TestImportRules_RejectsBadSeverity(t *testing.T) {
	doc := `{"rules": [{
		"tenant_id": "` + uuid.NewString() + `",
		"name": "bad",
		"category": "odometer",
		"severity": "catastrophic",
		"method": "comparison"
	}]}`

	if _, err := ImportRules([]byte(doc)); err == nil {
		t.Fatal("expected validation error for unknown severity")
	}
}

func TestImportRules_RejectsParameterlessRules(t *testing.T) {
	cases := []struct {
		name   string
		method string
		want   string
	}{
		{"range without bounds", "range", "min_value or max_value"},
		{"threshold without threshold", "threshold", "needs threshold"},
		{"rate without limit", "rate_of_change", "needs max_daily_change"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := `{"rules": [{
				"tenant_id": "` + uuid.NewString() + `",
				"name": "incomplete",
				"category": "odometer",
				"severity": "warning",
				"method": "` + tc.method + `"
			}]}`
			_, err := ImportRules([]byte(doc))
			if err == nil {
				t.Fatal("expected an error for a parameterless rule")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestImportRules_Defaults(t *testing.T) {
	doc := `{"rules": [{
		"tenant_id": "` + uuid.NewString() + `",
		"name": "minimal",
		"category": "odometer",
		"severity": "critical",
		"method": "comparison"
	}]}`

	imported, err := ImportRules([]byte(doc))
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	r := imported[0]
	if r.ID == uuid.Nil {
		t.Error("expected a generated id")
	}
	if r.Version != 1 {
		t.Errorf("expected version default 1, got %d", r.Version)
	}
	if r.CreatedAt.IsZero() {
		t.Error("expected a populated created_at")
	}
}
