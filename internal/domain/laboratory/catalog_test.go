package laboratory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewCatalog_Validation(t *testing.T) {
	tests := []struct {
		name    string
		version string
		entries []CatalogEntry
	}{
		{"no version", "", nil},
		{"no code", "v1", []CatalogEntry{{Name: "Potassium", ValueType: ValueNumeric}}},
		{"duplicate", "v1", []CatalogEntry{{Code: "K", ValueType: ValueNumeric}, {Code: "k", ValueType: ValueNumeric}}},
		{"bad value type", "v1", []CatalogEntry{{Code: "K", ValueType: "float"}}},
		{"normal inverted", "v1", []CatalogEntry{{Code: "K", ValueType: ValueNumeric, NormalMin: dec("5"), NormalMax: dec("3")}}},
		{"critical inverted", "v1", []CatalogEntry{{Code: "K", ValueType: ValueNumeric, CriticalLow: dec("7"), CriticalHigh: dec("2")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCatalog(tt.version, time.Time{}, tt.entries); !errors.Is(err, ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCatalog_Lookup(t *testing.T) {
	c := DefaultCatalog()
	if err := c.Validate(); err != nil {
		t.Fatalf("default catalog must validate: %v", err)
	}
	for _, key := range []string{"K", "k", "Potassium", " POTASSIUM "} {
		e, ok := c.Lookup(key)
		if !ok || e.Code != "K" {
			t.Errorf("Lookup(%q) = %v, %v", key, e, ok)
		}
	}
	if _, ok := c.Lookup("XYZ"); ok {
		t.Error("expected unknown code to miss")
	}
	var nilCatalog *Catalog
	if _, ok := nilCatalog.Lookup("K"); ok {
		t.Error("nil catalog must miss")
	}
}

type stubCatalogSource struct {
	catalog *Catalog
	err     error
	calls   int
}

func (s *stubCatalogSource) Current(context.Context) (*Catalog, error) {
	s.calls++
	return s.catalog, s.err
}

func TestCatalogHolder(t *testing.T) {
	v2, err := NewCatalog("v2", time.Now(), []CatalogEntry{{Code: "K", ValueType: ValueNumeric, NormalMax: dec("5.0")}})
	if err != nil {
		t.Fatal(err)
	}
	src := &stubCatalogSource{catalog: v2}
	h := NewCatalogHolder(src, nil)
	ctx := context.Background()

	c, err := h.Current(ctx)
	if err != nil || c.Version != "v2" {
		t.Fatalf("expected lazy load of v2, got %v %v", c, err)
	}
	if _, err := h.Current(ctx); err != nil || src.calls != 1 {
		t.Errorf("expected cached snapshot, source called %d times", src.calls)
	}

	src.err = errors.New("database down")
	if _, err := h.Reload(ctx); err == nil {
		t.Error("expected reload error")
	}
	if c, _ := h.Current(ctx); c.Version != "v2" {
		t.Errorf("failed reload must keep the previous snapshot, got %s", c.Version)
	}

	h.Set(DefaultCatalog())
	if c, _ := h.Current(ctx); c.Version != "builtin-1" {
		t.Errorf("expected builtin after Set, got %s", c.Version)
	}
}

func TestCatalogHolder_NoSource(t *testing.T) {
	h := NewCatalogHolder(nil, nil)
	c, err := h.Current(context.Background())
	if err != nil || c.Version != "builtin-1" {
		t.Errorf("expected builtin catalog, got %v %v", c, err)
	}
}

func TestCatalogChangeKeepsEnteredClassification(t *testing.T) {
	f := newFixture()
	_, res := f.entered(t, TestParameter{Code: "K", Value: "5.2"})
	if res.Parameters[0].Classification != Normal {
		t.Fatalf("expected normal under builtin catalog, got %s", res.Parameters[0].Classification)
	}

	stricter, err := NewCatalog("v2", time.Now(), []CatalogEntry{
		{Code: "K", Name: "Potassium", Unit: "mmol/L", ValueType: ValueNumeric, NormalMin: dec("3.5"), NormalMax: dec("5.0")},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.svc.catalog.(*CatalogHolder).Set(stricter)

	stored, _ := f.svc.GetResultByID(context.Background(), res.ID)
	if stored.CatalogVersion != "builtin-1" || stored.Parameters[0].Classification != Normal {
		t.Errorf("stored result must keep its catalog version, got %s %s", stored.CatalogVersion, stored.Parameters[0].Classification)
	}
}

const testCatalogYAML = `version: "2024-06"
published_at: "2024-06-01T00:00:00Z"
entries:
  - code: k
    name: Potassium
    unit: mmol/L
    normal_min: "3.5"
    normal_max: "5.1"
    critical_low: "2.8"
    critical_high: "6.2"
  - code: ucol
    name: Urine color
    value_type: text
    allowed_values: [yellow, amber]
`

func writeCatalogFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestLoadCatalogFile(t *testing.T) {
	path := writeCatalogFile(t, testCatalogYAML)

	c, err := LoadCatalogFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Version != "2024-06" {
		t.Errorf("unexpected version %q", c.Version)
	}
	if !c.PublishedAt.Equal(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected published_at %v", c.PublishedAt)
	}
	k, ok := c.Lookup("K")
	if !ok {
		t.Fatal("expected K entry")
	}
	if k.ValueType != ValueNumeric || k.CriticalHigh == nil || k.CriticalHigh.String() != "6.2" {
		t.Errorf("unexpected K entry %+v", k)
	}
	u, ok := c.Lookup("urine color")
	if !ok || u.ValueType != ValueText || len(u.AllowedValues) != 2 {
		t.Errorf("unexpected UCOL entry %+v", u)
	}

	src := FileCatalogSource{Path: path}
	again, err := src.Current(context.Background())
	if err != nil || again.Version != "2024-06" {
		t.Errorf("file source: %v %v", again, err)
	}
}

func TestLoadCatalogFile_Errors(t *testing.T) {
	if _, err := LoadCatalogFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := writeCatalogFile(t, "version: v1\nentries:\n  - code: K\n    normal_min: abc\n")
	if _, err := LoadCatalogFile(bad); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for bad threshold, got %v", err)
	}

	inverted := writeCatalogFile(t, "version: v1\nentries:\n  - code: K\n    normal_min: \"9\"\n    normal_max: \"1\"\n")
	if _, err := LoadCatalogFile(inverted); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for inverted range, got %v", err)
	}
}
