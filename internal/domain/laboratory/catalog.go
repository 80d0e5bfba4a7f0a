package laboratory

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// CatalogEntry holds the reference data for one test parameter.
type CatalogEntry struct {
	Code          string           `json:"code"`
	Name          string           `json:"name"`
	Unit          string           `json:"unit,omitempty"`
	ValueType     ValueType        `json:"value_type"`
	NormalMin     *decimal.Decimal `json:"normal_min,omitempty"`
	NormalMax     *decimal.Decimal `json:"normal_max,omitempty"`
	CriticalLow   *decimal.Decimal `json:"critical_low,omitempty"`
	CriticalHigh  *decimal.Decimal `json:"critical_high,omitempty"`
	AllowedValues []string         `json:"allowed_values,omitempty"`
	Required      bool             `json:"required,omitempty"`
}

// Catalog is an immutable, versioned snapshot of reference ranges.
type Catalog struct {
	Version     string         `json:"version"`
	PublishedAt time.Time      `json:"published_at"`
	Entries     []CatalogEntry `json:"entries"`

	byCode map[string]*CatalogEntry
	byName map[string]*CatalogEntry
}

// NewCatalog indexes entries and validates them.
func NewCatalog(version string, publishedAt time.Time, entries []CatalogEntry) (*Catalog, error) {
	c := &Catalog{Version: version, PublishedAt: publishedAt, Entries: entries}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.index()
	return c, nil
}

func (c *Catalog) index() {
	c.byCode = make(map[string]*CatalogEntry, len(c.Entries))
	c.byName = make(map[string]*CatalogEntry, len(c.Entries))
	for i := range c.Entries {
		e := &c.Entries[i]
		c.byCode[strings.ToUpper(e.Code)] = e
		if e.Name != "" {
			c.byName[strings.ToUpper(e.Name)] = e
		}
	}
}

// Validate rejects catalogs whose thresholds contradict each other.
func (c *Catalog) Validate() error {
	if strings.TrimSpace(c.Version) == "" {
		return validationf("catalog", "version is required")
	}
	seen := make(map[string]bool, len(c.Entries))
	for _, e := range c.Entries {
		if e.Code == "" {
			return validationf("catalog", "entry %q has no code", e.Name)
		}
		key := strings.ToUpper(e.Code)
		if seen[key] {
			return validationf("catalog", "duplicate entry %s", e.Code)
		}
		seen[key] = true
		if e.ValueType != ValueNumeric && e.ValueType != ValueText {
			return validationf("catalog", "entry %s has unknown value type %q", e.Code, e.ValueType)
		}
		if err := checkRange(e.Code, e.NormalMin, e.NormalMax, e.CriticalLow, e.CriticalHigh); err != nil {
			return err
		}
	}
	return nil
}

func checkRange(code string, nmin, nmax, clow, chigh *decimal.Decimal) error {
	if nmin != nil && nmax != nil && nmin.GreaterThan(*nmax) {
		return validationf("catalog", "%s: normal_min %s exceeds normal_max %s", code, nmin, nmax)
	}
	if clow != nil && chigh != nil && clow.GreaterThan(*chigh) {
		return validationf("catalog", "%s: critical_low %s exceeds critical_high %s", code, clow, chigh)
	}
	return nil
}

// Lookup finds an entry by code, falling back to display name.
func (c *Catalog) Lookup(codeOrName string) (*CatalogEntry, bool) {
	if c == nil {
		return nil, false
	}
	if c.byCode == nil {
		c.index()
	}
	key := strings.ToUpper(strings.TrimSpace(codeOrName))
	if e, ok := c.byCode[key]; ok {
		return e, true
	}
	e, ok := c.byName[key]
	return e, ok
}

// CatalogSource yields the currently published catalog.
type CatalogSource interface {
	Current(ctx context.Context) (*Catalog, error)
}

// CatalogHolder caches the current snapshot and swaps it atomically on reload.
type CatalogHolder struct {
	source  CatalogSource
	current atomic.Pointer[Catalog]
}

// NewCatalogHolder starts with initial (may be nil) and refreshes from source.
func NewCatalogHolder(source CatalogSource, initial *Catalog) *CatalogHolder {
	h := &CatalogHolder{source: source}
	if initial != nil {
		h.current.Store(initial)
	}
	return h
}

// Current returns the cached snapshot, loading it on first use.
func (h *CatalogHolder) Current(ctx context.Context) (*Catalog, error) {
	if c := h.current.Load(); c != nil {
		return c, nil
	}
	return h.Reload(ctx)
}

// Reload fetches the latest version from the source.
func (h *CatalogHolder) Reload(ctx context.Context) (*Catalog, error) {
	if h.source == nil {
		c := DefaultCatalog()
		h.current.Store(c)
		return c, nil
	}
	c, err := h.source.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("load reference catalog: %w", err)
	}
	c.index()
	h.current.Store(c)
	return c, nil
}

// Set replaces the cached snapshot.
func (h *CatalogHolder) Set(c *Catalog) {
	c.index()
	h.current.Store(c)
}

// resolveParameter fills catalog data into p. Explicit thresholds on p win
// over the catalog as a whole so a supplied range is never mixed with
// catalog bounds. Thresholds an earlier catalog version supplied are not
// explicit: they are replaced from c so a resaved parameter is classified
// against the version the result records.
func resolveParameter(c *Catalog, p TestParameter) (TestParameter, *CatalogEntry) {
	lookup := p.Code
	if lookup == "" {
		lookup = p.Name
	}
	e, ok := c.Lookup(lookup)
	if !ok {
		if p.ValueType == "" {
			if _, numeric := parseNumeric(p.Value); numeric || strings.TrimSpace(p.Value) == "" {
				p.ValueType = ValueNumeric
			} else {
				p.ValueType = ValueText
			}
		}
		return p, nil
	}
	if p.Code == "" {
		p.Code = e.Code
	}
	if p.Name == "" {
		p.Name = e.Name
	}
	if p.Unit == "" {
		p.Unit = e.Unit
	}
	if p.ValueType == "" {
		p.ValueType = e.ValueType
	}
	fromCatalog := p.RangeVersion != ""
	if fromCatalog || !hasExplicitRange(p) {
		p.NormalMin = e.NormalMin
		p.NormalMax = e.NormalMax
		p.CriticalLow = e.CriticalLow
		p.CriticalHigh = e.CriticalHigh
		p.RangeVersion = c.Version
	}
	if fromCatalog || len(p.AllowedValues) == 0 {
		p.AllowedValues = e.AllowedValues
	}
	return p, e
}

func hasExplicitRange(p TestParameter) bool {
	return p.NormalMin != nil || p.NormalMax != nil || p.CriticalLow != nil || p.CriticalHigh != nil
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

// DefaultCatalog is used until a catalog version has been published.
func DefaultCatalog() *Catalog {
	c := &Catalog{
		Version: "builtin-1",
		Entries: []CatalogEntry{
			{Code: "WBC", Name: "White blood cells", Unit: "10^3/uL", ValueType: ValueNumeric,
				NormalMin: dec("4.5"), NormalMax: dec("11.0"), CriticalLow: dec("2.0"), CriticalHigh: dec("30.0")},
			{Code: "HGB", Name: "Hemoglobin", Unit: "g/dL", ValueType: ValueNumeric,
				NormalMin: dec("12.0"), NormalMax: dec("17.5"), CriticalLow: dec("7.0"), CriticalHigh: dec("20.0")},
			{Code: "PLT", Name: "Platelets", Unit: "10^3/uL", ValueType: ValueNumeric,
				NormalMin: dec("150"), NormalMax: dec("450"), CriticalLow: dec("50"), CriticalHigh: dec("1000")},
			{Code: "NA", Name: "Sodium", Unit: "mmol/L", ValueType: ValueNumeric,
				NormalMin: dec("135"), NormalMax: dec("145"), CriticalLow: dec("120"), CriticalHigh: dec("160")},
			{Code: "K", Name: "Potassium", Unit: "mmol/L", ValueType: ValueNumeric,
				NormalMin: dec("3.5"), NormalMax: dec("5.5"), CriticalLow: dec("2.5"), CriticalHigh: dec("6.5")},
			{Code: "GLU", Name: "Glucose", Unit: "mg/dL", ValueType: ValueNumeric,
				NormalMin: dec("70"), NormalMax: dec("100"), CriticalLow: dec("40"), CriticalHigh: dec("500")},
			{Code: "CREA", Name: "Creatinine", Unit: "mg/dL", ValueType: ValueNumeric,
				NormalMin: dec("0.6"), NormalMax: dec("1.2"), CriticalHigh: dec("10.0")},
			{Code: "TROP", Name: "Troponin I", Unit: "ng/mL", ValueType: ValueNumeric,
				NormalMax: dec("0.04"), CriticalHigh: dec("0.4")},
			{Code: "INR", Name: "INR", ValueType: ValueNumeric,
				NormalMin: dec("0.8"), NormalMax: dec("1.2"), CriticalHigh: dec("5.0")},
			{Code: "UCOL", Name: "Urine color", ValueType: ValueText,
				AllowedValues: []string{"yellow", "pale yellow", "amber", "straw"}},
			{Code: "BCULT", Name: "Blood culture", ValueType: ValueText},
		},
	}
	c.index()
	return c
}
