package laboratory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type catalogFile struct {
	Version     string             `mapstructure:"version"`
	PublishedAt string             `mapstructure:"published_at"`
	Entries     []catalogFileEntry `mapstructure:"entries"`
}

// Thresholds are strings so YAML numbers keep their written precision.
type catalogFileEntry struct {
	Code          string   `mapstructure:"code"`
	Name          string   `mapstructure:"name"`
	Unit          string   `mapstructure:"unit"`
	ValueType     string   `mapstructure:"value_type"`
	NormalMin     string   `mapstructure:"normal_min"`
	NormalMax     string   `mapstructure:"normal_max"`
	CriticalLow   string   `mapstructure:"critical_low"`
	CriticalHigh  string   `mapstructure:"critical_high"`
	AllowedValues []string `mapstructure:"allowed_values"`
	Required      bool     `mapstructure:"required"`
}

// LoadCatalogFile reads a reference catalog from a YAML, JSON or TOML file.
//
//	version: "2024-06"
//	entries:
//	  - code: K
//	    name: Potassium
//	    unit: mmol/L
//	    value_type: numeric
//	    normal_min: "3.5"
//	    normal_max: "5.5"
//	    critical_low: "2.5"
//	    critical_high: "6.5"
func LoadCatalogFile(path string) (*Catalog, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read catalog file %s: %w", path, err)
	}
	var f catalogFile
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("decode catalog file %s: %w", path, err)
	}

	publishedAt := time.Time{}
	if f.PublishedAt != "" {
		t, err := time.Parse(time.RFC3339, f.PublishedAt)
		if err != nil {
			return nil, validationf("catalog", "published_at: %v", err)
		}
		publishedAt = t.UTC()
	} else if info, err := os.Stat(path); err == nil {
		publishedAt = info.ModTime().UTC()
	}

	entries := make([]CatalogEntry, 0, len(f.Entries))
	for i, fe := range f.Entries {
		e := CatalogEntry{
			Code:          strings.ToUpper(strings.TrimSpace(fe.Code)),
			Name:          strings.TrimSpace(fe.Name),
			Unit:          strings.TrimSpace(fe.Unit),
			ValueType:     ValueType(strings.ToLower(strings.TrimSpace(fe.ValueType))),
			AllowedValues: fe.AllowedValues,
			Required:      fe.Required,
		}
		if e.ValueType == "" {
			e.ValueType = ValueNumeric
		}
		var err error
		for _, b := range []struct {
			name string
			raw  string
			dst  **decimal.Decimal
		}{
			{"normal_min", fe.NormalMin, &e.NormalMin},
			{"normal_max", fe.NormalMax, &e.NormalMax},
			{"critical_low", fe.CriticalLow, &e.CriticalLow},
			{"critical_high", fe.CriticalHigh, &e.CriticalHigh},
		} {
			if *b.dst, err = parseThreshold(b.raw); err != nil {
				return nil, validationf("catalog", "entry %d (%s) %s: %v", i+1, e.Code, b.name, err)
			}
		}
		entries = append(entries, e)
	}
	return NewCatalog(strings.TrimSpace(f.Version), publishedAt, entries)
}

func parseThreshold(raw string) (*decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// FileCatalogSource serves the catalog from a file, re-reading it on every
// reload.
type FileCatalogSource struct {
	Path string
}

func (f FileCatalogSource) Current(_ context.Context) (*Catalog, error) {
	return LoadCatalogFile(f.Path)
}
