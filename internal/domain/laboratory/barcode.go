package laboratory

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// DefaultBarcodePrefix is stamped on every sample label.
const DefaultBarcodePrefix = "LIS"

// maxBarcodeAttempts bounds retries when a generated barcode collides.
const maxBarcodeAttempts = 3

// BarcodeGenerator produces sample barcodes of the form PREFIX + yyMMdd + 8 hex chars.
type BarcodeGenerator struct {
	prefix string
	random func([]byte) (int, error)
}

// NewBarcodeGenerator uses prefix, or DefaultBarcodePrefix when empty.
func NewBarcodeGenerator(prefix string) *BarcodeGenerator {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = DefaultBarcodePrefix
	}
	return &BarcodeGenerator{prefix: prefix, random: rand.Read}
}

// Next returns a new barcode for a sample collected at t.
func (g *BarcodeGenerator) Next(t time.Time) (string, error) {
	b := make([]byte, 4)
	if _, err := g.random(b); err != nil {
		return "", fmt.Errorf("generate barcode: %w", err)
	}
	return g.prefix + t.UTC().Format("060102") + strings.ToUpper(hex.EncodeToString(b)), nil
}
