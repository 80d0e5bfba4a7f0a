package laboratory

import (
	"errors"
	"regexp"
	"testing"
	"time"
)

var barcodePattern = regexp.MustCompile(`^LIS\d{6}[0-9A-F]{8}$`)

func TestBarcodeGenerator_Next(t *testing.T) {
	g := NewBarcodeGenerator("")
	at := time.Date(2024, 3, 9, 23, 30, 0, 0, time.FixedZone("UTC-5", -5*3600))

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := g.Next(at)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !barcodePattern.MatchString(code) {
			t.Fatalf("unexpected barcode format %q", code)
		}
		if code[3:9] != "240310" {
			t.Fatalf("expected UTC date in barcode, got %q", code)
		}
		if seen[code] {
			t.Fatalf("duplicate barcode %q", code)
		}
		seen[code] = true
	}
}

func TestBarcodeGenerator_Prefix(t *testing.T) {
	g := NewBarcodeGenerator(" sjh ")
	code, err := g.Next(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if code[:9] != "SJH240115" {
		t.Errorf("expected custom prefix, got %q", code)
	}
}

func TestBarcodeGenerator_RandomFailure(t *testing.T) {
	g := &BarcodeGenerator{prefix: "LIS", random: func([]byte) (int, error) { return 0, errors.New("entropy exhausted") }}
	if _, err := g.Next(time.Now()); err == nil {
		t.Error("expected error")
	}
}
