package cmd

import (
	"testing"

	"github.com/wegman-software/golt/internal/tiles"
)

func TestParseTile(t *testing.T) {
	tests := []struct {
		in      string
		want    tiles.ID
		wantErr bool
	}{
		{"purgatory", tiles.PurgatoryTile, false},
		{"20/10", 40980, false},
		{"12/20/10", 40980, false},
		{"11/20/10", 0, true},
		{"20", 0, true},
		{"x/10", 0, true},
		{"4096/0", 0, true},
		{"-1/0", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTile(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseTile(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("parseTile(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}
