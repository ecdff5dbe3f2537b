package zimi

import "testing"

func TestFoldTitle(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"Water", "water"},
		{"Élan Vital", "elan vital"},
		{"Café au lait", "cafe au lait"},
		{"Großstadt", "großstadt"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := foldTitle(tt.in); got != tt.want {
			t.Errorf("foldTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeQuery(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"  Water   Purification ", "water purification"},
		{"Café\tau\nlait", "cafe au lait"},
		{"   ", ""},
	}
	for _, tt := range tests {
		if got := normalizeQuery(tt.in); got != tt.want {
			t.Errorf("normalizeQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
