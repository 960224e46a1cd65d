package store

import (
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"empty", "", false},
		{"normal", "Shift Lead", false},
		{"max_length", strings.Repeat("a", 255), false},
		{"too_long", strings.Repeat("a", 256), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%d chars) error = %v, wantErr %v", len(tt.value), err, tt.wantErr)
			}
		})
	}
}

func TestListKindValid(t *testing.T) {
	if !ListRecipients.Valid() || !ListCallTargets.Valid() {
		t.Fatal("known lists must be valid")
	}
	if ListKind("other").Valid() {
		t.Fatal("unknown list reported valid")
	}
}
