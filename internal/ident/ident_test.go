package ident

import (
	"strings"
	"testing"
)

func TestSafe(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"plain", "bot1", true},
		{"mixed", "User_42.x-y", true},
		{"single zero", "0", true},
		{"empty", "", false},
		{"slash", "a/b", false},
		{"backslash", `a\b`, false},
		{"dotdot", "a..b", false},
		{"bare dotdot", "..", false},
		{"leading dot", ".hidden", false},
		{"space", "a b", false},
		{"colon", "a:b", false},
		{"unicode", "héllo", false},
		{"max length", strings.Repeat("a", MaxLen), true},
		{"over max length", strings.Repeat("a", MaxLen+1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Safe(tt.in); got != tt.want {
				t.Errorf("Safe(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestCheck(t *testing.T) {
	if err := Check("botId", "bot1"); err != nil {
		t.Fatalf("Check valid: %v", err)
	}
	err := Check("botId", "../etc")
	if err == nil {
		t.Fatal("Check should reject traversal")
	}
	if !strings.Contains(err.Error(), "botId") {
		t.Errorf("error should name the field: %v", err)
	}
}
