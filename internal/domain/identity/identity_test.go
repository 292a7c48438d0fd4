package identity

import (
	"errors"
	"testing"
)

func TestValidateLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		label string
		ok    bool
	}{
		{"alice", true},
		{"Jane Doe", true},
		{"user_01.b-2", true},
		{"", false},
		{"../etc", false},
		{"a/b", false},
		{".hidden", false},
		{"unknown", false},
	}
	for _, tt := range tests {
		err := ValidateLabel(tt.label)
		if tt.ok && err != nil {
			t.Errorf("ValidateLabel(%q) = %v", tt.label, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidLabel) {
			t.Errorf("ValidateLabel(%q) = %v, want ErrInvalidLabel", tt.label, err)
		}
	}
}

func TestPasswordHash(t *testing.T) {
	t.Parallel()

	hash, err := HashPassword("12345")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if ok, err := VerifyPasswordHash("12345", hash); err != nil || !ok {
		t.Errorf("VerifyPasswordHash(correct) = %v, %v", ok, err)
	}
	if ok, err := VerifyPasswordHash("54321", hash); err != nil || ok {
		t.Errorf("VerifyPasswordHash(wrong) = %v, %v", ok, err)
	}
	if _, err := VerifyPasswordHash("12345", "plain"); !errors.Is(err, ErrUnknownHashType) {
		t.Errorf("plain hash error = %v, want ErrUnknownHashType", err)
	}
	if _, err := VerifyPasswordHash("12345", "$argon2id$v=19$m=0,t=0,p=0$AAAA$AAAA"); err == nil {
		t.Error("expected error for malformed parameters")
	}
}
