package auth

import "testing"

func TestGenerateTokenIsUniqueAndHexEncoded(t *testing.T) {
	s := NewService()

	a, err := s.GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	b, err := s.GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	if a == b {
		t.Fatal("expected two distinct tokens")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex characters, got %d", len(a))
	}
}
