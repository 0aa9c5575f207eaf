package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ssd-technologies/kairo/internal/governance"
)

func TestSocketURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/api/mesh/ws"},
		{"https://seed.example.net/", "wss://seed.example.net/api/mesh/ws"},
		{"http://10.0.0.1:8080/kairo", "ws://10.0.0.1:8080/kairo/api/mesh/ws"},
	}
	for _, tt := range tests {
		got, err := socketURL(tt.base)
		if err != nil {
			t.Fatalf("socketURL(%q): %v", tt.base, err)
		}
		if got != tt.want {
			t.Errorf("socketURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestPackageFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "override.json")
	pkg, err := readPackage(path)
	if err != nil || pkg != nil {
		t.Fatalf("missing package = %v, %v", pkg, err)
	}

	want := &governance.OverridePackage{
		Payload: governance.ReissueRequest{OldAgentID: "0011223344556677", NewPublicKey: "ab", Timestamp: time.Now().Unix()},
		Signatures: []governance.Signature{
			{SignatoryID: "auditor-1", Role: governance.RoleHumanAuditor, Signature: "cd"},
		},
	}
	if err := writePackage(path, want); err != nil {
		t.Fatalf("writePackage: %v", err)
	}
	got, err := readPackage(path)
	if err != nil {
		t.Fatalf("readPackage: %v", err)
	}
	if got.Payload != want.Payload || len(got.Signatures) != 1 || got.Signatures[0] != want.Signatures[0] {
		t.Errorf("package = %+v", got)
	}
}
