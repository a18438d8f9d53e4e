package netutil

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		literal string
		version Version
		scope   Scope
	}{
		{"10.0.0.1", V4, Private},
		{"172.20.1.1", V4, Private},
		{"192.168.0.1", V4, Private},
		{"127.0.0.1", V4, Private},
		{"169.254.0.1", V4, Private},
		{"100.64.0.1", V4, Private},
		{"8.8.8.8", V4, Public},
		{"1.1.1.1", V4, Public},
		{"::1", V6, Private},
		{"fd00::1", V6, Private},
		{"fe80::1", V6, Private},
		{"2001:db8::1", V6, Public},
	}

	for _, tt := range tests {
		version, scope, err := Classify(tt.literal)
		if err != nil {
			t.Fatalf("Classify(%q) failed: %v", tt.literal, err)
		}
		if version != tt.version {
			t.Errorf("Classify(%q) version = %s, want %s", tt.literal, version, tt.version)
		}
		if scope != tt.scope {
			t.Errorf("Classify(%q) scope = %s, want %s", tt.literal, scope, tt.scope)
		}
	}
}

func TestClassifyInvalid(t *testing.T) {
	for _, literal := range []string{"", "not-an-ip", "999.1.1.1"} {
		if _, _, err := Classify(literal); err == nil {
			t.Errorf("Classify(%q) expected error", literal)
		}
	}
}
