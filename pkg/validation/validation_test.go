package validation

import (
	"strings"
	"testing"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{"loopback", "127.0.0.1:7420", false},
		{"any host", ":9464", false},
		{"hostname", "localhost:6379", false},
		{"ipv6", "[::1]:7420", false},
		{"empty", "", true},
		{"missing port", "127.0.0.1", true},
		{"bad port", "127.0.0.1:http", true},
		{"port out of range", "127.0.0.1:70000", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.addr, "addr")
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAddress() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"http", "http://localhost:14268/api/traces", false},
		{"ws", "ws://127.0.0.1:7420/ipc", false},
		{"empty", "", true},
		{"bad scheme", "ftp://example.com", true},
		{"no host", "http://", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePath(t *testing.T) {
	if err := ValidatePath("/ipc", "path"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for _, p := range []string{"ipc", "/ipc?x=1", "/a b"} {
		if err := ValidatePath(p, "path"); err == nil {
			t.Errorf("ValidatePath(%q) expected error", p)
		}
	}
}

func TestValidateChannel(t *testing.T) {
	if err := ValidateChannel("vcam:events"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateChannel(""); err == nil {
		t.Error("expected error for empty channel")
	}
	if err := ValidateChannel("vcam events"); err == nil {
		t.Error("expected error for channel with space")
	}
}

func TestValidateRole(t *testing.T) {
	tests := []struct {
		role    string
		wantErr bool
	}{
		{"host", false},
		{"operator", false},
		{"read_only", false},
		{"", true},
		{"Host", true},
		{"9lives", true},
		{strings.Repeat("a", 33), true},
	}

	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			err := ValidateRole(tt.role)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRole(%q) error = %v, wantErr %v", tt.role, err, tt.wantErr)
			}
		})
	}
}

func TestValidateDeviceName(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"valid", "Virtual Camera", false},
		{"empty", "", true},
		{"whitespace", "   ", true},
		{"too long", strings.Repeat("a", 129), true},
		{"invalid utf8", string([]byte{0xff, 0xfe}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDeviceName(tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDeviceName() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateStringLength(t *testing.T) {
	if err := ValidateStringLength("abc", 1, 3, "field"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateStringLength("", 1, 3, "field"); err == nil {
		t.Error("expected error for short string")
	}
	if err := ValidateStringLength("abcd", 1, 3, "field"); err == nil {
		t.Error("expected error for long string")
	}
}
