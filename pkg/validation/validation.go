package validation

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	// ChannelRegex validates Redis channel and key prefixes.
	ChannelRegex = regexp.MustCompile(`^[a-zA-Z0-9:_.-]+$`)

	// RoleRegex validates token role names.
	RoleRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
)

// ValidateAddress checks a host:port listen or dial address.
func ValidateAddress(addr, fieldName string) error {
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%s: invalid address %q: %w", fieldName, addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("%s: invalid port %q", fieldName, port)
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidatePath checks an HTTP route path.
func ValidatePath(path, fieldName string) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("%s must start with /", fieldName)
	}
	if strings.ContainsAny(path, " ?#") {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}
	return nil
}

// ValidateChannel checks a Redis channel name.
func ValidateChannel(channel string) error {
	if channel == "" {
		return fmt.Errorf("channel is required")
	}
	if !ChannelRegex.MatchString(channel) {
		return fmt.Errorf("channel contains invalid characters (only letters, numbers, :, _, ., - allowed)")
	}
	return nil
}

// ValidateRole checks a token role name.
func ValidateRole(role string) error {
	if err := ValidateStringLength(role, 1, 32, "role"); err != nil {
		return err
	}
	if !RoleRegex.MatchString(role) {
		return fmt.Errorf("role must be lowercase letters, numbers, _ or -")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}

// ValidateDeviceName checks a device display name.
func ValidateDeviceName(name string) error {
	if err := ValidateNonEmptyString(name, "device name"); err != nil {
		return err
	}
	if err := ValidateStringLength(name, 1, 128, "device name"); err != nil {
		return err
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("device name contains invalid characters")
	}
	return nil
}
