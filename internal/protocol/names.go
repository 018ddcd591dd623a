package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// GUIDPrefixLen is the length of the per-router part of a unique name.
const GUIDPrefixLen = 16

// ControllerSuffix is the suffix of every router's controller object.
// Attachments are numbered from FirstAttachmentSuffix.
const (
	ControllerSuffix      = 1
	FirstAttachmentSuffix = 2
)

// ErrBadUniqueName is returned for strings that are not ":<prefix>.<n>".
var ErrBadUniqueName = errors.New("malformed unique name")

// NewGUIDPrefix returns a random 16 character alphanumeric prefix.
func NewGUIDPrefix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:GUIDPrefixLen]
}

// UniqueName formats the unique name of suffix n under prefix.
func UniqueName(prefix string, n uint32) string {
	return ":" + prefix + "." + strconv.FormatUint(uint64(n), 10)
}

// ParseUniqueName splits a unique name into its prefix and suffix. The
// prefix must be GUIDPrefixLen alphanumerics and the suffix a positive
// decimal number.
func ParseUniqueName(name string) (prefix string, n uint32, err error) {
	if !strings.HasPrefix(name, ":") {
		return "", 0, fmt.Errorf("%w: %q lacks the leading colon", ErrBadUniqueName, name)
	}
	prefix, suffix, ok := strings.Cut(name[1:], ".")
	if !ok {
		return "", 0, fmt.Errorf("%w: %q lacks a suffix", ErrBadUniqueName, name)
	}
	if !ValidGUIDPrefix(prefix) {
		return "", 0, fmt.Errorf("%w: %q has a bad prefix", ErrBadUniqueName, name)
	}
	v, err := strconv.ParseUint(suffix, 10, 32)
	if err != nil || v == 0 || suffix[0] == '0' {
		return "", 0, fmt.Errorf("%w: %q has a bad suffix", ErrBadUniqueName, name)
	}
	return prefix, uint32(v), nil
}

// ValidGUIDPrefix reports whether s has the shape of a unique name prefix.
func ValidGUIDPrefix(s string) bool {
	if len(s) != GUIDPrefixLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z') {
			return false
		}
	}
	return true
}

// ControllerName returns the name of the controller object of the router
// that owns name.
func ControllerName(name string) (string, error) {
	prefix, _, err := ParseUniqueName(name)
	if err != nil {
		return "", err
	}
	return UniqueName(prefix, ControllerSuffix), nil
}

// IsUniqueName reports whether name is a unique (as opposed to well-known)
// name.
func IsUniqueName(name string) bool { return strings.HasPrefix(name, ":") }
