package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// RoomIDRegex validates room ID format
	RoomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// AttributeKeyRegex validates stream attribute keys
	AttributeKeyRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.-]*$`)
)

const (
	maxAttributes       = 32
	maxAttributeKeyLen  = 64
	maxAttributeValLen  = 1024
	maxClientNameLength = 128
)

// ValidateRoomID validates room ID
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room ID is required")
	}
	if len(roomID) > 100 {
		return fmt.Errorf("room ID is too long (max 100 characters)")
	}
	if !RoomIDRegex.MatchString(roomID) {
		return fmt.Errorf("room ID contains invalid characters")
	}
	return nil
}

// ValidateClientName validates the display name sent with the join token.
func ValidateClientName(name string) error {
	if err := ValidateNonEmptyString(name, "name"); err != nil {
		return err
	}
	return ValidateStringLength(name, 1, maxClientNameLength, "name")
}

// ValidateSignalURL validates the signaling endpoint
func ValidateSignalURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be ws or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// Resolution is a width x height pair in pixels.
type Resolution struct {
	Width  int
	Height int
}

// IsZero reports whether no resolution was requested.
func (r Resolution) IsZero() bool {
	return r.Width == 0 && r.Height == 0
}

// ValidateResolution checks that res lies inside the [min, max] envelope.
// A zero envelope bound is treated as unbounded on that side.
func ValidateResolution(res, min, max Resolution) error {
	if res.IsZero() {
		return nil
	}
	if res.Width <= 0 || res.Height <= 0 {
		return fmt.Errorf("resolution %dx%d must be positive", res.Width, res.Height)
	}
	if !min.IsZero() && (res.Width < min.Width || res.Height < min.Height) {
		return fmt.Errorf("resolution %dx%d is below the minimum %dx%d", res.Width, res.Height, min.Width, min.Height)
	}
	if !max.IsZero() && (res.Width > max.Width || res.Height > max.Height) {
		return fmt.Errorf("resolution %dx%d exceeds the maximum %dx%d", res.Width, res.Height, max.Width, max.Height)
	}
	return nil
}

// ValidateBandwidth validates a kbps bandwidth pair.
func ValidateBandwidth(minKbps, maxKbps int) error {
	if minKbps < 0 || maxKbps < 0 {
		return fmt.Errorf("bandwidth must be >= 0")
	}
	if maxKbps > 0 && minKbps > maxKbps {
		return fmt.Errorf("min bandwidth %d exceeds max bandwidth %d", minKbps, maxKbps)
	}
	return nil
}

// ValidateAttributes validates stream attributes.
func ValidateAttributes(attrs map[string]string) error {
	if len(attrs) > maxAttributes {
		return fmt.Errorf("too many attributes (max %d)", maxAttributes)
	}
	for k, v := range attrs {
		if len(k) > maxAttributeKeyLen || !AttributeKeyRegex.MatchString(k) {
			return fmt.Errorf("invalid attribute key %q", k)
		}
		if len(v) > maxAttributeValLen {
			return fmt.Errorf("attribute %q value is too long (max %d)", k, maxAttributeValLen)
		}
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
