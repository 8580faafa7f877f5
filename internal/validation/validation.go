// Package validation checks request input before it reaches the services.
package validation

import (
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// Request limits.
const (
	MaxRequestSize    = 64 << 10 // body bytes
	MaxIdentityLength = 128      // party identity bytes
	MaxStringLength   = 1000     // free-form text bytes
)

// RequestSizeMiddleware caps request bodies at maxSize bytes. Reads past the
// cap fail, which the JSON binders report as a bad request.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidIdentity reports whether s can name a party: 1 to MaxIdentityLength
// bytes of printable, non-space runes.
func IsValidIdentity(s string) bool {
	if len(s) == 0 || len(s) > MaxIdentityLength || !utf8.ValidString(s) {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || !unicode.IsPrint(r)
	}) < 0
}

// SanitizeString trims s, drops NUL bytes and cuts it to at most maxLen
// bytes without splitting a rune.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// ValidationError is a failed check on one field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects every failed check of a request.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Rule checks one field, returning nil when it passes.
type Rule func() *ValidationError

// Validate runs every rule and returns the failures, or nil.
func Validate(rules ...Rule) ValidationErrors {
	var errs ValidationErrors
	for _, rule := range rules {
		if fe := rule(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

func fail(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

// Required rejects blank values.
func Required(field, value string) Rule {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return fail(field, "is required")
		}
		return nil
	}
}

// ValidIdentity rejects malformed identities. An empty value passes; pair
// it with Required when the field is mandatory.
func ValidIdentity(field, value string) Rule {
	return func() *ValidationError {
		if value != "" && !IsValidIdentity(value) {
			return fail(field, "must be a printable identity without whitespace")
		}
		return nil
	}
}

// MaxLength rejects values longer than limit bytes.
func MaxLength(field, value string, limit int) Rule {
	return func() *ValidationError {
		if len(value) > limit {
			return fail(field, "exceeds maximum length")
		}
		return nil
	}
}

// PartyParamMiddleware answers 400 for a malformed :address path parameter.
func PartyParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if addr := c.Param("address"); addr != "" && !IsValidIdentity(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a printable identity without whitespace",
			})
			return
		}
		c.Next()
	}
}
