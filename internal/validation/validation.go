// Package validation provides input validation helpers and middleware for
// the HTTP boundary.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// CallerHeader carries the address a ledger mutation is performed as.
const CallerHeader = "X-Caller-Address"

// callerKey is the gin context key CallerMiddleware stores the address under.
const callerKey = "callerAddr"

var hash32Regex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress reports whether addr is a 0x-prefixed 20-byte hex address.
func IsValidEthAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// IsZeroAddress reports whether addr is the all-zero address.
func IsZeroAddress(addr string) bool {
	return common.HexToAddress(addr) == (common.Address{})
}

// IsValidHash reports whether s is a 0x-prefixed 32-byte hex value.
func IsValidHash(s string) bool {
	return hash32Regex.MatchString(s)
}

// IsZeroHash reports whether s decodes to the all-zero 32-byte hash.
func IsZeroHash(s string) bool {
	return common.HexToHash(s) == (common.Hash{})
}

// NormalizeAddress lowercases an address and ensures the 0x prefix.
func NormalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}
	return addr
}

// SanitizeString trims whitespace, strips null bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// CallerMiddleware requires a valid X-Caller-Address header and stores the
// normalized address for CallerAddress.
func CallerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := strings.TrimSpace(c.GetHeader(CallerHeader))
		if addr == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "missing_caller",
				"message": CallerHeader + " header is required",
			})
			return
		}
		if !IsValidEthAddress(addr) || IsZeroAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": CallerHeader + " must be a valid Ethereum address (0x + 40 hex chars)",
			})
			return
		}
		c.Set(callerKey, NormalizeAddress(addr))
		c.Next()
	}
}

// CallerAddress returns the address set by CallerMiddleware.
func CallerAddress(c *gin.Context) string {
	return c.GetString(callerKey)
}

// AddressParamMiddleware validates the :address URL parameter on routes that use it.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr != "" && !IsValidEthAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks if a field is a valid Ethereum address
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// ValidHash checks if a field is a 0x-prefixed 32-byte hex value.
func ValidHash(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidHash(value) {
			return &ValidationError{Field: field, Message: "must be a 32-byte hex value (0x + 64 hex chars)"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}
