package privacy

import (
	"regexp"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// structuralPatterns maps a sensitive category to the CSS selectors that
// identify matching input fields by name, role or autocomplete attributes.
// Order matters only for the category assigned to merged regions.
var structuralPatterns = []struct {
	Category  schemas.SensitiveCategory
	Selectors []string
}{
	{schemas.CategoryPassword, []string{
		`input[type="password"]`,
		`input[autocomplete="current-password"]`,
		`input[autocomplete="new-password"]`,
	}},
	{schemas.CategoryOTP, []string{
		`input[autocomplete="one-time-code"]`,
		`input[name*="otp"]`,
		`input[id*="otp"]`,
		`input[name*="2fa"]`,
	}},
	{schemas.CategoryPIN, []string{
		`input[name*="pin"]`,
		`input[id*="pin"]`,
	}},
	{schemas.CategoryCard, []string{
		`input[autocomplete="cc-number"]`,
		`input[autocomplete="cc-csc"]`,
		`input[name*="card"]`,
		`input[name*="cvv"]`,
	}},
}

// textPatterns matches OCR-extracted text that either is sensitive data
// (card numbers, SSNs) or labels a field that holds it (password, OTP).
var textPatterns = []struct {
	Category schemas.SensitiveCategory
	Pattern  *regexp.Regexp
	// Label regions get an extra region covering the input field that
	// usually sits below or beside the label.
	Label bool
}{
	{schemas.CategoryCard, regexp.MustCompile(`\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}`), false},
	{schemas.CategorySSN, regexp.MustCompile(`\d{3}[-\s]?\d{2}[-\s]?\d{4}`), false},
	{schemas.CategoryEmail, regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`), false},
	{schemas.CategoryPhone, regexp.MustCompile(`\+?\d{1,3}?[-.\s]?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`), false},
	{schemas.CategoryAPIKey, regexp.MustCompile(`(?i)api[_-]?key|secret[_-]?key|bearer\s+[A-Za-z0-9._-]{16,}`), false},
	{schemas.CategoryPassword, regexp.MustCompile(`(?i)password|pwd|passphrase`), true},
	{schemas.CategoryOTP, regexp.MustCompile(`(?i)\botp\b|verification code|\b2fa\b|\bmfa\b`), true},
	{schemas.CategoryPIN, regexp.MustCompile(`(?i)\bpin\b`), true},
	{schemas.CategoryCard, regexp.MustCompile(`(?i)\bcvv\b|\bcvc\b|security code`), true},
}

// sensitiveFieldKeywords flags field names whose values must be masked
// before they reach the memory store.
var sensitiveFieldKeywords = []string{
	"password", "pwd", "pass", "secret",
	"otp", "code", "2fa", "mfa",
	"card", "cvv", "cvc",
	"ssn", "social",
	"pin", "token", "key",
}
