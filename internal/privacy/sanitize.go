package privacy

import "strings"

// SanitizeText strips sensitive data patterns out of free text before it
// is logged, persisted, or handed to an external capability. Detection
// reuses the OCR text pattern table minus the label-only entries.
func SanitizeText(text string) string {
	for _, p := range textPatterns {
		if p.Label {
			continue
		}
		text = p.Pattern.ReplaceAllString(text, "[REDACTED:"+string(p.Category)+"]")
	}
	return text
}

// IsSensitiveField reports whether a field name suggests its value is a
// credential or other secret.
func IsSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range sensitiveFieldKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// MaskValue obscures a value for display or storage: sensitive fields
// keep only their length, everything else passes through sanitization.
func MaskValue(field, value string) string {
	if value == "" {
		return value
	}
	if IsSensitiveField(field) {
		return strings.Repeat("*", len(value))
	}
	return SanitizeText(value)
}
