package logging

import (
	"regexp"
	"strings"
)

// RedactedPlaceholder replaces sensitive data in log output.
const RedactedPlaceholder = "[REDACTED]"

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`hf_[a-zA-Z0-9]{20,}`),                         // Hugging Face user tokens
	regexp.MustCompile(`api_[a-zA-Z0-9]{30,}`),                        // Hugging Face org tokens
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._-]{8,}`),             // Authorization headers
	regexp.MustCompile(`(?i)(token|secret|password)\s*[:=]\s*[^\s,;&]{8,}`),
	regexp.MustCompile(`(?i)(api_key|apikey)\s*[:=]\s*[^\s,;&]{8,}`),
}

// Field names containing any of these (case-insensitive) are always redacted.
var sensitiveFieldNames = []string{
	"HF_TOKEN",
	"TOKEN",
	"AUTHORIZATION",
	"PASSWORD",
	"SECRET",
	"API_KEY",
	"APIKEY",
}

// RedactSensitiveData replaces every detected secret in value with RedactedPlaceholder.
func RedactSensitiveData(value string) string {
	if value == "" {
		return value
	}
	result := value
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllString(result, RedactedPlaceholder)
	}
	return result
}

// IsSensitiveField reports whether a field name denotes a secret.
func IsSensitiveField(fieldName string) bool {
	upper := strings.ToUpper(fieldName)
	for _, name := range sensitiveFieldNames {
		if strings.Contains(upper, name) {
			return true
		}
	}
	return false
}

// ContainsSensitiveData reports whether any secret pattern matches value.
func ContainsSensitiveData(value string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(value) {
			return true
		}
	}
	return false
}
