package helpers

import "strings"

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// DefaultSensitiveHeaders are the header fields whose values carry
// credentials.
var DefaultSensitiveHeaders = []string{"Authorization", "Proxy-Authorization", "Cookie", "Set-Cookie"}

// MaskSensitive redacts the value of a header field for logging when name
// is one of sensitiveHeaders (case-insensitive). For credentials of the
// form "<scheme> <token>" the scheme is kept so traces still show which
// authentication was attempted.
func MaskSensitive(name, value string, sensitiveHeaders ...string) string {
	isSensitive := false
	for _, h := range sensitiveHeaders {
		if strings.EqualFold(name, h) {
			isSensitive = true
			break
		}
	}
	if !isSensitive || strings.TrimSpace(value) == "" {
		return value
	}

	if strings.HasSuffix(strings.ToLower(name), "authorization") {
		if scheme, _, ok := strings.Cut(strings.TrimSpace(value), " "); ok {
			return scheme + " " + RedactedValue
		}
	}
	return RedactedValue
}

// MaskHeaderLine applies MaskSensitive to a raw "Name:Value" line.
func MaskHeaderLine(line string, sensitiveHeaders ...string) string {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return line
	}
	masked := MaskSensitive(strings.TrimSpace(name), value, sensitiveHeaders...)
	if masked == value {
		return line
	}
	return name + ":" + masked
}
