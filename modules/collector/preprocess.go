package collector

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hindsightlabs/hindsight/pkg/model"
)

const (
	redactedValue   = "[REDACTED]"
	truncatedSuffix = " ... [TRUNCATED]"

	// maxStringBytes bounds string payload values. Longer values keep
	// maxStringBytes-1 bytes plus the truncation suffix.
	maxStringBytes = 1000
)

var sensitiveKeyParts = []string{"password", "token", "secret", "key", "auth"}

// preprocess fills defaults and sanitizes the payload in place.
func preprocess(e *model.Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.CorrelationID == "" {
		e.CorrelationID = e.ID
	}
	if e.Data != nil {
		e.Data = sanitizeMap(e.Data)
	}
}

func sensitiveKey(k string) bool {
	k = strings.ToLower(k)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

func sanitizeMap(m map[string]interface{}) map[string]interface{} {
	for k, v := range m {
		if sensitiveKey(k) {
			m[k] = redactedValue
			continue
		}
		m[k] = sanitizeValue(v)
	}
	return m
}

func sanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return sanitizeMap(val)
	case []interface{}:
		for i := range val {
			val[i] = sanitizeValue(val[i])
		}
		return val
	case string:
		if len(val) > maxStringBytes {
			return val[:maxStringBytes-1] + truncatedSuffix
		}
		return val
	default:
		return v
	}
}
