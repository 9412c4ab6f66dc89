package profile

import (
	"regexp"
	"strings"
)

const (
	ReasonAllowed       = "allowed"
	ReasonLowConfidence = "low_confidence"
	ReasonSensitiveData = "sensitive_data"
	ReasonEmptyValue    = "empty_value"
	ReasonEmptyKey      = "empty_key"
	ReasonValueTooLong  = "value_too_long"
)

const maxFactValueLen = 260

var (
	sensitiveRegex = regexp.MustCompile(`(?i)(api[_ -]?key|password|secret|token|private key|ssh-rsa|-----BEGIN|sk-[A-Za-z0-9]{12,}|ghp_[A-Za-z0-9]{20,})`)
	keyCleanRegex  = regexp.MustCompile(`[^a-z0-9.]+`)
)

// Gate decides which extracted candidates may enter a profile.
type Gate struct {
	MinConfidence float64
}

// Evaluate returns whether cand passes and the reason code.
func (g Gate) Evaluate(cand Candidate) (bool, string) {
	if NormalizeKey(cand.Key) == "" {
		return false, ReasonEmptyKey
	}
	value := strings.TrimSpace(cand.Value)
	if value == "" {
		return false, ReasonEmptyValue
	}
	if clampConfidence(cand.Confidence) < g.MinConfidence {
		return false, ReasonLowConfidence
	}
	if sensitiveRegex.MatchString(value) {
		return false, ReasonSensitiveData
	}
	if len(value) > maxFactValueLen {
		return false, ReasonValueTooLong
	}
	return true, ReasonAllowed
}

// NormalizeKey lowercases a fact key and folds separators to underscores,
// keeping dots as namespace separators.
func NormalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	key = keyCleanRegex.ReplaceAllString(key, "_")
	return strings.Trim(key, "_.")
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
