package llms

import (
	"regexp"
	"strconv"
	"strings"
)

// Error kinds, ordered by classification priority.
const (
	ErrKindRateLimit       = "rate_limit"
	ErrKindContextOverflow = "context_overflow"
	ErrKindAuth            = "auth_error"
	ErrKindUnknown         = "unknown"
)

// ErrorMeta is the structured classification of a provider error.
type ErrorMeta struct {
	Kind         string `json:"error_type"`
	StatusCode   int    `json:"status_code"`
	Model        string `json:"model"`
	ProviderType string `json:"provider_type,omitempty"`

	// rate_limit
	RateLimit        string `json:"rate_limit,omitempty"`
	RateLimitCount   int    `json:"rate_limit_count,omitempty"`
	RateLimitSeconds int    `json:"rate_limit_seconds,omitempty"`
	WaitSeconds      int    `json:"wait_seconds,omitempty"`

	// context_overflow
	MaxContextTokens int `json:"max_context_tokens,omitempty"`
	RequestedTokens  int `json:"requested_tokens,omitempty"`
}

// ProviderError is a provider-level failure carrying its classification.
type ProviderError struct {
	Message    string
	StatusCode int
	Meta       *ErrorMeta
}

func (e *ProviderError) Error() string {
	return e.Message
}

var (
	rateLimitOfPattern  = regexp.MustCompile(`(?i)Rate limit of (\d+) per (\d+)s`)
	ratePerUnitPattern  = regexp.MustCompile(`(?i)(\d+) per (\d+) (second|minute|hour)`)
	waitSecondsPattern  = regexp.MustCompile(`(?i)wait\s+(\d+)\s*seconds?`)
	maxContextPattern   = regexp.MustCompile(`(?i)maximum context length.*?(\d{3,})`)
	maxSizePattern      = regexp.MustCompile(`(?i)Max size:\s*(\d+)\s*tokens`)
	requestedTokPattern = regexp.MustCompile(`(?i)requested\s+(\d+)\s*tokens`)
)

// ParseErrorMeta classifies a provider error from status and body text.
// When multiple classes match, the first of rate_limit, context_overflow,
// auth_error wins.
func ParseErrorMeta(statusCode int, errorText, model, providerType string) *ErrorMeta {
	meta := &ErrorMeta{
		StatusCode:   statusCode,
		Model:        model,
		ProviderType: providerType,
	}

	lower := strings.ToLower(errorText)

	switch {
	case statusCode == 429 || strings.Contains(lower, "rate limit"):
		meta.Kind = ErrKindRateLimit
		if m := rateLimitOfPattern.FindStringSubmatch(errorText); m != nil {
			count, _ := strconv.Atoi(m[1])
			secs, _ := strconv.Atoi(m[2])
			meta.RateLimit = m[1] + " per " + m[2] + "s"
			meta.RateLimitCount = count
			meta.RateLimitSeconds = secs
		} else if m := ratePerUnitPattern.FindStringSubmatch(errorText); m != nil {
			count, _ := strconv.Atoi(m[1])
			n, _ := strconv.Atoi(m[2])
			unit := map[string]int{"second": 1, "minute": 60, "hour": 3600}
			secs := n * unit[strings.ToLower(m[3])]
			meta.RateLimit = m[1] + " per " + strconv.Itoa(secs) + "s"
			meta.RateLimitCount = count
			meta.RateLimitSeconds = secs
		}
		if m := waitSecondsPattern.FindStringSubmatch(errorText); m != nil {
			meta.WaitSeconds, _ = strconv.Atoi(m[1])
		}

	case strings.Contains(lower, "context length") ||
		strings.Contains(lower, "too large") ||
		strings.Contains(lower, "max_tokens"):
		meta.Kind = ErrKindContextOverflow
		if m := maxContextPattern.FindStringSubmatch(errorText); m != nil {
			meta.MaxContextTokens, _ = strconv.Atoi(m[1])
		}
		if m := maxSizePattern.FindStringSubmatch(errorText); m != nil {
			meta.MaxContextTokens, _ = strconv.Atoi(m[1])
		}
		if m := requestedTokPattern.FindStringSubmatch(errorText); m != nil {
			meta.RequestedTokens, _ = strconv.Atoi(m[1])
		}

	case statusCode == 401 || statusCode == 403:
		meta.Kind = ErrKindAuth

	default:
		meta.Kind = ErrKindUnknown
	}

	return meta
}
