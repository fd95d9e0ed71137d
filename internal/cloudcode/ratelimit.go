package cloudcode

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kestrelix/antigravity-relay/internal/clock"
	"github.com/kestrelix/antigravity-relay/internal/utils"
)

// RateLimitReason classifies why the upstream refused the request.
type RateLimitReason string

const (
	ReasonRateLimitExceeded      RateLimitReason = "RATE_LIMIT_EXCEEDED"
	ReasonQuotaExhausted         RateLimitReason = "QUOTA_EXHAUSTED"
	ReasonModelCapacityExhausted RateLimitReason = "MODEL_CAPACITY_EXHAUSTED"
	ReasonServerError            RateLimitReason = "SERVER_ERROR"
	ReasonUnknown                RateLimitReason = "UNKNOWN"
)

var (
	quotaDelayRe     = regexp.MustCompile(`(?i)quotaResetDelay[:\s"]+(\d+(?:\.\d+)?)(ms|s)`)
	quotaTimestampRe = regexp.MustCompile(`(?i)quotaResetTimeStamp[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
	retrySecondsRe   = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+([\d.]+)(?:s\b|s")`)
	retryMsRe        = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+(\d+)(?:\s*ms)?(?:\s|$|[,;}\]])`)
	retryAfterSecRe  = regexp.MustCompile(`(?i)retry\s+(?:after\s+)?(\d+)\s*(?:sec|s\b)`)
	durationRe       = regexp.MustCompile(`(?i)(\d+)h(\d+)m(\d+)s|(\d+)m(\d+)s|(\d+)s`)
	isoTimestampRe   = regexp.MustCompile(`(?i)reset[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
)

// RateLimitParser extracts reset times and reasons from 429 responses.
type RateLimitParser struct {
	clock clock.Clock
}

// NewRateLimitParser creates a parser on the given clock.
func NewRateLimitParser(clk clock.Clock) *RateLimitParser {
	return &RateLimitParser{clock: clk}
}

// ParseResetTime extracts the reset delay in milliseconds from headers or
// the error body. Returns -1 when nothing parseable is found.
func (p *RateLimitParser) ParseResetTime(headers http.Header, errorText string) int64 {
	var resetMs int64 = -1
	now := p.clock.Now()

	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			resetMs = int64(seconds) * 1000
			utils.Debug("[CloudCode] Retry-After header: %ds", seconds)
		} else if t, err := time.Parse(time.RFC1123, retryAfter); err == nil {
			resetMs = t.Sub(now).Milliseconds()
			if resetMs > 0 {
				utils.Debug("[CloudCode] Retry-After date: %s", retryAfter)
			} else {
				resetMs = -1
			}
		}
	}

	// x-ratelimit-reset is a unix timestamp in seconds.
	if resetMs < 0 {
		if raw := headers.Get("x-ratelimit-reset"); raw != "" {
			if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
				resetMs = ts*1000 - now.UnixMilli()
				if resetMs <= 0 {
					resetMs = -1
				}
			}
		}
	}

	if resetMs < 0 {
		if raw := headers.Get("x-ratelimit-reset-after"); raw != "" {
			if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
				resetMs = int64(seconds) * 1000
			}
		}
	}

	if resetMs < 0 && errorText != "" {
		resetMs = p.parseBody(errorText, now)
	}

	if resetMs >= 0 {
		if resetMs == 0 {
			resetMs = 500
		} else if resetMs < 500 {
			// Short resets get a buffer for network latency.
			resetMs += 200
		}
	}
	return resetMs
}

func (p *RateLimitParser) parseBody(msg string, now time.Time) int64 {
	// Structured bodies carry RetryInfo in error.details.
	if gjson.Valid(msg) {
		var retryDelay string
		gjson.Get(msg, "error.details").ForEach(func(_, detail gjson.Result) bool {
			if strings.HasSuffix(detail.Get("@type").String(), "RetryInfo") {
				retryDelay = detail.Get("retryDelay").String()
				return false
			}
			return true
		})
		if retryDelay != "" {
			if d, err := time.ParseDuration(retryDelay); err == nil && d > 0 {
				utils.Debug("[CloudCode] Parsed RetryInfo delay: %s", retryDelay)
				return d.Milliseconds()
			}
		}
	}

	if match := quotaDelayRe.FindStringSubmatch(msg); match != nil {
		value, _ := strconv.ParseFloat(match[1], 64)
		if strings.EqualFold(match[2], "s") {
			return int64(value * 1000)
		}
		return int64(value)
	}

	if match := quotaTimestampRe.FindStringSubmatch(msg); match != nil {
		if t, err := time.Parse(time.RFC3339, match[1]); err == nil {
			return t.Sub(now).Milliseconds()
		}
	}

	if match := retrySecondsRe.FindStringSubmatch(msg); match != nil {
		value, _ := strconv.ParseFloat(match[1], 64)
		return int64(value * 1000)
	}

	if match := retryMsRe.FindStringSubmatch(msg); match != nil {
		ms, _ := strconv.ParseInt(match[1], 10, 64)
		return ms
	}

	if match := retryAfterSecRe.FindStringSubmatch(msg); match != nil {
		seconds, _ := strconv.ParseInt(match[1], 10, 64)
		return seconds * 1000
	}

	if match := durationRe.FindStringSubmatch(msg); match != nil {
		var resetMs int64
		switch {
		case match[1] != "":
			hours, _ := strconv.Atoi(match[1])
			minutes, _ := strconv.Atoi(match[2])
			seconds, _ := strconv.Atoi(match[3])
			resetMs = int64((hours*3600 + minutes*60 + seconds) * 1000)
		case match[4] != "":
			minutes, _ := strconv.Atoi(match[4])
			seconds, _ := strconv.Atoi(match[5])
			resetMs = int64((minutes*60 + seconds) * 1000)
		case match[6] != "":
			seconds, _ := strconv.Atoi(match[6])
			resetMs = int64(seconds * 1000)
		}
		if resetMs > 0 {
			return resetMs
		}
		return -1
	}

	if match := isoTimestampRe.FindStringSubmatch(msg); match != nil {
		if t, err := time.Parse(time.RFC3339, match[1]); err == nil {
			if ms := t.Sub(now).Milliseconds(); ms > 0 {
				return ms
			}
		}
	}

	return -1
}

// ParseRateLimitReason classifies the refusal from the status code and body.
func ParseRateLimitReason(errorText string, status int) RateLimitReason {
	if status == 529 || status == 503 {
		return ReasonModelCapacityExhausted
	}
	if status == 500 {
		return ReasonServerError
	}

	lower := strings.ToLower(errorText)

	if utils.ContainsAny(lower, []string{
		"quota_exhausted", "quotaresetdelay", "quotaresettimestamp",
		"resource_exhausted", "daily limit", "quota exceeded",
	}) {
		return ReasonQuotaExhausted
	}

	if utils.ContainsAny(lower, []string{
		"model_capacity_exhausted", "capacity_exhausted",
		"model is currently overloaded", "service temporarily unavailable",
	}) {
		return ReasonModelCapacityExhausted
	}

	if utils.ContainsAny(lower, []string{
		"rate_limit_exceeded", "rate limit", "too many requests", "throttl",
	}) {
		return ReasonRateLimitExceeded
	}

	if utils.ContainsAny(lower, []string{
		"internal server error", "server error", "503", "502", "504",
	}) {
		return ReasonServerError
	}

	return ReasonUnknown
}
