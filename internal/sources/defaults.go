package sources

import "time"

// Source keys for the fixed provider set.
const (
	KeyFred      = "fred"
	KeyBls       = "bls"
	KeyCensus    = "census"
	KeyWorldBank = "world_bank"
	KeySecEdgar  = "sec_edgar"
)

// Defaults returns the built-in provider set with published rate ceilings.
// Sources without provider-specific needs inherit the engine's default
// timeout and retry budget; operators override any of it through the
// configuration surface, and edits take effect on the next scheduler tick.
func Defaults(defaultTimeout time.Duration, defaultRetryAttempts int) []DataSource {
	return []DataSource{
		{
			Key:                KeyFred,
			Name:               "Federal Reserve Economic Data",
			Enabled:            true,
			Priority:           1,
			RateLimitPerMinute: 120,
			Timeout:            defaultTimeout,
			RetryAttempts:      defaultRetryAttempts,
		},
		{
			Key:                KeyBls,
			Name:               "Bureau of Labor Statistics",
			Enabled:            true,
			Priority:           2,
			RateLimitPerMinute: 25,
			Timeout:            defaultTimeout,
			RetryAttempts:      defaultRetryAttempts,
		},
		{
			Key:                KeyCensus,
			Name:               "US Census Bureau",
			Enabled:            true,
			Priority:           3,
			RateLimitPerMinute: 60,
			Timeout:            45 * time.Second,
			RetryAttempts:      2,
		},
		{
			Key:                KeyWorldBank,
			Name:               "World Bank Open Data",
			Enabled:            true,
			Priority:           3,
			RateLimitPerMinute: 60,
			Timeout:            45 * time.Second,
			RetryAttempts:      2,
		},
		{
			Key:  KeySecEdgar,
			Name: "SEC EDGAR",
			// SEC publishes a 10 requests/second ceiling; stay under it.
			Enabled:            true,
			Priority:           4,
			RateLimitPerMinute: 540,
			Timeout:            60 * time.Second,
			RetryAttempts:      3,
		},
	}
}
