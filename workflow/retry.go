package workflow

import (
	"math"
	"os"
	"strconv"
	"time"
)

// ClaimPollConfig bounds the loser-side poll in the export pipeline: how long
// a caller waits for a concurrent claim to resolve, and when a silent CLAIMED
// record counts as abandoned.
type ClaimPollConfig struct {
	MaxPolls    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	StaleAfter  time.Duration
}

func GetClaimPollConfig() ClaimPollConfig {
	cfg := ClaimPollConfig{
		MaxPolls:    10,
		BaseBackoff: 200 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
		StaleAfter:  5 * time.Minute,
	}

	if v := os.Getenv("EXPORT_CLAIM_MAX_POLLS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxPolls = n
		}
	}
	if v := os.Getenv("EXPORT_CLAIM_BASE_BACKOFF_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BaseBackoff = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("EXPORT_CLAIM_MAX_BACKOFF_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxBackoff = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("EXPORT_CLAIM_STALE_AFTER_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.StaleAfter = time.Duration(n) * time.Second
		}
	}

	return cfg
}

func claimPollBackoff(attempt int, cfg ClaimPollConfig) time.Duration {
	if attempt <= 0 {
		return cfg.BaseBackoff
	}
	// base * 2^(attempt-1), capped.
	exp := float64(attempt - 1)
	delay := time.Duration(float64(cfg.BaseBackoff) * math.Pow(2, exp))
	if delay > cfg.MaxBackoff {
		return cfg.MaxBackoff
	}
	return delay
}
