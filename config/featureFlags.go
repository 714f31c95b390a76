package config

import (
	"os"
	"strings"
)

// UseMockLedger selects the in-memory ledger client instead of the real
// HTTP client. The choice is made once at construction time; both
// implementations satisfy the same contract.
//
// Set via env:
// - LEDGER_PROVIDER=mock
func UseMockLedger() bool {
	return strings.ToLower(strings.TrimSpace(os.Getenv("LEDGER_PROVIDER"))) == "mock"
}

// EnableExportPushEndpoint controls whether the Pub/Sub push intake endpoint
// is served. Disable on deployments that only run the pull worker.
//
// Set via env:
// - ENABLE_EXPORT_PUBSUB_PUSH_ENDPOINT=false
func EnableExportPushEndpoint() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("ENABLE_EXPORT_PUBSUB_PUSH_ENDPOINT")))
	switch v {
	case "false", "0", "no", "n", "off":
		return false
	default:
		return true
	}
}
