package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/ledger_export_backend/config"
	"bitbucket.org/mmdatafocus/ledger_export_backend/models"
	"bitbucket.org/mmdatafocus/ledger_export_backend/utils"
)

// Seeds an initial (or replacement) active rule version for one business from
// a JSON file of categorization rules.
func main() {
	businessID := flag.String("business-id", "", "Required: business id (uuid)")
	rulesFile := flag.String("rules-file", "", "Required: path to a JSON array of {vendor_pattern, suggested_account}")
	createdBy := flag.String("created-by", "SeedRuleVersion", "Recorded as the version author")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}
	if strings.TrimSpace(*rulesFile) == "" {
		fmt.Fprintln(os.Stderr, "--rules-file is required")
		os.Exit(1)
	}

	raw, err := os.ReadFile(strings.TrimSpace(*rulesFile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read rules file: %v\n", err)
		os.Exit(1)
	}
	var rules []models.CategorizationRule
	if err := json.Unmarshal(raw, &rules); err != nil {
		fmt.Fprintf(os.Stderr, "rules file is not a valid JSON rule array: %v\n", err)
		os.Exit(1)
	}
	for i, r := range rules {
		if strings.TrimSpace(r.VendorPattern) == "" || strings.TrimSpace(r.SuggestedAccount) == "" {
			fmt.Fprintf(os.Stderr, "rule %d: vendor_pattern and suggested_account are required\n", i)
			os.Exit(1)
		}
	}
	blob, err := models.EncodeRules(rules)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode rules: %v\n", err)
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	models.MigrateTable()

	ctx := utils.SetBusinessIdInContext(context.Background(), strings.TrimSpace(*businessID))
	ctx = utils.SetUserNameInContext(ctx, strings.TrimSpace(*createdBy))

	store := models.NewRuleVersionStore(db)
	previous, err := store.Active(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load active version: %v\n", err)
		os.Exit(1)
	}

	version, err := store.CreateAndActivate(ctx, blob, strings.TrimSpace(*createdBy))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create rule version: %v\n", err)
		os.Exit(1)
	}

	audit := models.NewAuditLogStore(db)
	metadata := map[string]any{"new_version_id": version.VersionId, "rule_count": len(rules), "source": "seed-rule-version"}
	if previous != nil {
		metadata["old_version_id"] = previous.VersionId
	}
	if err := audit.Append(ctx, models.AuditActionVersionActivated, "rule_version", version.VersionId, metadata); err != nil {
		fmt.Fprintf(os.Stderr, "warning: version created but audit append failed: %v\n", err)
	}

	fmt.Printf("activated rule version %s for business %s (%d rules)\n", version.VersionId, *businessID, len(rules))
}
