package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/ledger_export_backend/config"
	"bitbucket.org/mmdatafocus/ledger_export_backend/models"
	"bitbucket.org/mmdatafocus/ledger_export_backend/utils"
)

// Requeues permanently-failed export records after the underlying cause has
// been fixed (for example an account mapping corrected on the ledger side).
// Releasing moves the record to RELEASED, which the next submission of the
// same entry re-claims through the normal claim path. The row itself is
// append-only history and is never deleted.
func main() {
	businessID := flag.String("business-id", "", "Restrict to one business id (uuid). If empty, scans FAILED records across all businesses.")
	payloadHash := flag.String("payload-hash", "", "Optional: release one record by payload hash. If empty, releases all matching FAILED records.")
	dryRun := flag.Bool("dry-run", false, "List matching records without releasing them")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	ctx := utils.SetUserNameInContext(context.Background(), "ExportFailedRequeue")
	if biz := strings.TrimSpace(*businessID); biz != "" {
		ctx = utils.SetBusinessIdInContext(ctx, biz)
	} else {
		// Operator tooling is the one place allowed to read across tenants.
		ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	}

	query := db.WithContext(ctx).
		Model(&models.ExportRecord{}).
		Where("status = ?", models.ExportStatusFailed)
	if strings.TrimSpace(*payloadHash) != "" {
		query = query.Where("payload_hash = ?", strings.TrimSpace(*payloadHash))
	}

	var records []models.ExportRecord
	if err := query.Find(&records).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to list failed records: %v\n", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		fmt.Println("no failed export records matched")
		return
	}

	exports := models.NewExportRecordStore(db)
	audit := models.NewAuditLogStore(db)
	for _, rec := range records {
		if *dryRun {
			fmt.Printf("would release: id=%d business_id=%s logical_id=%s hash=%s error_code=%s attempts=%d\n",
				rec.ID, rec.BusinessId, rec.LogicalId, rec.PayloadHash, rec.ErrorCode, rec.AttemptCount)
			continue
		}

		// Audit appends are tenant-scoped; pin the record's own business.
		recCtx := utils.SetBusinessIdInContext(ctx, rec.BusinessId)
		released, err := exports.Release(recCtx, rec.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "id=%d: release failed: %v\n", rec.ID, err)
			continue
		}
		if !released {
			fmt.Fprintf(os.Stderr, "id=%d: no longer FAILED, skipping\n", rec.ID)
			continue
		}
		metadata := map[string]any{
			"payload_hash": rec.PayloadHash,
			"logical_id":   rec.LogicalId,
			"error_code":   rec.ErrorCode,
			"source":       "export-failed-requeue",
		}
		if err := audit.Append(recCtx, models.AuditActionExportRetry, "export_record", rec.PayloadHash, metadata); err != nil {
			fmt.Fprintf(os.Stderr, "id=%d: released but audit append failed: %v\n", rec.ID, err)
			continue
		}
		fmt.Printf("released: id=%d business_id=%s logical_id=%s hash=%s\n", rec.ID, rec.BusinessId, rec.LogicalId, rec.PayloadHash)
	}
}
