package workflow

import (
	"context"
	"strings"

	"bitbucket.org/mmdatafocus/ledger_export_backend/models"
	"bitbucket.org/mmdatafocus/ledger_export_backend/utils"
	"github.com/sirupsen/logrus"
)

// RuleVersions is the append-only version history with exactly one active
// version. models.RuleVersionStore is the production implementation.
type RuleVersions interface {
	CreateAndActivate(ctx context.Context, rulesBlob []byte, createdBy string) (*models.RuleVersion, error)
	Rollback(ctx context.Context, versionId string) (noChange bool, err error)
	Get(ctx context.Context, versionId string) (*models.RuleVersion, error)
	Active(ctx context.Context) (*models.RuleVersion, error)
}

// Candidates is the rule-candidate review queue.
type Candidates interface {
	Get(ctx context.Context, candidateId string) (*models.RuleCandidate, error)
	GetMany(ctx context.Context, candidateIds []string) ([]*models.RuleCandidate, error)
	Resolve(ctx context.Context, candidateId string, status models.CandidateStatus, reviewedBy, rejectReason string) (bool, error)
}

// AuditReader is the read-only query surface over historical categorization
// decisions used for dry-run impact estimation.
type AuditReader interface {
	ReviewStats(ctx context.Context) (*models.ReviewStats, error)
	CountReviewedMatching(ctx context.Context, vendorPattern string) (int, error)
}

// ReviewOutcome is the result of Accept/Reject/Rollback. NoChange means the
// request was a safe repeat of an already-applied decision (UI double-submit,
// retried request), not an error.
type ReviewOutcome struct {
	NoChange     bool   `json:"no_change"`
	CandidateId  string `json:"candidate_id,omitempty"`
	OldVersionId string `json:"old_version_id,omitempty"`
	NewVersionId string `json:"new_version_id,omitempty"`
}

// CandidateImpact is one candidate's share of a dry-run estimate.
type CandidateImpact struct {
	CandidateId        string `json:"candidate_id"`
	VendorPattern      string `json:"vendor_pattern"`
	MatchedReviewCount int    `json:"matched_review_count"`
}

// ImpactReport estimates what would change if the candidates' patterns had
// been active rules for the already-reviewed history. Purely counterfactual;
// nothing in candidate or version state moves.
type ImpactReport struct {
	AutomatedCount          int               `json:"automated_count"`
	ReviewedCount           int               `json:"reviewed_count"`
	ReviewReasons           map[string]int    `json:"review_reasons"`
	CurrentAutomationRate   float64           `json:"current_automation_rate"`
	ProjectedAutomationRate float64           `json:"projected_automation_rate"`
	Candidates              []CandidateImpact `json:"candidates"`
}

// PromotionEngine drives the candidate state machine:
// PENDING -> ACCEPTED (terminal) or PENDING -> REJECTED (terminal).
type PromotionEngine struct {
	versions   RuleVersions
	candidates Candidates
	audit      AuditAppender
	history    AuditReader
	logger     *logrus.Logger
}

func NewPromotionEngine(versions RuleVersions, candidates Candidates, audit AuditAppender, history AuditReader, logger *logrus.Logger) *PromotionEngine {
	return &PromotionEngine{
		versions:   versions,
		candidates: candidates,
		audit:      audit,
		history:    history,
		logger:     logger,
	}
}

// AcceptCandidate promotes a pending candidate into a new active rule
// version. Accepting an already-accepted candidate is a successful no-op;
// accepting a rejected one is a conflict.
func (e *PromotionEngine) AcceptCandidate(ctx context.Context, candidateId string) (*ReviewOutcome, error) {
	candidate, err := e.candidates.Get(ctx, candidateId)
	if err != nil {
		return nil, err
	}

	switch candidate.Status {
	case models.CandidateStatusAccepted:
		return &ReviewOutcome{NoChange: true, CandidateId: candidateId}, nil
	case models.CandidateStatusRejected:
		return nil, utils.NewDomainError(utils.ErrCodeConflict, "candidate was already rejected")
	}

	// Resolve the candidate before touching version state: the PENDING-guarded
	// update is the serialization point, so a lost race to a concurrent reject
	// never leaves that candidate's rule live in an active version.
	reviewer, _ := utils.GetUserNameFromContext(ctx)
	resolved, err := e.candidates.Resolve(ctx, candidateId, models.CandidateStatusAccepted, reviewer, "")
	if err != nil {
		return nil, err
	}
	if !resolved {
		// A concurrent reviewer got there first; re-read to decide which way.
		current, err := e.candidates.Get(ctx, candidateId)
		if err != nil {
			return nil, err
		}
		if current.Status == models.CandidateStatusAccepted {
			return &ReviewOutcome{NoChange: true, CandidateId: candidateId}, nil
		}
		return nil, utils.NewDomainError(utils.ErrCodeConflict, "candidate was already rejected")
	}

	active, err := e.versions.Active(ctx)
	if err != nil {
		return nil, e.acceptedWithoutVersion(candidateId, err)
	}
	oldVersionId := ""
	var rules []models.CategorizationRule
	if active != nil {
		oldVersionId = active.VersionId
		rules, err = active.Rules()
		if err != nil {
			return nil, e.acceptedWithoutVersion(candidateId, err)
		}
	}

	rules = mergeRule(rules, models.CategorizationRule{
		VendorPattern:    candidate.VendorPattern,
		SuggestedAccount: candidate.SuggestedAccount,
	})
	blob, err := models.EncodeRules(rules)
	if err != nil {
		return nil, e.acceptedWithoutVersion(candidateId, err)
	}

	newVersion, err := e.versions.CreateAndActivate(ctx, blob, reviewer)
	if err != nil {
		return nil, e.acceptedWithoutVersion(candidateId, err)
	}

	e.appendAudit(ctx, models.AuditActionCandidateAccepted, candidateId, map[string]any{
		"vendor_pattern": candidate.VendorPattern,
		"old_version_id": oldVersionId,
		"new_version_id": newVersion.VersionId,
	})

	return &ReviewOutcome{
		CandidateId:  candidateId,
		OldVersionId: oldVersionId,
		NewVersionId: newVersion.VersionId,
	}, nil
}

// RejectCandidate marks a pending candidate rejected. Rejecting an
// already-rejected candidate is a successful no-op; rejecting an accepted one
// is a conflict.
func (e *PromotionEngine) RejectCandidate(ctx context.Context, candidateId, reason string) (*ReviewOutcome, error) {
	candidate, err := e.candidates.Get(ctx, candidateId)
	if err != nil {
		return nil, err
	}

	switch candidate.Status {
	case models.CandidateStatusRejected:
		return &ReviewOutcome{NoChange: true, CandidateId: candidateId}, nil
	case models.CandidateStatusAccepted:
		return nil, utils.NewDomainError(utils.ErrCodeConflict, "candidate was already accepted")
	}

	reviewer, _ := utils.GetUserNameFromContext(ctx)
	resolved, err := e.candidates.Resolve(ctx, candidateId, models.CandidateStatusRejected, reviewer, reason)
	if err != nil {
		return nil, err
	}
	if !resolved {
		current, err := e.candidates.Get(ctx, candidateId)
		if err != nil {
			return nil, err
		}
		if current.Status == models.CandidateStatusRejected {
			return &ReviewOutcome{NoChange: true, CandidateId: candidateId}, nil
		}
		return nil, utils.NewDomainError(utils.ErrCodeConflict, "candidate was already accepted")
	}

	e.appendAudit(ctx, models.AuditActionCandidateRejected, candidateId, map[string]any{
		"vendor_pattern": candidate.VendorPattern,
		"reason":         reason,
	})

	return &ReviewOutcome{CandidateId: candidateId}, nil
}

// RollbackVersion moves the active pointer back to an earlier version.
func (e *PromotionEngine) RollbackVersion(ctx context.Context, versionId string) (*ReviewOutcome, error) {
	noChange, err := e.versions.Rollback(ctx, versionId)
	if err != nil {
		return nil, err
	}
	if noChange {
		return &ReviewOutcome{NoChange: true, NewVersionId: versionId}, nil
	}

	e.appendAudit(ctx, models.AuditActionVersionRollback, versionId, map[string]any{
		"version_id": versionId,
	})
	return &ReviewOutcome{NewVersionId: versionId}, nil
}

// DryRun is read-only: it estimates the counterfactual automation rate if
// the candidates' vendor patterns were applied to previously-reviewed
// transactions. It never writes candidate or version state; the only write
// is a dry-run audit entry recording that the simulation happened.
func (e *PromotionEngine) DryRun(ctx context.Context, candidateIds []string) (*ImpactReport, error) {
	if len(candidateIds) == 0 {
		return nil, utils.NewDomainError(utils.ErrCodeValidation, "candidate_ids is required")
	}

	candidates, err := e.candidates.GetMany(ctx, candidateIds)
	if err != nil {
		return nil, err
	}
	if len(candidates) != len(candidateIds) {
		return nil, utils.ErrorRecordNotFound
	}

	seen := map[string]string{}
	for _, candidate := range candidates {
		pattern := strings.ToLower(strings.TrimSpace(candidate.VendorPattern))
		if other, dup := seen[pattern]; dup {
			return nil, utils.NewDomainError(utils.ErrCodeConflict,
				"candidates "+other+" and "+candidate.CandidateId+" target the same vendor pattern")
		}
		seen[pattern] = candidate.CandidateId
	}

	stats, err := e.history.ReviewStats(ctx)
	if err != nil {
		return nil, err
	}

	report := &ImpactReport{
		AutomatedCount:        stats.AutomatedCount,
		ReviewedCount:         stats.ReviewedCount,
		ReviewReasons:         stats.ReviewReasons,
		CurrentAutomationRate: stats.AutomationRate(),
	}

	converted := 0
	for _, candidate := range candidates {
		matched, err := e.history.CountReviewedMatching(ctx, candidate.VendorPattern)
		if err != nil {
			return nil, err
		}
		converted += matched
		report.Candidates = append(report.Candidates, CandidateImpact{
			CandidateId:        candidate.CandidateId,
			VendorPattern:      candidate.VendorPattern,
			MatchedReviewCount: matched,
		})
	}
	// Patterns may overlap on the same reviewed transactions; the estimate
	// can never convert more than was reviewed.
	if converted > stats.ReviewedCount {
		converted = stats.ReviewedCount
	}

	total := stats.AutomatedCount + stats.ReviewedCount
	if total > 0 {
		report.ProjectedAutomationRate = float64(stats.AutomatedCount+converted) / float64(total)
	}

	e.appendAudit(ctx, models.AuditActionDryRun, strings.Join(candidateIds, ","), map[string]any{
		"candidate_ids":             candidateIds,
		"current_automation_rate":   report.CurrentAutomationRate,
		"projected_automation_rate": report.ProjectedAutomationRate,
	})

	return report, nil
}

func mergeRule(rules []models.CategorizationRule, rule models.CategorizationRule) []models.CategorizationRule {
	for i, existing := range rules {
		if strings.EqualFold(existing.VendorPattern, rule.VendorPattern) {
			rules[i] = rule
			return rules
		}
	}
	return append(rules, rule)
}

// acceptedWithoutVersion logs the one bad state Accept can leave behind: the
// candidate is terminally ACCEPTED but the promoted version never activated.
// cmd/seed-rule-version can re-apply the rule by hand.
func (e *PromotionEngine) acceptedWithoutVersion(candidateId string, err error) error {
	if e.logger != nil {
		e.logger.WithFields(logrus.Fields{
			"module":       "PromotionEngine",
			"funcName":     "AcceptCandidate",
			"candidate_id": candidateId,
		}).Error("candidate accepted but version activation failed: " + err.Error())
	}
	return err
}

func (e *PromotionEngine) appendAudit(ctx context.Context, action, referenceId string, metadata map[string]any) {
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok && cid != "" {
		metadata["correlation_id"] = cid
	}
	if err := e.audit.Append(ctx, action, "rules", referenceId, metadata); err != nil && e.logger != nil {
		e.logger.WithFields(logrus.Fields{
			"module":   "PromotionEngine",
			"funcName": "appendAudit",
			"action":   action,
		}).Error(err.Error())
	}
}
