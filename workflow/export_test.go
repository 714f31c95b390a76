package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/ledger_export_backend/ledger"
	"bitbucket.org/mmdatafocus/ledger_export_backend/models"
	"bitbucket.org/mmdatafocus/ledger_export_backend/utils"
	"github.com/shopspring/decimal"
)

// These tests are intentionally DB-free: the fake below implements the same
// claim semantics the MySQL unique constraint provides, so the coordinator's
// at-most-once behavior can be validated without infrastructure.

type fakeDedupStore struct {
	mu     sync.Mutex
	nextId int
	byKey  map[string]*models.ExportRecord
	byId   map[int]*models.ExportRecord
}

func newFakeDedupStore() *fakeDedupStore {
	return &fakeDedupStore{
		byKey: map[string]*models.ExportRecord{},
		byId:  map[int]*models.ExportRecord{},
	}
}

func copyRecord(r *models.ExportRecord) *models.ExportRecord {
	c := *r
	if r.LastError != nil {
		msg := *r.LastError
		c.LastError = &msg
	}
	return &c
}

func (f *fakeDedupStore) Claim(_ context.Context, businessId string, input *models.JournalEntryInput, payloadHash string) (models.ClaimState, *models.ExportRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := businessId + "|" + payloadHash
	if existing, ok := f.byKey[key]; ok {
		switch existing.Status {
		case models.ExportStatusPosted:
			return models.ClaimAlreadyPosted, copyRecord(existing), nil
		case models.ExportStatusFailed:
			return models.ClaimFailedFinal, copyRecord(existing), nil
		case models.ExportStatusReleased:
			// Operator-released claim: re-take it in place, same guarded
			// update the store performs. The row survives.
			existing.Status = models.ExportStatusClaimed
			existing.AttemptCount++
			existing.ErrorCode = ""
			existing.LastError = nil
			existing.LastAttemptAt = time.Now().UTC()
			return models.ClaimWon, copyRecord(existing), nil
		default:
			return models.ClaimPending, copyRecord(existing), nil
		}
	}

	f.nextId++
	record := &models.ExportRecord{
		ID:            f.nextId,
		BusinessId:    businessId,
		PayloadHash:   payloadHash,
		LogicalId:     input.LogicalId,
		Status:        models.ExportStatusClaimed,
		AttemptCount:  1,
		LastAttemptAt: time.Now().UTC(),
	}
	f.byKey[key] = record
	f.byId[record.ID] = record
	return models.ClaimWon, copyRecord(record), nil
}

func (f *fakeDedupStore) Reload(_ context.Context, id int) (*models.ExportRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.byId[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	return copyRecord(record), nil
}

func (f *fakeDedupStore) TakeOverStale(_ context.Context, id int, staleBefore time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.byId[id]
	if !ok || record.Status != models.ExportStatusClaimed || !record.LastAttemptAt.Before(staleBefore) {
		return false, nil
	}
	record.LastAttemptAt = time.Now().UTC()
	record.AttemptCount++
	record.LastError = nil
	return true, nil
}

func (f *fakeDedupStore) MarkPosted(_ context.Context, id int, externalDocId, externalSyncToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record := f.byId[id]
	record.Status = models.ExportStatusPosted
	record.ExternalDocId = externalDocId
	record.ExternalSyncToken = externalSyncToken
	record.ErrorCode = ""
	record.LastError = nil
	record.LastAttemptAt = time.Now().UTC()
	return nil
}

func (f *fakeDedupStore) MarkFailed(_ context.Context, id int, code utils.ErrorCode, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record := f.byId[id]
	record.Status = models.ExportStatusFailed
	record.ErrorCode = string(code)
	record.LastError = &message
	record.LastAttemptAt = time.Now().UTC()
	return nil
}

func (f *fakeDedupStore) RecordTransientFailure(_ context.Context, id int, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record := f.byId[id]
	if record.Status != models.ExportStatusClaimed {
		return nil
	}
	record.AttemptCount++
	record.LastError = &message
	record.LastAttemptAt = time.Now().UTC()
	return nil
}

func (f *fakeDedupStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byId)
}

func (f *fakeDedupStore) record(id int) *models.ExportRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyRecord(f.byId[id])
}

// backdate pushes a record's last attempt into the past to simulate a
// crashed-and-silent claim holder.
func (f *fakeDedupStore) backdate(id int, by time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byId[id].LastAttemptAt = time.Now().UTC().Add(-by)
}

// release mirrors ExportRecordStore.Release: a FAILED claim becomes RELEASED
// without the row being deleted.
func (f *fakeDedupStore) release(id int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.byId[id]
	if !ok || record.Status != models.ExportStatusFailed {
		return false
	}
	record.Status = models.ExportStatusReleased
	record.LastAttemptAt = time.Now().UTC()
	return true
}

// interceptStore lets a test inject a write between the winner's external
// call and its commit, the way a woken stale holder would.
type interceptStore struct {
	*fakeDedupStore
	beforeMarkPosted func()
}

func (s *interceptStore) MarkPosted(ctx context.Context, id int, externalDocId, externalSyncToken string) error {
	if s.beforeMarkPosted != nil {
		hook := s.beforeMarkPosted
		s.beforeMarkPosted = nil
		hook()
	}
	return s.fakeDedupStore.MarkPosted(ctx, id, externalDocId, externalSyncToken)
}

type fakeAudit struct {
	mu      sync.Mutex
	actions []string
	metas   []any
}

func (f *fakeAudit) Append(_ context.Context, action, _, _ string, metadata any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	f.metas = append(f.metas, metadata)
	return nil
}

func (f *fakeAudit) metaOf(action string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, a := range f.actions {
		if a == action {
			m, _ := f.metas[i].(map[string]any)
			return m
		}
	}
	return nil
}

func (f *fakeAudit) countOf(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.actions {
		if a == action {
			n++
		}
	}
	return n
}

func testEntry() *models.JournalEntryInput {
	return &models.JournalEntryInput{
		LogicalId: "txn-42",
		Date:      time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Memo:      "monthly software subscription",
		Lines: []models.JournalEntryLine{
			{Account: "6100-Software", Debit: decimal.NewFromFloat(49.99)},
			{Account: "1000-Cash", Credit: decimal.NewFromFloat(49.99)},
		},
	}
}

func testContext() context.Context {
	return utils.SetBusinessIdInContext(context.Background(), "biz-1")
}

func fastPollEnv(t *testing.T) {
	t.Helper()
	t.Setenv("EXPORT_CLAIM_MAX_POLLS", "10")
	t.Setenv("EXPORT_CLAIM_BASE_BACKOFF_MS", "1")
	t.Setenv("EXPORT_CLAIM_MAX_BACKOFF_MS", "5")
	t.Setenv("EXPORT_CLAIM_STALE_AFTER_SECONDS", "300")
}

func TestExport_DuplicatePost_SingleNetworkCall(t *testing.T) {
	fastPollEnv(t)
	store := newFakeDedupStore()
	client := ledger.NewMockClient()
	audit := &fakeAudit{}
	coordinator := NewCoordinator(store, client, audit, nil)

	first, err := coordinator.PostJournalEntry(testContext(), testEntry())
	if err != nil {
		t.Fatalf("first post failed: %v", err)
	}
	if first.Status != ExportOutcomePosted {
		t.Fatalf("expected posted, got %s", first.Status)
	}

	second, err := coordinator.PostJournalEntry(testContext(), testEntry())
	if err != nil {
		t.Fatalf("second post failed: %v", err)
	}
	if second.Status != ExportOutcomeSkipped {
		t.Fatalf("expected skipped, got %s", second.Status)
	}
	if second.ExternalDocId != first.ExternalDocId {
		t.Fatalf("doc id diverged: %s vs %s", first.ExternalDocId, second.ExternalDocId)
	}
	if client.Calls() != 1 {
		t.Fatalf("expected exactly 1 network call, got %d", client.Calls())
	}
	if audit.countOf(models.AuditActionExportPosted) != 1 || audit.countOf(models.AuditActionExportSkipped) != 1 {
		t.Fatalf("unexpected audit trail: %v", audit.actions)
	}
}

func TestExport_ConcurrentPosts_ExactlyOnePosted(t *testing.T) {
	fastPollEnv(t)
	store := newFakeDedupStore()
	client := ledger.NewMockClient()
	coordinator := NewCoordinator(store, client, &fakeAudit{}, nil)

	const n = 10
	outcomes := make([]*ExportOutcome, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = coordinator.PostJournalEntry(testContext(), testEntry())
		}(i)
	}
	wg.Wait()

	posted, skipped := 0, 0
	docIds := map[string]bool{}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		switch outcomes[i].Status {
		case ExportOutcomePosted:
			posted++
		case ExportOutcomeSkipped:
			skipped++
		}
		docIds[outcomes[i].ExternalDocId] = true
	}
	if posted != 1 || skipped != n-1 {
		t.Fatalf("expected 1 posted / %d skipped, got %d / %d", n-1, posted, skipped)
	}
	if len(docIds) != 1 {
		t.Fatalf("callers observed different doc ids: %v", docIds)
	}
	if client.Calls() != 1 {
		t.Fatalf("expected exactly 1 network call, got %d", client.Calls())
	}
	if store.count() != 1 {
		t.Fatalf("expected a single claim record, got %d", store.count())
	}
}

func TestExport_UnbalancedEntry_NoRecordWritten(t *testing.T) {
	fastPollEnv(t)
	store := newFakeDedupStore()
	client := ledger.NewMockClient()
	audit := &fakeAudit{}
	coordinator := NewCoordinator(store, client, audit, nil)

	entry := testEntry()
	entry.Lines[0].Debit = decimal.NewFromFloat(100.00)

	_, err := coordinator.PostJournalEntry(testContext(), entry)
	if err == nil {
		t.Fatal("unbalanced entry accepted")
	}
	if utils.CodeOf(err) != utils.ErrCodeUnbalancedJE {
		t.Fatalf("expected UNBALANCED_JE, got %s", utils.CodeOf(err))
	}
	if store.count() != 0 {
		t.Fatalf("unbalanced entry wrote %d records", store.count())
	}
	if client.Calls() != 0 {
		t.Fatalf("unbalanced entry reached the network: %d calls", client.Calls())
	}
	if audit.countOf(models.AuditActionExportFailed) != 1 {
		t.Fatalf("expected a failure audit entry, got %v", audit.actions)
	}
}

func TestExport_PermanentFailure_ReplayedWithoutNetwork(t *testing.T) {
	fastPollEnv(t)
	store := newFakeDedupStore()
	client := ledger.NewMockClient()
	coordinator := NewCoordinator(store, client, &fakeAudit{}, nil)

	client.FailNextWith(&ledger.APIError{Kind: ledger.ErrValidation, Status: 400, Message: "account 6100 does not exist"})

	_, err := coordinator.PostJournalEntry(testContext(), testEntry())
	if err == nil {
		t.Fatal("expected a validation failure")
	}
	if utils.CodeOf(err) != utils.ErrCodeValidation {
		t.Fatalf("expected VALIDATION, got %s", utils.CodeOf(err))
	}
	if got := store.record(1).Status; got != models.ExportStatusFailed {
		t.Fatalf("expected FAILED record, got %s", got)
	}

	_, err = coordinator.PostJournalEntry(testContext(), testEntry())
	if err == nil {
		t.Fatal("expected the stored failure to replay")
	}
	if utils.CodeOf(err) != utils.ErrCodeValidation {
		t.Fatalf("replayed error lost its code: %s", utils.CodeOf(err))
	}
	var de *utils.DomainError
	if !errors.As(err, &de) || de.Message != "account 6100 does not exist" {
		t.Fatalf("replayed error lost its message: %v", err)
	}
	if client.Calls() != 1 {
		t.Fatalf("replay hit the network: %d calls", client.Calls())
	}
}

func TestExport_TransientFailure_StaysClaimedThenRecovers(t *testing.T) {
	fastPollEnv(t)
	t.Setenv("EXPORT_CLAIM_STALE_AFTER_SECONDS", "1")
	store := newFakeDedupStore()
	client := ledger.NewMockClient()
	coordinator := NewCoordinator(store, client, &fakeAudit{}, nil)

	client.FailNextWith(&ledger.APIError{Kind: ledger.ErrUpstream, Status: 502})

	_, err := coordinator.PostJournalEntry(testContext(), testEntry())
	if err == nil {
		t.Fatal("expected an upstream failure")
	}
	if !utils.IsTransient(err) {
		t.Fatalf("upstream failure should be transient: %v", err)
	}
	record := store.record(1)
	if record.Status != models.ExportStatusClaimed {
		t.Fatalf("transient failure should leave the record CLAIMED, got %s", record.Status)
	}
	if record.AttemptCount != 2 {
		t.Fatalf("expected attempt count 2, got %d", record.AttemptCount)
	}

	// Holder goes silent past the stale window; the next caller takes over.
	store.backdate(1, 2*time.Second)

	outcome, err := coordinator.PostJournalEntry(testContext(), testEntry())
	if err != nil {
		t.Fatalf("takeover retry failed: %v", err)
	}
	if outcome.Status != ExportOutcomePosted {
		t.Fatalf("expected posted after takeover, got %s", outcome.Status)
	}
	if client.Calls() != 2 {
		t.Fatalf("expected 2 network calls total, got %d", client.Calls())
	}
}

func TestExport_RateLimited_TypedAndRetryable(t *testing.T) {
	fastPollEnv(t)
	store := newFakeDedupStore()
	client := ledger.NewMockClient()
	coordinator := NewCoordinator(store, client, &fakeAudit{}, nil)

	client.FailNextWith(&ledger.APIError{Kind: ledger.ErrRateLimited, Status: 429, RetryAfter: 45 * time.Second})

	_, err := coordinator.PostJournalEntry(testContext(), testEntry())
	if err == nil {
		t.Fatal("expected a rate-limit failure")
	}
	var de *utils.DomainError
	if !errors.As(err, &de) {
		t.Fatalf("expected a domain error, got %T", err)
	}
	if de.Code != utils.ErrCodeRateLimited || !de.Transient || de.RetryAfter != 45*time.Second {
		t.Fatalf("rate-limit error lost its shape: %+v", de)
	}
	if got := store.record(1).Status; got != models.ExportStatusClaimed {
		t.Fatalf("rate limit should leave the record CLAIMED, got %s", got)
	}
}

func TestExport_PendingClaim_ExhaustsPollsAsRetryLater(t *testing.T) {
	fastPollEnv(t)
	t.Setenv("EXPORT_CLAIM_MAX_POLLS", "3")
	store := newFakeDedupStore()
	client := ledger.NewMockClient()
	coordinator := NewCoordinator(store, client, &fakeAudit{}, nil)

	// Seed a live claim that never resolves within the poll budget.
	if _, _, err := store.Claim(testContext(), "biz-1", testEntry(), models.ExportPayloadHash("biz-1", testEntry())); err != nil {
		t.Fatal(err)
	}

	_, err := coordinator.PostJournalEntry(testContext(), testEntry())
	if err == nil {
		t.Fatal("expected poll exhaustion")
	}
	if utils.CodeOf(err) != utils.ErrCodeRetryLater {
		t.Fatalf("expected RETRY_LATER, got %s", utils.CodeOf(err))
	}
	if !utils.IsTransient(err) {
		t.Fatal("poll exhaustion must be retryable")
	}
	if client.Calls() != 0 {
		t.Fatalf("loser must not hit the network, got %d calls", client.Calls())
	}
}

func TestExport_ReleasedClaim_ReclaimedWithHistoryIntact(t *testing.T) {
	fastPollEnv(t)
	store := newFakeDedupStore()
	client := ledger.NewMockClient()
	coordinator := NewCoordinator(store, client, &fakeAudit{}, nil)

	client.FailNextWith(&ledger.APIError{Kind: ledger.ErrValidation, Status: 400, Message: "account 6100 does not exist"})
	if _, err := coordinator.PostJournalEntry(testContext(), testEntry()); err == nil {
		t.Fatal("expected a validation failure")
	}
	if got := store.record(1).Status; got != models.ExportStatusFailed {
		t.Fatalf("expected FAILED record, got %s", got)
	}

	// Operator fixes the account mapping and releases the claim.
	if !store.release(1) {
		t.Fatal("release did not apply")
	}

	outcome, err := coordinator.PostJournalEntry(testContext(), testEntry())
	if err != nil {
		t.Fatalf("post after release failed: %v", err)
	}
	if outcome.Status != ExportOutcomePosted {
		t.Fatalf("expected posted after release, got %s", outcome.Status)
	}
	if client.Calls() != 2 {
		t.Fatalf("expected 2 network calls total, got %d", client.Calls())
	}

	// The same row carried through: never deleted, attempt history preserved.
	if store.count() != 1 {
		t.Fatalf("release must not create or delete rows, got %d", store.count())
	}
	record := store.record(1)
	if record.Status != models.ExportStatusPosted {
		t.Fatalf("expected POSTED, got %s", record.Status)
	}
	if record.AttemptCount != 2 {
		t.Fatalf("attempt history lost across release: %d", record.AttemptCount)
	}
	if outcome.AttemptCount != 2 {
		t.Fatalf("outcome attempt count diverged from stored row: %d", outcome.AttemptCount)
	}
}

func TestExport_PostedAttemptCountMatchesStoredRow(t *testing.T) {
	fastPollEnv(t)
	base := newFakeDedupStore()
	store := &interceptStore{fakeDedupStore: base}
	client := ledger.NewMockClient()
	coordinator := NewCoordinator(store, client, &fakeAudit{}, nil)

	// A previous holder's transient-failure report lands just before the
	// winner commits; the surfaced count must still match the stored row.
	store.beforeMarkPosted = func() {
		_ = base.RecordTransientFailure(context.Background(), 1, "timeout reported late")
	}

	outcome, err := coordinator.PostJournalEntry(testContext(), testEntry())
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	stored := base.record(1)
	if stored.AttemptCount != 2 {
		t.Fatalf("expected stored attempt count 2, got %d", stored.AttemptCount)
	}
	if outcome.AttemptCount != stored.AttemptCount {
		t.Fatalf("surfaced attempt count %d is behind stored %d", outcome.AttemptCount, stored.AttemptCount)
	}
}

func TestExport_CorrelationIdReachesAuditTrail(t *testing.T) {
	fastPollEnv(t)
	store := newFakeDedupStore()
	audit := &fakeAudit{}
	coordinator := NewCoordinator(store, ledger.NewMockClient(), audit, nil)

	ctx := utils.SetCorrelationIdInContext(testContext(), "corr-abc")
	if _, err := coordinator.PostJournalEntry(ctx, testEntry()); err != nil {
		t.Fatalf("post failed: %v", err)
	}

	meta := audit.metaOf(models.AuditActionExportPosted)
	if meta == nil {
		t.Fatal("posted audit entry missing")
	}
	if meta["correlation_id"] != "corr-abc" {
		t.Fatalf("correlation id missing from audit metadata: %+v", meta)
	}
}

func TestExport_MissingBusinessContext(t *testing.T) {
	fastPollEnv(t)
	coordinator := NewCoordinator(newFakeDedupStore(), ledger.NewMockClient(), &fakeAudit{}, nil)

	if _, err := coordinator.PostJournalEntry(context.Background(), testEntry()); err == nil {
		t.Fatal("expected an error without a business in context")
	}
}
