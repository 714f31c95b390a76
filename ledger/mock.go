package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MockClient is an in-memory ledger used by tests and local development. It
// honors the Idempotency-Key contract the way a well-behaved provider would:
// reposting the same key returns the original document.
type MockClient struct {
	mu     sync.Mutex
	docs   map[string]PostResult // idempotency key -> result
	calls  int
	nextEr error
}

func NewMockClient() *MockClient {
	return &MockClient{docs: map[string]PostResult{}}
}

// FailNextWith makes the next call return err instead of posting.
func (m *MockClient) FailNextWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEr = err
}

// Calls reports how many posts reached the mock, including failed ones.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockClient) PostJournalEntry(_ context.Context, payload *JournalPayload) (*PostResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.nextEr != nil {
		err := m.nextEr
		m.nextEr = nil
		return nil, err
	}

	if payload.IdempotencyKey != "" {
		if existing, ok := m.docs[payload.IdempotencyKey]; ok {
			return &existing, nil
		}
	}

	result := PostResult{
		DocId:     "doc-" + uuid.NewString(),
		SyncToken: "0",
	}
	if payload.IdempotencyKey != "" {
		m.docs[payload.IdempotencyKey] = result
	}
	return &result, nil
}
