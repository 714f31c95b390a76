package workflow

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"bitbucket.org/mmdatafocus/ledger_export_backend/ledger"
	"bitbucket.org/mmdatafocus/ledger_export_backend/models"
	"github.com/gin-gonic/gin"
)

func pushRouter(coordinator *Coordinator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/internal/pubsub/export-push", PubSubPushHandler(coordinator, nil))
	return r
}

func pushBody(t *testing.T, msg ExportRequestMessage) []byte {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	envelope := map[string]any{
		"message": map[string]any{
			// Pub/Sub push delivers data base64-encoded; json []byte handles it.
			"data": base64.StdEncoding.EncodeToString(data),
			"id":   "msg-1",
		},
		"subscription": "projects/p/subscriptions/s",
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestPushHandler_ValidMessagePostsEntry(t *testing.T) {
	fastPollEnv(t)
	store := newFakeDedupStore()
	client := ledger.NewMockClient()
	coordinator := NewCoordinator(store, client, &fakeAudit{}, nil)
	router := pushRouter(coordinator)

	body := pushBody(t, ExportRequestMessage{
		BusinessId:    "biz-1",
		CorrelationId: "corr-1",
		Entry:         testEntry(),
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/internal/pubsub/export-push", bytes.NewReader(body)))

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if client.Calls() != 1 {
		t.Fatalf("expected 1 ledger call, got %d", client.Calls())
	}
	if got := store.record(1).Status; got != models.ExportStatusPosted {
		t.Fatalf("expected POSTED record, got %s", got)
	}
}

func TestPushHandler_DuplicateDeliveryIsHarmless(t *testing.T) {
	fastPollEnv(t)
	store := newFakeDedupStore()
	client := ledger.NewMockClient()
	router := pushRouter(NewCoordinator(store, client, &fakeAudit{}, nil))

	body := pushBody(t, ExportRequestMessage{BusinessId: "biz-1", Entry: testEntry()})
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/internal/pubsub/export-push", bytes.NewReader(body)))
		if w.Code != http.StatusNoContent {
			t.Fatalf("delivery %d: expected 204, got %d", i, w.Code)
		}
	}
	if client.Calls() != 1 {
		t.Fatalf("redelivery reached the ledger: %d calls", client.Calls())
	}
}

func TestPushHandler_MalformedPayloadsAck(t *testing.T) {
	fastPollEnv(t)
	store := newFakeDedupStore()
	client := ledger.NewMockClient()
	router := pushRouter(NewCoordinator(store, client, &fakeAudit{}, nil))

	bodies := [][]byte{
		[]byte("not json"),
		[]byte(`{"message":{"data":"bm90IGpzb24=","id":"x"}}`), // data decodes to non-JSON
		pushBody(t, ExportRequestMessage{BusinessId: "", Entry: testEntry()}),
		pushBody(t, ExportRequestMessage{BusinessId: "biz-1", Entry: nil}),
	}
	for i, body := range bodies {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/internal/pubsub/export-push", bytes.NewReader(body)))
		if w.Code != http.StatusNoContent {
			t.Fatalf("body %d: poisoned messages must ack with 204, got %d", i, w.Code)
		}
	}
	if client.Calls() != 0 {
		t.Fatalf("malformed payloads reached the ledger: %d calls", client.Calls())
	}
}
