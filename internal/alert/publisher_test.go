package alert

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/flowguard/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeNATS records published messages.
type fakeNATS struct {
	mu   sync.Mutex
	msgs map[string][][]byte
	err  error
}

func newFakeNATS() *fakeNATS {
	return &fakeNATS{msgs: map[string][][]byte{}}
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs[subject] = append(f.msgs[subject], data)
	return nil
}

func (f *fakeNATS) published(subject string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgs[subject]
}

func testVerdict(sev model.Severity) model.ThreatVerdict {
	return model.ThreatVerdict{
		ID:         "v-1",
		Category:   model.CategoryDDoS,
		Severity:   sev,
		Confidence: 0.92,
	}
}

func TestNotifyPublishesAboveFloor(t *testing.T) {
	nc := newFakeNATS()
	p := NewPublisher(nc, "", model.SeverityHigh, nil, testLogger())

	p.Notify(testVerdict(model.SeverityCritical), model.ResponseAction{
		Type: model.ActionBlockIP, Target: "203.0.113.7",
	})

	msgs := nc.published(Subject)
	require.Len(t, msgs, 1)

	var ev Event
	require.NoError(t, json.Unmarshal(msgs[0], &ev))
	assert.Equal(t, model.CategoryDDoS, ev.ThreatCategory)
	assert.Equal(t, model.SeverityCritical, ev.Severity)
	assert.Equal(t, "203.0.113.7", ev.Target)
	assert.Equal(t, model.ActionBlockIP, ev.ActionTaken)
	assert.Equal(t, 0.92, ev.Confidence)
}

func TestNotifyHonorsSeverityFloor(t *testing.T) {
	nc := newFakeNATS()
	p := NewPublisher(nc, "", model.SeverityHigh, nil, testLogger())

	p.Notify(testVerdict(model.SeverityMedium), model.ResponseAction{Type: model.ActionNone})
	assert.Empty(t, nc.published(Subject))
}

func TestNotifyDeliversWebhook(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewPublisher(nil, srv.URL, model.SeverityLow, nil, testLogger())
	p.Notify(testVerdict(model.SeverityHigh), model.ResponseAction{Type: model.ActionBlockIP, Target: "203.0.113.7"})

	require.NotEmpty(t, got)
	var ev Event
	require.NoError(t, json.Unmarshal(got, &ev))
	assert.Equal(t, "203.0.113.7", ev.Target)
}

func TestNotifyDeliveryFailureIsContained(t *testing.T) {
	nc := newFakeNATS()
	nc.err = errors.New("nats down")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewPublisher(nc, srv.URL, model.SeverityLow, nil, testLogger())
	// Must not panic or propagate; alerting never blocks the engine.
	p.Notify(testVerdict(model.SeverityHigh), model.ResponseAction{Type: model.ActionBlockIP})
}

func TestEscalateIgnoresSeverityFloor(t *testing.T) {
	nc := newFakeNATS()
	p := NewPublisher(nc, "", model.SeverityCritical, nil, testLogger())

	p.Escalate(model.ResponseAction{
		ID:       "act-1",
		Type:     model.ActionBlockIP,
		Target:   "203.0.113.7",
		Severity: model.SeverityMedium,
		Attempts: 2,
		Error:    "dataplane unavailable",
	})

	msgs := nc.published(EscalationSubject)
	require.Len(t, msgs, 1)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(msgs[0], &payload))
	assert.Equal(t, "act-1", payload["action_id"])
	assert.Equal(t, float64(2), payload["attempts"])
}
