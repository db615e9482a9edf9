package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"gigchain/core/events"
	"gigchain/native/escrow"
)

func TestMarketplaceClientMarksCompleted(t *testing.T) {
	var (
		gotBody      []byte
		gotSignature string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		gotBody = body
		gotSignature = r.Header.Get("X-Webhook-Signature")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewMarketplaceClient(srv.URL, "hunter2", srv.Client())
	err := client.MarkCompleted(escrow.Engagement{
		ID:             "eng-1",
		TalentID:       "talent-1",
		LinkedWorkID:   "job-9",
		LinkedWorkKind: escrow.WorkKindJob,
	})
	require.NoError(t, err)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	require.Equal(t, "eng-1", payload["engagementId"])
	require.Equal(t, "job-9", payload["workId"])
	require.Equal(t, "job", payload["workKind"])
	require.Equal(t, "talent-1", payload["talentId"])

	mac := hmac.New(sha256.New, []byte("hunter2"))
	mac.Write(gotBody)
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSignature)
}

func TestMarketplaceClientRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewMarketplaceClient(srv.URL, "", srv.Client())
	err := client.MarkCompleted(escrow.Engagement{ID: "eng-1"})
	require.Error(t, err)
}

func TestNotifierCountsWorkSyncFailures(t *testing.T) {
	notifier := NewNotifier(nil, nil, NotifierOptions{})

	before := workSyncFailureTotal(t)
	notifier.Emit(events.Event{
		Type:       escrow.EventTypeWorkSyncFailed,
		Attributes: map[string]string{"engagementId": "eng-1"},
	})
	require.Equal(t, before+1, workSyncFailureTotal(t))
}

func workSyncFailureTotal(t *testing.T) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "escrow_worksync_failures_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}
