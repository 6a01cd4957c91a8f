package squaresync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/workflow"
)

func TestSyncWindow(t *testing.T) {
	settings := config.SettlementSettings{
		SyncDefaultLookback: 24 * time.Hour,
		SyncOverlap:         10 * time.Minute,
	}
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	last := time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)

	cases := []struct {
		name      string
		lastSync  *time.Time
		wantBegin time.Time
	}{
		{name: "never synced", lastSync: nil, wantBegin: now.Add(-24 * time.Hour)},
		{name: "overlaps previous sync", lastSync: &last, wantBegin: last.Add(-10 * time.Minute)},
		{name: "clock ahead", lastSync: &future, wantBegin: now.Add(-10 * time.Minute)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SyncWindow(models.SquareConnection{LastSyncAt: tc.lastSync}, now, settings)
			if !got.Begin.Equal(tc.wantBegin) {
				t.Fatalf("begin = %s, want %s", got.Begin, tc.wantBegin)
			}
			if !got.End.Equal(now) {
				t.Fatalf("end = %s, want %s", got.End, now)
			}
		})
	}
}

func TestSummarizeStatus(t *testing.T) {
	cases := []struct {
		name  string
		stats SyncStats
		want  string
	}{
		{name: "empty window", stats: SyncStats{Pages: 1}, want: models.SyncRunStatusSuccess},
		{name: "clean", stats: SyncStats{PaymentsSeen: 4, Linked: 2, Ignored: 2}, want: models.SyncRunStatusSuccess},
		{name: "some payments failed", stats: SyncStats{PaymentsSeen: 4, Failed: 1, Errors: 1}, want: models.SyncRunStatusPartial},
		{name: "listing failed", stats: SyncStats{Errors: 1}, want: models.SyncRunStatusFailed},
		{name: "every payment failed", stats: SyncStats{PaymentsSeen: 2, Failed: 2, Errors: 2}, want: models.SyncRunStatusFailed},
	}
	for _, tc := range cases {
		if got := summarizeStatus(tc.stats); got != tc.want {
			t.Fatalf("%s: status = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestSyncStatsAdd(t *testing.T) {
	var s SyncStats
	s.add(workflow.PaymentBatchReport{
		Outcomes: []workflow.PaymentOutcome{
			{PaymentId: "a", Action: workflow.PaymentActionLinked},
			{PaymentId: "b", Action: workflow.PaymentActionAutoCreated},
			{PaymentId: "c", Action: workflow.PaymentActionAlreadyLinked},
			{PaymentId: "d", Action: workflow.PaymentActionRejected},
			{PaymentId: "e", Action: workflow.PaymentActionNotEligible},
			{PaymentId: "f", Action: workflow.PaymentActionIgnored},
		},
		Failed: []workflow.PaymentFailure{{PaymentId: "g", Reason: "boom"}},
	})
	s.add(workflow.PaymentBatchReport{
		Outcomes: []workflow.PaymentOutcome{{PaymentId: "h", Action: workflow.PaymentActionLinked}},
	})

	want := SyncStats{
		PaymentsSeen:  8,
		Linked:        2,
		AutoCreated:   1,
		AlreadyLinked: 1,
		Rejected:      1,
		NotEligible:   1,
		Ignored:       1,
		Failed:        1,
		Errors:        1,
	}
	if s != want {
		t.Fatalf("stats = %+v, want %+v", s, want)
	}
	if s.Processed() != 7 {
		t.Fatalf("processed = %d, want 7", s.Processed())
	}

	raw, _ := json.Marshal(s)
	if got := DecodeStats(raw); got != s {
		t.Fatalf("decoded stats = %+v", got)
	}
	if got := DecodeStats(nil); got != (SyncStats{}) {
		t.Fatalf("nil stats = %+v", got)
	}
}

func TestDecodePushPayload(t *testing.T) {
	data, _ := json.Marshal(SyncPubSubPayload{RunId: 7, VenueId: 3})
	envelope := PubSubPushEnvelope{}
	envelope.Message.Data = data
	envelope.Message.ID = "m-1"
	body, _ := json.Marshal(envelope)

	got, ok := decodePushPayload(body)
	if !ok || got.RunId != 7 || got.VenueId != 3 {
		t.Fatalf("payload = %+v ok=%v", got, ok)
	}

	missingRun, _ := json.Marshal(SyncPubSubPayload{VenueId: 3})
	envelope.Message.Data = missingRun
	body, _ = json.Marshal(envelope)
	if _, ok := decodePushPayload(body); ok {
		t.Fatalf("expected payload without run id to be rejected")
	}
	if _, ok := decodePushPayload([]byte("not json")); ok {
		t.Fatalf("expected garbage to be rejected")
	}
}
