package workflow

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/sirupsen/logrus"
)

func TestMissingZeptoAgreementFields(t *testing.T) {
	payload := map[string]any{
		"uid":         "agr-1",
		"purpose":     "mortgage",
		"description": "Kickback weekly invoices",
		"debtor": map[string]any{
			"party_name": "Cafe Pty Ltd",
			"account_identifier": map[string]any{
				"type":  "PHONE",
				"value": "",
			},
		},
		"creditor": map[string]any{
			"party_name":          "Kickback",
			"ultimate_party_name": "Kickback",
			"account_identifier":  map[string]any{"type": "BBAN", "value": "062000-12345678"},
		},
		"payment_terms": map[string]any{"type": "VARI", "frequency": "WEEK"},
	}
	got := MissingZeptoAgreementFields(payload)
	if strings.Join(got, ",") != "debtor.account_identifier.value" {
		t.Fatalf("unexpected missing fields %v", got)
	}

	if all := MissingZeptoAgreementFields(map[string]any{}); len(all) != 12 {
		t.Fatalf("expected every field missing, got %v", all)
	}
}

func TestParseZeptoEvents_Array(t *testing.T) {
	body := `{
		"data": [
			{"id": "evt-1", "type": "payto_agreement.activated", "resource_uid": "agr-1", "published_at": "2026-03-01T10:00:00Z"},
			{"type": "payto_payment.settled", "uid": "pay-1"}
		],
		"event": {"type": "payto_payment.settled", "at": "2026-03-02T00:00:00Z"}
	}`
	events, err := ParseZeptoEvents([]byte(body), "req-9")
	if err != nil {
		t.Fatalf("ParseZeptoEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	first := events[0]
	if first.EventId != "evt-1" || first.ResourceUid != "agr-1" || first.ResourceType != models.PayToResourceAgreement {
		t.Fatalf("first event: %+v", first)
	}
	if first.PublishedAt == nil || !first.PublishedAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("first published_at: %v", first.PublishedAt)
	}

	second := events[1]
	if second.EventId != "req-9:1" {
		t.Fatalf("expected synthesized id, got %q", second.EventId)
	}
	if second.ResourceUid != "pay-1" || second.ResourceType != models.PayToResourcePayment {
		t.Fatalf("second event: %+v", second)
	}
	if second.PublishedAt == nil || !second.PublishedAt.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("second should fall back to event.at, got %v", second.PublishedAt)
	}
}

func TestParseZeptoEvents_SingleObject(t *testing.T) {
	body := `{"data": {"id": "evt-2", "resource_uid": "agr-2"}, "event": {"type": "payto_agreement.suspended"}}`
	events, err := ParseZeptoEvents([]byte(body), "")
	if err != nil {
		t.Fatalf("ParseZeptoEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.EventType != "payto_agreement.suspended" || ev.ResourceType != models.PayToResourceAgreement {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.PublishedAt != nil {
		t.Fatalf("expected no published_at, got %v", ev.PublishedAt)
	}
}

func TestParseZeptoEvents_Invalid(t *testing.T) {
	for _, body := range []string{`not json`, `{"data": null}`, `{}`} {
		if _, err := ParseZeptoEvents([]byte(body), "req"); err == nil {
			t.Fatalf("expected error for %s", body)
		}
	}
}

func TestDecodeZeptoEventBody_WarnsOnMalformedBody(t *testing.T) {
	var buf bytes.Buffer
	logger := config.GetLogger()
	prevOut, prevLevel := logger.Out, logger.GetLevel()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.InfoLevel)
	t.Cleanup(func() {
		logger.SetOutput(prevOut)
		logger.SetLevel(prevLevel)
	})

	got := decodeZeptoEventBody(ZeptoEvent{
		EventId:      "evt-9",
		EventType:    "payto_payment.failed",
		ResourceType: models.PayToResourcePayment,
		ResourceUid:  "pay-1",
		Body:         json.RawMessage(`{"reason":`),
	})
	if got.Reason != "" || got.MmsAgreementId != "" {
		t.Fatalf("expected empty body, got %+v", got)
	}
	out := buf.String()
	if !strings.Contains(out, "malformed zepto event body") || !strings.Contains(out, `"event_id":"evt-9"`) || !strings.Contains(out, `"level":"warning"`) {
		t.Fatalf("expected a warning naming the event, got %q", out)
	}

	buf.Reset()
	got = decodeZeptoEventBody(ZeptoEvent{EventId: "evt-10", Body: json.RawMessage(`{"reason":"insufficient_funds"}`)})
	if got.Reason != "insufficient_funds" || buf.Len() != 0 {
		t.Fatalf("well-formed body: got %+v log=%q", got, buf.String())
	}
}
