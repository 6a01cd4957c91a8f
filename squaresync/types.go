package squaresync

import (
	"encoding/json"
	"time"

	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/workflow"
)

// SyncStats is stored on the run as stats_json.
type SyncStats struct {
	Pages         int `json:"pages"`
	PaymentsSeen  int `json:"payments_seen"`
	Linked        int `json:"linked"`
	AutoCreated   int `json:"auto_created"`
	AlreadyLinked int `json:"already_linked"`
	Rejected      int `json:"rejected"`
	NotEligible   int `json:"not_eligible"`
	Ignored       int `json:"ignored"`
	Failed        int `json:"failed"`
	Errors        int `json:"errors"`
}

func (s *SyncStats) add(report workflow.PaymentBatchReport) {
	s.PaymentsSeen += len(report.Outcomes) + len(report.Failed)
	s.Failed += len(report.Failed)
	s.Errors += len(report.Failed)
	for _, o := range report.Outcomes {
		switch o.Action {
		case workflow.PaymentActionLinked:
			s.Linked++
		case workflow.PaymentActionAutoCreated:
			s.AutoCreated++
		case workflow.PaymentActionAlreadyLinked:
			s.AlreadyLinked++
		case workflow.PaymentActionRejected:
			s.Rejected++
		case workflow.PaymentActionNotEligible:
			s.NotEligible++
		default:
			s.Ignored++
		}
	}
}

// Processed counts payments that went through reconciliation without an error.
func (s SyncStats) Processed() int {
	return s.PaymentsSeen - s.Failed
}

func DecodeStats(raw []byte) SyncStats {
	var s SyncStats
	if len(raw) == 0 {
		return s
	}
	_ = json.Unmarshal(raw, &s)
	return s
}

type TriggerSyncRequest struct {
	VenueId int        `json:"venue_id" validate:"required,gt=0"`
	Begin   *time.Time `json:"begin"`
	End     *time.Time `json:"end"`
	Wait    bool       `json:"wait"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncRunResponse struct {
	ID          uint      `json:"id"`
	VenueId     int       `json:"venueId"`
	VenueName   string    `json:"venueName,omitempty"`
	Status      string    `json:"status"`
	TriggeredBy string    `json:"triggeredBy"`
	BeginTime   *string   `json:"beginTime"`
	EndTime     *string   `json:"endTime"`
	StartedAt   *string   `json:"startedAt"`
	FinishedAt  *string   `json:"finishedAt"`
	DurationMs  int64     `json:"durationMs"`
	ErrorCount  int       `json:"errorCount"`
	ParentRunId *uint     `json:"parentRunId,omitempty"`
	Stats       SyncStats `json:"stats"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Errors []SyncErrorResponse `json:"errors"`
}

type SyncErrorResponse struct {
	ID        uint   `json:"id"`
	PaymentId string `json:"paymentId"`
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type SyncPubSubPayload struct {
	RunId   uint `json:"run_id"`
	VenueId int  `json:"venue_id"`
}

func formatTime(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRunToResponse(run models.SquareSyncRun) SyncRunResponse {
	begin, end := run.BeginTime, run.EndTime
	return SyncRunResponse{
		ID:          run.ID,
		VenueId:     run.VenueId,
		Status:      run.Status,
		TriggeredBy: run.TriggeredBy,
		BeginTime:   formatTime(&begin),
		EndTime:     formatTime(&end),
		StartedAt:   formatTime(run.StartedAt),
		FinishedAt:  formatTime(run.FinishedAt),
		DurationMs:  run.DurationMs,
		ErrorCount:  run.ErrorCount,
		ParentRunId: run.ParentRunId,
		Stats:       DecodeStats(run.StatsJSON),
	}
}

func mapErrors(rows []models.SquareSyncError) []SyncErrorResponse {
	out := make([]SyncErrorResponse, 0, len(rows))
	for _, e := range rows {
		out = append(out, SyncErrorResponse{
			ID:        e.ID,
			PaymentId: e.PaymentId,
			ErrorCode: e.ErrorCode,
			Message:   e.Message,
			Retryable: e.Retryable,
		})
	}
	return out
}
