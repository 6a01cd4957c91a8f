package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/rails"
	"github.com/mmdatafocus/kickback_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	platformZeptoConnectionId = "sandbox"

	helloCleverAgreementFrequency = "MONTHLY"
	helloCleverAgreementStartDate = "15/07/24"
)

// ZeptoRailFactory opens an agreement rail with an access token.
type ZeptoRailFactory func(accessToken string) (rails.AgreementRail, error)

func ZeptoRail(accessToken string) (rails.AgreementRail, error) {
	client, err := rails.NewZeptoClient(accessToken, rails.ZeptoBaseURL())
	if err != nil {
		return nil, err
	}
	return client, nil
}

// ResolveZeptoToken prefers the venue's own connection, then the platform connection, then the env token.
func ResolveZeptoToken(ctx context.Context, db *gorm.DB, venueId int) (string, error) {
	var conn models.ZeptoConnection
	if venueId > 0 {
		err := db.WithContext(ctx).Where("venue_id = ?", venueId).Take(&conn).Error
		if err == nil && conn.AccessToken != "" {
			return conn.AccessToken, nil
		}
		if err != nil && err != gorm.ErrRecordNotFound {
			return "", err
		}
	}
	conn = models.ZeptoConnection{}
	err := db.WithContext(ctx).Where("connection_id = ?", platformZeptoConnectionId).Take(&conn).Error
	if err == nil && conn.AccessToken != "" {
		return conn.AccessToken, nil
	}
	if err != nil && err != gorm.ErrRecordNotFound {
		return "", err
	}
	if token := rails.ZeptoEnvAccessToken(); token != "" {
		return token, nil
	}
	return "", utils.NewValidationError("access_token", "missing_access_token")
}

// OpenZeptoRail resolves the token for a venue and opens the rail.
func OpenZeptoRail(ctx context.Context, db *gorm.DB, venueId int, factory ZeptoRailFactory) (rails.AgreementRail, error) {
	token, err := ResolveZeptoToken(ctx, db, venueId)
	if err != nil {
		return nil, err
	}
	if factory == nil {
		factory = ZeptoRail
	}
	return factory(token)
}

func nestedMap(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

func nestedString(m map[string]any, keys ...string) string {
	cur := m
	for i, k := range keys {
		if cur == nil {
			return ""
		}
		if i == len(keys)-1 {
			switch v := cur[k].(type) {
			case string:
				return strings.TrimSpace(v)
			case json.Number:
				return v.String()
			case float64:
				return decimal.NewFromFloat(v).String()
			}
			return ""
		}
		cur = nestedMap(cur, k)
	}
	return ""
}

// MissingZeptoAgreementFields lists the required agreement fields absent from payload.
func MissingZeptoAgreementFields(payload map[string]any) []string {
	required := [][]string{
		{"uid"},
		{"purpose"},
		{"description"},
		{"debtor", "party_name"},
		{"debtor", "account_identifier", "type"},
		{"debtor", "account_identifier", "value"},
		{"creditor", "party_name"},
		{"creditor", "ultimate_party_name"},
		{"creditor", "account_identifier", "type"},
		{"creditor", "account_identifier", "value"},
		{"payment_terms", "type"},
		{"payment_terms", "frequency"},
	}
	var missing []string
	for _, path := range required {
		if nestedString(payload, path...) == "" {
			missing = append(missing, strings.Join(path, "."))
		}
	}
	return missing
}

// CreateZeptoAgreement asks Zepto for a new mandate and stores it pending. A venue gets one agreement.
func CreateZeptoAgreement(ctx context.Context, db *gorm.DB, rail rails.AgreementRail, venueId int, payload map[string]any) (*models.PayToAgreement, error) {
	ctx, span := tracer.Start(ctx, "CreateZeptoAgreement")
	defer span.End()
	span.SetAttributes(attribute.Int("venue_id", venueId))

	if venueId <= 0 {
		return nil, utils.NewValidationError("venue_id", "is required")
	}
	existing, err := models.LatestAgreementForVenue(ctx, db, venueId, models.PaymentRailZepto)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, utils.NewConflictError("agreement_exists", "venue %d already has agreement %s", venueId, existing.Uid)
	}
	if missing := MissingZeptoAgreementFields(payload); len(missing) > 0 {
		return nil, utils.NewValidationError("missing_params", "%s", strings.Join(missing, ","))
	}

	// PayID aliases are stored in the form the rail resolves.
	if ident := nestedMap(nestedMap(payload, "debtor"), "account_identifier"); ident != nil {
		if t, ok := rails.DetectPayIdType(nestedString(ident, "value")); ok && strings.EqualFold(nestedString(ident, "type"), string(t)) {
			ident["value"] = rails.NormalizePayId(nestedString(ident, "value"), t)
		}
	}

	result, err := rail.CreateAgreement(ctx, payload)
	if err != nil {
		return nil, err
	}
	uid := result.Uid
	if uid == "" {
		uid = nestedString(payload, "uid")
	}
	request, _ := json.Marshal(payload)
	agreement := models.PayToAgreement{
		Rail:            models.PaymentRailZepto,
		Uid:             uid,
		VenueId:         &venueId,
		State:           models.PayToAgreementStatePending,
		RequestPayload:  request,
		ResponsePayload: result.Body,
	}
	if t := nestedString(payload, "debtor", "account_identifier", "type"); t != "" {
		agreement.PayIdType = utils.NewString(t)
		agreement.PayIdValue = utils.NewString(nestedString(payload, "debtor", "account_identifier", "value"))
	}
	if maxAmount := nestedString(payload, "payment_terms", "max_amount"); maxAmount != "" {
		if d, err := utils.ParseDecimal(maxAmount); err == nil {
			limit := utils.FromCents(d.IntPart())
			agreement.LimitAmount = &limit
		}
	}
	err = db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uid"}},
		DoUpdates: clause.AssignmentColumns([]string{"venue_id", "request_payload", "response_payload", "updated_at"}),
	}).Create(&agreement).Error
	if err != nil {
		return nil, err
	}
	return &agreement, nil
}

// AmendZeptoAgreement forwards the changes. A new max_amount is merged into the stored request.
func AmendZeptoAgreement(ctx context.Context, db *gorm.DB, rail rails.AgreementRail, uid string, changes map[string]any) (rails.AgreementResult, error) {
	if uid == "" {
		return rails.AgreementResult{}, utils.NewValidationError("uid", "missing_agreement_uid")
	}
	if len(changes) == 0 {
		return rails.AgreementResult{}, utils.NewValidationError("changes", "missing_changes")
	}
	result, err := rail.AmendAgreement(ctx, uid, changes)
	if err != nil {
		return result, err
	}
	terms := nestedMap(changes, "payment_terms")
	if terms == nil || terms["max_amount"] == nil {
		return result, nil
	}

	var stored models.PayToAgreement
	err = db.WithContext(ctx).Where("uid = ?", uid).Take(&stored).Error
	if err == gorm.ErrRecordNotFound {
		return result, nil
	}
	if err != nil {
		return result, err
	}
	request := map[string]any{}
	if len(stored.RequestPayload) > 0 {
		_ = json.Unmarshal(stored.RequestPayload, &request)
	}
	merged := nestedMap(request, "payment_terms")
	if merged == nil {
		merged = map[string]any{}
	}
	merged["max_amount"] = terms["max_amount"]
	request["payment_terms"] = merged
	b, err := json.Marshal(request)
	if err != nil {
		return result, err
	}
	updates := map[string]interface{}{"request_payload": b}
	if d, err := utils.ParseDecimal(nestedString(changes, "payment_terms", "max_amount")); err == nil {
		updates["limit_amount"] = utils.FromCents(d.IntPart())
	}
	return result, db.WithContext(ctx).Model(&models.PayToAgreement{}).Where("uid = ?", uid).Updates(updates).Error
}

func SuspendZeptoAgreement(ctx context.Context, rail rails.AgreementRail, uid, reason, narrative string) (rails.AgreementResult, error) {
	if uid == "" {
		return rails.AgreementResult{}, utils.NewValidationError("uid", "missing_agreement_uid")
	}
	return rail.SuspendAgreement(ctx, uid, reason, narrative)
}

func ReactivateZeptoAgreement(ctx context.Context, rail rails.AgreementRail, uid string) (rails.AgreementResult, error) {
	if uid == "" {
		return rails.AgreementResult{}, utils.NewValidationError("uid", "missing_agreement_uid")
	}
	return rail.ReactivateAgreement(ctx, uid)
}

// ZeptoEvent is one item of a Zepto webhook delivery.
type ZeptoEvent struct {
	EventId      string
	EventType    string
	ResourceType string
	ResourceUid  string
	PublishedAt  *time.Time
	Body         json.RawMessage
}

type zeptoEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Event struct {
		Type string `json:"type"`
		At   string `json:"at"`
	} `json:"event"`
}

type zeptoItem struct {
	Id           string          `json:"id"`
	Type         string          `json:"type"`
	Uid          string          `json:"uid"`
	ResourceUid  string          `json:"resource_uid"`
	ResourceType string          `json:"resource_type"`
	PublishedAt  string          `json:"published_at"`
	Body         json.RawMessage `json:"body"`
}

func parseEventTime(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// ParseZeptoEvents splits a delivery into events. data may be one object or an array; items
// without an id are keyed by the delivery's request id and their position.
func ParseZeptoEvents(payload []byte, requestId string) ([]ZeptoEvent, error) {
	var env zeptoEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, utils.NewValidationError("payload", "invalid_payload")
	}
	raw := strings.TrimSpace(string(env.Data))
	if raw == "" || raw == "null" {
		return nil, utils.NewValidationError("data", "invalid_payload")
	}
	var items []zeptoItem
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal(env.Data, &items); err != nil {
			return nil, utils.NewValidationError("data", "invalid_payload")
		}
	} else {
		var one zeptoItem
		if err := json.Unmarshal(env.Data, &one); err != nil {
			return nil, utils.NewValidationError("data", "invalid_payload")
		}
		items = []zeptoItem{one}
	}

	out := make([]ZeptoEvent, 0, len(items))
	for i, it := range items {
		ev := ZeptoEvent{EventId: it.Id, EventType: it.Type, Body: it.Body}
		if ev.EventId == "" && requestId != "" {
			ev.EventId = fmt.Sprintf("%s:%d", requestId, i)
		}
		if ev.EventType == "" {
			ev.EventType = env.Event.Type
		}
		switch {
		case it.ResourceUid != "":
			ev.ResourceUid = it.ResourceUid
		case it.Uid != "":
			ev.ResourceUid = it.Uid
		default:
			ev.ResourceUid = it.Id
		}
		ev.ResourceType = models.InferPayToResourceType(ev.EventType, it.ResourceType)
		ev.PublishedAt = parseEventTime(it.PublishedAt)
		if ev.PublishedAt == nil {
			ev.PublishedAt = parseEventTime(env.Event.At)
		}
		out = append(out, ev)
	}
	return out, nil
}

type zeptoEventBody struct {
	MmsAgreementId string          `json:"mms_agreement_id"`
	Reason         string          `json:"reason"`
	CausedBy       string          `json:"caused_by"`
	Failure        json.RawMessage `json:"failure"`
}

// decodeZeptoEventBody reads the optional fields of a resource body. A body that does not decode
// is logged and treated as empty; the resource is still upserted from the event itself.
func decodeZeptoEventBody(ev ZeptoEvent) zeptoEventBody {
	var body zeptoEventBody
	if len(ev.Body) == 0 {
		return body
	}
	if err := json.Unmarshal(ev.Body, &body); err != nil {
		config.GetLogger().WithFields(logrus.Fields{
			"field":         "zepto",
			"event_id":      ev.EventId,
			"event_type":    ev.EventType,
			"resource_type": ev.ResourceType,
			"resource_uid":  ev.ResourceUid,
		}).Warn("malformed zepto event body: " + err.Error())
		return zeptoEventBody{}
	}
	return body
}

func jsonOrNil(b json.RawMessage) []byte {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return b
}

// ApplyZeptoEvent upserts the agreement, payment or refund the event is about. A settled
// payment for a venue invoice settles that invoice's week.
func ApplyZeptoEvent(ctx context.Context, db *gorm.DB, ev ZeptoEvent) (*VenueSettlement, error) {
	ctx, span := tracer.Start(ctx, "ApplyZeptoEvent")
	defer span.End()
	span.SetAttributes(attribute.String("event_type", ev.EventType), attribute.String("resource_uid", ev.ResourceUid))

	if ev.ResourceUid == "" || ev.ResourceType == "" || ev.EventType == "" {
		return nil, nil
	}
	body := decodeZeptoEventBody(ev)
	now := time.Now().UTC()
	eventType := ev.EventType
	cols := []string{"last_event_type", "last_webhook_at", "last_webhook_body", "updated_at"}

	switch ev.ResourceType {
	case models.PayToResourceAgreement:
		row := models.PayToAgreement{
			Uid:             ev.ResourceUid,
			Rail:            models.PaymentRailZepto,
			State:           models.PayToAgreementStatePending,
			LastEventType:   &eventType,
			LastWebhookAt:   &now,
			LastWebhookBody: jsonOrNil(ev.Body),
		}
		if state, ok := models.AgreementStateForEvent(eventType); ok {
			row.State = state
			cols = append(cols, "state")
		}
		if body.MmsAgreementId != "" {
			row.MmsAgreementId = utils.NewString(body.MmsAgreementId)
			cols = append(cols, "mms_agreement_id")
		}
		if body.Reason != "" {
			row.StateReason = utils.NewString(body.Reason)
			cols = append(cols, "state_reason")
		}
		if body.CausedBy != "" {
			row.StateCausedBy = utils.NewString(body.CausedBy)
			cols = append(cols, "state_caused_by")
		}
		return nil, upsertByUid(ctx, db, &row, cols)

	case models.PayToResourcePayment:
		row := models.PayToPayment{
			Uid:             ev.ResourceUid,
			State:           "pending",
			LastEventType:   &eventType,
			LastWebhookAt:   &now,
			LastWebhookBody: jsonOrNil(ev.Body),
		}
		state, known := models.PaymentStateForEvent(eventType)
		if known {
			row.State = state
			cols = append(cols, "state")
		}
		if f := jsonOrNil(body.Failure); f != nil {
			row.Failure = f
			cols = append(cols, "failure")
		}
		if err := upsertByUid(ctx, db, &row, cols); err != nil {
			return nil, err
		}
		if state != "settled" {
			return nil, nil
		}
		return settleForPayToPayment(ctx, db, ev.ResourceUid)

	case models.PayToResourceRefund:
		row := models.PayToRefund{
			Uid:             ev.ResourceUid,
			Status:          "pending",
			LastEventType:   &eventType,
			LastWebhookAt:   &now,
			LastWebhookBody: jsonOrNil(ev.Body),
		}
		if status, ok := models.RefundStatusForEvent(eventType); ok {
			row.Status = status
			cols = append(cols, "status")
		}
		return nil, upsertByUid(ctx, db, &row, cols)
	}
	return nil, nil
}

func upsertByUid(ctx context.Context, db *gorm.DB, row any, cols []string) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uid"}},
		DoUpdates: clause.AssignmentColumns(cols),
	}).Create(row).Error
}

func settleForPayToPayment(ctx context.Context, db *gorm.DB, paymentUid string) (*VenueSettlement, error) {
	var payment models.PayToPayment
	if err := db.WithContext(ctx).Where("uid = ?", paymentUid).Take(&payment).Error; err != nil {
		return nil, err
	}
	var req *models.VenuePaymentRequest
	if payment.VenuePaymentRequestId != nil {
		var found models.VenuePaymentRequest
		err := db.WithContext(ctx).Where("id = ?", *payment.VenuePaymentRequestId).Take(&found).Error
		if err != nil && err != gorm.ErrRecordNotFound {
			return nil, err
		}
		if err == nil {
			req = &found
		}
	}
	if req == nil {
		var err error
		req, err = models.FindVenuePaymentRequest(ctx, db, paymentUid, "")
		if err != nil || req == nil {
			return nil, err
		}
	}
	now := time.Now().UTC()
	if err := db.WithContext(ctx).Model(&models.VenuePaymentRequest{}).
		Where("id = ? AND paid_at IS NULL", req.ID).
		Updates(map[string]interface{}{"paid_at": &now, "status": models.VenuePaymentStatusPaid}).Error; err != nil {
		return nil, err
	}
	return SettlePaymentRequest(ctx, db, req)
}

// HelloCleverAgreementCreator is the part of the HelloClever client agreements need.
type HelloCleverAgreementCreator interface {
	CreateAgreement(ctx context.Context, a rails.HelloCleverAgreementRequest) (rails.HelloCleverAgreementResult, error)
}

type HelloCleverAgreementInput struct {
	VenueId              int             `json:"venue_id" validate:"required,gt=0"`
	PayId                string          `json:"pay_id" validate:"required"`
	PayerName            string          `json:"payer_name" validate:"required"`
	LimitAmount          decimal.Decimal `json:"limit_amount"`
	Description          string          `json:"description" validate:"required"`
	PaymentAgreementType string          `json:"payment_agreement_type" validate:"required"`
	ExternalId           string          `json:"external_id"`
	PublicBaseURL        string          `json:"-"`
}

// CreateHelloCleverAgreement requests a monthly variable PayTo mandate through HelloClever.
func CreateHelloCleverAgreement(ctx context.Context, db *gorm.DB, client HelloCleverAgreementCreator, input HelloCleverAgreementInput) (*models.PayToAgreement, error) {
	ctx, span := tracer.Start(ctx, "CreateHelloCleverAgreement")
	defer span.End()

	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if !input.LimitAmount.IsPositive() {
		return nil, utils.NewValidationError("limit_amount", "invalid_limit_amount")
	}
	payIdType, ok := rails.DetectPayIdType(input.PayId)
	if !ok {
		return nil, utils.NewValidationError("pay_id", "invalid_pay_id")
	}
	payId := rails.NormalizePayId(input.PayId, payIdType)
	clientTxId := uuid.NewString()

	req := rails.HelloCleverAgreementRequest{
		ClientTransactionId:  clientTxId,
		LimitAmount:          input.LimitAmount.StringFixed(2),
		Description:          input.Description,
		ExternalId:           input.ExternalId,
		PaymentAgreementType: input.PaymentAgreementType,
		StartDate:            helloCleverAgreementStartDate,
		Frequency:            helloCleverAgreementFrequency,
		PayerName:            input.PayerName,
		PayId:                payId,
		PayIdType:            payIdType,
		NotifyURL:            strings.TrimRight(input.PublicBaseURL, "/") + "/webhooks/helloclever/payto",
	}
	result, err := client.CreateAgreement(ctx, req)
	if err != nil {
		return nil, err
	}
	uid := result.PaymentAgreementId
	if uid == "" {
		uid = result.Id
	}
	if uid == "" {
		uid = clientTxId
	}
	state := strings.ToLower(strings.TrimSpace(result.Status))
	if state == "" {
		state = models.PayToAgreementStatePending
	}
	request, _ := json.Marshal(req)
	limit := input.LimitAmount
	venueId := input.VenueId
	agreement := models.PayToAgreement{
		Rail:                models.PaymentRailHelloClever,
		Uid:                 uid,
		VenueId:             &venueId,
		ClientTransactionId: &clientTxId,
		State:               state,
		PayIdType:           utils.NewString(string(payIdType)),
		PayIdValue:          utils.NewString(payId),
		LimitAmount:         &limit,
		RequestPayload:      request,
		ResponsePayload:     result.Body,
	}
	if err := db.WithContext(ctx).Create(&agreement).Error; err != nil {
		return nil, err
	}
	return &agreement, nil
}

// ApplyHelloCleverAgreementStatus records a status callback, matching the agreement id first
// and the client transaction id second.
func ApplyHelloCleverAgreementStatus(ctx context.Context, db *gorm.DB, agreementId, clientTxId, status string, body []byte) (*models.PayToAgreement, error) {
	if agreementId == "" && clientTxId == "" {
		return nil, utils.NewValidationError("payment_agreement_id", "missing_identifier")
	}
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"state":           strings.ToLower(strings.TrimSpace(status)),
		"last_webhook_at": &now,
	}
	if len(body) > 0 && json.Valid(body) {
		updates["last_webhook_body"] = body
	}
	for _, q := range []struct {
		column string
		value  string
	}{{"uid", agreementId}, {"client_transaction_id", clientTxId}} {
		if q.value == "" {
			continue
		}
		res := db.WithContext(ctx).Model(&models.PayToAgreement{}).
			Where(q.column+" = ? AND rail = ?", q.value, models.PaymentRailHelloClever).
			Updates(updates)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		var a models.PayToAgreement
		if err := db.WithContext(ctx).Where(q.column+" = ?", q.value).Take(&a).Error; err != nil {
			return nil, err
		}
		return &a, nil
	}
	return nil, nil
}
