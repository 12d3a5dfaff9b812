package queue

import (
	"fmt"
	"strconv"
)

// 支付事件类型。
const (
	EventOrderCreated           = "order.created"
	EventPaymentCompleted       = "payment.completed"
	EventPaymentFailed          = "payment.failed"
	EventPaymentRefunded        = "payment.refunded"
	EventPointsRefunded         = "points.refunded"
	EventOrderCancelled         = "order.cancelled"
	EventOrderNetworkCancelled  = "order.network_cancelled"
	EventNetworkCancelCandidate = "network_cancel_candidate"
)

// PaymentMessage 订单 / 支付状态变更事件，经 Redis Stream 转发到 Kafka。
type PaymentMessage struct {
	EventID       string `json:"event_id"`
	Type          string `json:"type"`
	OrderNo       string `json:"order_no"`
	UserID        int64  `json:"user_id"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	TransactionID string `json:"transaction_id,omitempty"`
	Assumed       bool   `json:"assumed,omitempty"`
	OccurredAt    int64  `json:"occurred_at"` // unix 毫秒
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (m PaymentMessage) Validate() error {
	if m.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if m.Type == "" {
		return fmt.Errorf("type is required")
	}
	if m.OrderNo == "" {
		return fmt.Errorf("order_no is required")
	}
	if m.UserID <= 0 {
		return fmt.Errorf("user_id is required")
	}
	if m.Status == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}

// streamValues XADD 使用的字段。
func (m PaymentMessage) streamValues() map[string]any {
	return map[string]any{
		"event_id":       m.EventID,
		"type":           m.Type,
		"order_no":       m.OrderNo,
		"user_id":        m.UserID,
		"status":         m.Status,
		"amount":         m.Amount,
		"transaction_id": m.TransactionID,
		"assumed":        strconv.FormatBool(m.Assumed),
		"occurred_at":    m.OccurredAt,
	}
}

func parsePaymentEvent(values map[string]interface{}) (PaymentMessage, error) {
	var msg PaymentMessage
	var err error
	if msg.EventID, err = getStreamString(values, "event_id"); err != nil {
		return PaymentMessage{}, err
	}
	if msg.Type, err = getStreamString(values, "type"); err != nil {
		return PaymentMessage{}, err
	}
	if msg.OrderNo, err = getStreamString(values, "order_no"); err != nil {
		return PaymentMessage{}, err
	}
	if msg.Status, err = getStreamString(values, "status"); err != nil {
		return PaymentMessage{}, err
	}
	userStr, err := getStreamString(values, "user_id")
	if err != nil {
		return PaymentMessage{}, err
	}
	if msg.UserID, err = strconv.ParseInt(userStr, 10, 64); err != nil {
		return PaymentMessage{}, fmt.Errorf("invalid user_id %q", userStr)
	}
	amountStr, err := getStreamString(values, "amount")
	if err != nil {
		return PaymentMessage{}, err
	}
	if msg.Amount, err = strconv.ParseInt(amountStr, 10, 64); err != nil {
		return PaymentMessage{}, fmt.Errorf("invalid amount %q", amountStr)
	}
	// 以下字段可缺省
	msg.TransactionID, _ = getStreamString(values, "transaction_id")
	if s, err := getStreamString(values, "assumed"); err == nil {
		msg.Assumed, _ = strconv.ParseBool(s)
	}
	if s, err := getStreamString(values, "occurred_at"); err == nil {
		msg.OccurredAt, _ = strconv.ParseInt(s, 10, 64)
	}

	if err := msg.Validate(); err != nil {
		return PaymentMessage{}, err
	}
	return msg, nil
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatInt(int64(x), 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
