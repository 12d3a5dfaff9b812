package gateway

import (
	"fmt"
	"time"
)

// OutcomeKind 网关调用结果分类。传输失败与显式拒绝是两种不同结论。
type OutcomeKind int

const (
	OutcomeApproved OutcomeKind = iota + 1
	OutcomeRejected
	// OutcomeTransportFailed 超时 / 连接失败 / 非 2xx：网关可能已经扣款
	OutcomeTransportFailed
	// OutcomeMalformed 响应无法解析或缺少结果码，同样无法判断网关侧状态
	OutcomeMalformed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeApproved:
		return "approved"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTransportFailed:
		return "transport_failed"
	case OutcomeMalformed:
		return "malformed"
	}
	return "unknown"
}

// Outcome 适配器对外唯一的返回形态，网关错误不以 Go error 越过适配器边界。
type Outcome struct {
	Kind      OutcomeKind
	Operation Operation

	ResultCode    string
	ResultMessage string
	TransactionID string
	HTTPStatus    int

	CardName          string
	CardCode          string
	ApprovalCode      string
	CompensationURL   string
	CompensationToken string
	CompletedAt       time.Time

	Fields map[string]string
	Err    error
}

func (o Outcome) Approved() bool { return o.Kind == OutcomeApproved }

// Ambiguous 无法确定网关侧是否已经生效。
func (o Outcome) Ambiguous() bool {
	return o.Kind == OutcomeTransportFailed || o.Kind == OutcomeMalformed
}

// Summary 日志与审计使用。
func (o Outcome) Summary() string {
	if o.Err != nil {
		return fmt.Sprintf("%s %s: %v", o.Operation, o.Kind, o.Err)
	}
	return fmt.Sprintf("%s %s code=%s msg=%s", o.Operation, o.Kind, o.ResultCode, o.ResultMessage)
}
