package gateway

// Operation 网关操作，每种操作有独立的成功码集合。
type Operation string

const (
	OpAuthorize Operation = "AUTHORIZE"
	OpCapture   Operation = "CAPTURE"
	OpRefund    Operation = "REFUND"
	OpNetCancel Operation = "NETWORK_CANCEL"
)

// CodeSet 成功码集合。
type CodeSet map[string]struct{}

func codeSet(codes ...string) CodeSet {
	s := make(CodeSet, len(codes))
	for _, c := range codes {
		s[c] = struct{}{}
	}
	return s
}

// Contains 判断结果码是否表示成功。
func (s CodeSet) Contains(code string) bool {
	_, ok := s[code]
	return ok
}

var inicisCodes = map[Operation]CodeSet{
	OpAuthorize: codeSet("0000"),
	OpCapture:   codeSet("0000"),
	OpRefund:    codeSet("00"),
	OpNetCancel: codeSet("0000"),
}

var nicePayCodes = map[Operation]CodeSet{
	OpAuthorize: codeSet("0000"),
	// 信用卡 / 账户转账 / 虚拟账户 / 手机小额 / 现金收据
	OpCapture: codeSet("3001", "4000", "4100", "A000", "7001"),
	// 信用卡取消 / 账户转账取消 / 虚拟账户取消
	OpRefund:    codeSet("2001", "2211", "2221"),
	OpNetCancel: codeSet("2001", "2211", "2221"),
}
