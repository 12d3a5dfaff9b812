package redis

import "fmt"

// OrderLockKey 同一订单的回调 / 退款 / 网络取消串行化。
func OrderLockKey(orderNo string) string {
	return fmt.Sprintf("checkout_pay:lock:order:%s", orderNo)
}

// CallbackReplayKey 回调指纹对应的已处理结果。
func CallbackReplayKey(fingerprint string) string {
	return fmt.Sprintf("checkout_pay:callback:replay:%s", fingerprint)
}

// RateLimitKey scope 为路由分组，subject 为订单号或客户端 IP。
func RateLimitKey(scope, subject string) string {
	return fmt.Sprintf("checkout_pay:rate_limit:%s:%s", scope, subject)
}

// OnceKey 标记某个一次性动作（如外发事件）是否已执行。
func OnceKey(action, id string) string {
	return fmt.Sprintf("checkout_pay:once:%s:%s", action, id)
}
