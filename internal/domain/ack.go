package domain

// Acknowledgment 下单回执的原始形态。
//
// 交易所（以及不同版本的客户端）返回的回执结构并不统一，这里只保留解码后的原始值：
// map[string]any / []any / json.Number / float64 / int64 / string。
// 具体怎么从中取出订单 ID 由 ledger 的解析链决定。
type Acknowledgment struct {
	Payload any   // 通知里的 DATA 部分
	Info    []any // 通知的附加信息数组
	ID      any   // 直接暴露的 id
}

// Shape 列出回执中存在的字段，用于日志诊断
func (a Acknowledgment) Shape() []string {
	var fields []string
	if a.Payload != nil {
		switch a.Payload.(type) {
		case []any:
			fields = append(fields, "payload:list")
		case map[string]any:
			fields = append(fields, "payload:record")
		default:
			fields = append(fields, "payload:value")
		}
	}
	if len(a.Info) > 0 {
		fields = append(fields, "info")
	}
	if a.ID != nil {
		fields = append(fields, "id")
	}
	if len(fields) == 0 {
		fields = append(fields, "empty")
	}
	return fields
}
