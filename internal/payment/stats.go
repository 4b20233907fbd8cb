package payment

// TxStats 聚合了交易状态的统计信息，常用于仪表盘或健康检查。
type TxStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Approved        int   `json:"approved"`
	Blocked         int   `json:"blocked"`
	Settled         int   `json:"settled"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}
