package advisory

import (
	"context"

	"AgentPay-Chain/internal/settlement"
)

// AgentSummary 描述一个智能体的概要信息，供风险顾问使用。
type AgentSummary struct {
	ID       string
	Name     string
	Role     string
	WalletID string
}

// Request 描述发送给风险顾问的分析上下文。
type Request struct {
	Question string
	Agents   []AgentSummary
	Records  []settlement.Record
}

// Report 是风险顾问给出的结构化分析结论。
type Report struct {
	Thought string
	Summary string
}

// Client 定义了调用风险顾问的统一接口。
type Client interface {
	Analyze(ctx context.Context, req Request) (*Report, error)
}
