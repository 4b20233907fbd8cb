package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/pkg/logger"
)

// Payments 定义运行时所需的支付受理能力。
type Payments interface {
	Submit(ctx context.Context, req payment.SubmitRequest) (*payment.Transaction, error)
}

// APICall 记录一次智能体之间的 API 调用及其关联支付。
// 无论支付最终被放行还是拦截，TxID 都会被写入。
type APICall struct {
	CallID        string          `json:"call_id"`
	CallerAgent   string          `json:"caller_agent"`
	ProviderAgent string          `json:"provider_agent"`
	Endpoint      string          `json:"endpoint"`
	Cost          decimal.Decimal `json:"cost"`
	Response      string          `json:"response,omitempty"`
	TxID          string          `json:"tx_id,omitempty"`
	TxStatus      payment.Status  `json:"tx_status,omitempty"`
	CreatedAt     int64           `json:"created_at"`
}

// Runtime 驱动智能体之间的 API 调用与自动付款。
type Runtime struct {
	registry *Registry
	payments Payments

	mu    sync.Mutex
	calls []*APICall
}

// NewRuntime 构造智能体运行时。
func NewRuntime(registry *Registry, payments Payments) *Runtime {
	return &Runtime{registry: registry, payments: payments}
}

// CallAPI 让 caller 调用 provider 的指定端点。
//
// autoPay 打开且端点收费时自动提交一笔支付：资金被预留并进入共识流程，
// 余额不足时支付以 BLOCKED 告终，但调用记录本身照常返回而不报错。
func (rt *Runtime) CallAPI(ctx context.Context, callerID, providerID, endpoint string, autoPay bool) (*APICall, error) {
	if rt == nil || rt.registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "智能体运行时未初始化")
	}
	caller, err := rt.registry.Get(callerID)
	if err != nil {
		return nil, err
	}
	provider, err := rt.registry.Get(providerID)
	if err != nil {
		return nil, err
	}
	if !provider.CanProvide() {
		return nil, xerrors.New(xerrors.CodeInvalidState, "目标智能体不是服务提供者",
			xerrors.WithMetadata("agent_id", provider.ID),
			xerrors.WithMetadata("role", string(provider.Role)))
	}
	if _, ok := provider.Endpoints[endpoint]; !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "服务提供者未注册该端点",
			xerrors.WithMetadata("endpoint", endpoint))
	}

	cost := provider.EndpointCost(endpoint)
	call := &APICall{
		CallID:        uuid.NewString(),
		CallerAgent:   caller.ID,
		ProviderAgent: provider.ID,
		Endpoint:      endpoint,
		Cost:          cost,
		Response:      fmt.Sprintf("%s/%s executed for %s", provider.Name, endpoint, caller.Name),
		CreatedAt:     time.Now().Unix(),
	}

	if autoPay && cost.IsPositive() {
		if rt.payments == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "支付服务未接入运行时")
		}
		tx, payErr := rt.payments.Submit(ctx, payment.SubmitRequest{
			FromWallet: caller.WalletID,
			ToWallet:   provider.WalletID,
			Amount:     cost,
			Memo:       fmt.Sprintf("%s -> %s:%s", caller.Name, provider.Name, endpoint),
		})
		if payErr != nil {
			return nil, payErr
		}
		call.TxID = tx.TxID
		call.TxStatus = tx.Status
	}

	rt.mu.Lock()
	rt.calls = append(rt.calls, call)
	rt.mu.Unlock()

	logger.L().Info("智能体完成一次 API 调用",
		slog.String("call_id", call.CallID),
		slog.String("caller", caller.Name),
		slog.String("provider", provider.Name),
		slog.String("endpoint", endpoint),
		slog.String("cost", cost.String()),
		slog.String("tx_id", call.TxID),
	)

	clone := *call
	return &clone, nil
}

// Calls 返回全部调用记录的快照，按时间顺序排列。
func (rt *Runtime) Calls() []*APICall {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	calls := make([]*APICall, 0, len(rt.calls))
	for _, call := range rt.calls {
		clone := *call
		calls = append(calls, &clone)
	}
	return calls
}
