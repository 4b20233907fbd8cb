package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "AgentPay-Chain/internal/errors"
)

// Role 表示智能体在模拟中的职责，是一个封闭的枚举。
// 角色在注册时确定，之后不允许重新分配。
type Role string

const (
	RoleAPIConsumer      Role = "API_CONSUMER"
	RoleAPIProvider      Role = "API_PROVIDER"
	RolePaymentValidator Role = "PAYMENT_VALIDATOR"
)

// IsValidRole 检查角色是否为支持的枚举值。
func IsValidRole(role Role) bool {
	switch role {
	case RoleAPIConsumer, RoleAPIProvider, RolePaymentValidator:
		return true
	default:
		return false
	}
}

// Agent 描述一个自治智能体。智能体不拥有钱包，
// 只通过 WalletID 弱引用账本中的钱包。
type Agent struct {
	ID        string `json:"agent_id"`
	Name      string `json:"name"`
	Role      Role   `json:"role"`
	WalletID  string `json:"wallet_id"`
	CreatedAt int64  `json:"created_at"`

	// RiskTolerance 仅对验证者有意义：风险分不超过该阈值时投赞成票。
	RiskTolerance float64 `json:"risk_tolerance,omitempty"`

	// Endpoints 仅对服务提供者有意义：端点名到调用费用的映射。
	Endpoints map[string]decimal.Decimal `json:"endpoints,omitempty"`
}

// EndpointCost 返回端点的调用费用。未注册的端点视为免费。
func (a *Agent) EndpointCost(endpoint string) decimal.Decimal {
	if a == nil || a.Endpoints == nil {
		return decimal.Zero
	}
	if cost, ok := a.Endpoints[endpoint]; ok {
		return cost
	}
	return decimal.Zero
}

// CanVote 判断智能体是否具备投票能力。
// 行为分派通过显式能力检查完成，而不是运行时类型探测。
func (a *Agent) CanVote() bool {
	return a != nil && a.Role == RolePaymentValidator
}

// CanProvide 判断智能体是否可以对外提供 API。
func (a *Agent) CanProvide() bool {
	return a != nil && a.Role == RoleAPIProvider
}

var (
	// ErrAgentNotFound 表示指定的智能体未注册。
	ErrAgentNotFound = xerrors.New(xerrors.CodeAgentNotFound, "agent not found")
	// ErrAgentConflict 表示智能体 ID 已存在。
	ErrAgentConflict = xerrors.New(xerrors.CodeInvalidState, "agent already registered")
)

// Registry 持有一次模拟运行中的全部智能体。
// 智能体在模拟启动时注册一次，之后不可变更。
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewRegistry 创建空的智能体注册表。
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Agent)}
}

// Register 注册一个新的智能体并返回其快照。
func (r *Registry) Register(name string, role Role, walletID string, opts ...AgentOption) (*Agent, error) {
	if !IsValidRole(role) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的智能体角色")
	}

	ag := &Agent{
		ID:        uuid.NewString(),
		Name:      name,
		Role:      role,
		WalletID:  walletID,
		CreatedAt: time.Now().Unix(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[ag.ID]; exists {
		return nil, ErrAgentConflict
	}
	r.agents[ag.ID] = ag

	clone := cloneAgent(ag)
	return clone, nil
}

// AgentOption 定义注册时的可选配置。
type AgentOption func(*Agent)

// WithRiskTolerance 配置验证者的风险容忍阈值。
func WithRiskTolerance(threshold float64) AgentOption {
	return func(a *Agent) {
		a.RiskTolerance = threshold
	}
}

// WithEndpoint 为服务提供者登记一个收费端点。
func WithEndpoint(endpoint string, cost decimal.Decimal) AgentOption {
	return func(a *Agent) {
		if a.Endpoints == nil {
			a.Endpoints = make(map[string]decimal.Decimal)
		}
		a.Endpoints[endpoint] = cost
	}
}

// Get 返回指定智能体的快照。
func (r *Registry) Get(agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ag, ok := r.agents[agentID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeAgentNotFound, "智能体未注册",
			xerrors.WithMetadata("agent_id", agentID))
	}
	return cloneAgent(ag), nil
}

// Validators 返回当前注册的全部验证者快照。
func (r *Registry) Validators() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	validators := make([]*Agent, 0)
	for _, ag := range r.agents {
		if ag.CanVote() {
			validators = append(validators, cloneAgent(ag))
		}
	}
	return validators
}

// Agents 返回全部智能体快照。
func (r *Registry) Agents() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agents := make([]*Agent, 0, len(r.agents))
	for _, ag := range r.agents {
		agents = append(agents, cloneAgent(ag))
	}
	return agents
}

func cloneAgent(ag *Agent) *Agent {
	clone := *ag
	if ag.Endpoints != nil {
		clone.Endpoints = make(map[string]decimal.Decimal, len(ag.Endpoints))
		for endpoint, cost := range ag.Endpoints {
			clone.Endpoints[endpoint] = cost
		}
	}
	return &clone
}
