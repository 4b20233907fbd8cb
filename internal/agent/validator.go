package agent

import (
	"context"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/payment"
)

// ValidatorVoter 把验证者智能体适配为共识投票方。
// 投票是纯函数：风险分不超过容忍阈值时赞成，否则反对。
type ValidatorVoter struct {
	agent *Agent
}

// NewValidatorVoter 为验证者智能体创建投票适配器。
// 非验证者角色没有投票资格。
func NewValidatorVoter(ag *Agent) (*ValidatorVoter, error) {
	if !ag.CanVote() {
		return nil, xerrors.New(xerrors.CodeInvalidState, "该智能体没有投票资格",
			xerrors.WithMetadata("agent_id", ag.ID),
			xerrors.WithMetadata("role", string(ag.Role)))
	}
	return &ValidatorVoter{agent: cloneAgent(ag)}, nil
}

// ID 返回验证者的智能体 ID。
func (v *ValidatorVoter) ID() string {
	return v.agent.ID
}

// Vote 对交易投票。相同的交易输入总是得到相同的选票。
func (v *ValidatorVoter) Vote(_ context.Context, tx *payment.Transaction) (bool, error) {
	if tx == nil {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "交易不能为空")
	}
	return tx.RiskScore <= v.agent.RiskTolerance, nil
}
