package memory

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	"AgentPay-Chain/internal/chain"
	xerrors "AgentPay-Chain/internal/errors"
)

// Client 是内存中的结算后端，用于测试与单机模拟。
// 结算哈希由请求内容确定性推导，相同请求总是得到相同哈希。
type Client struct {
	mu        sync.Mutex
	name      string
	height    uint64
	failures  int
	anchored  map[string]string
	lastError error
}

// NewClient 创建内存结算后端。
func NewClient(name string) *Client {
	if strings.TrimSpace(name) == "" {
		name = "memory"
	}
	return &Client{name: name, anchored: make(map[string]string)}
}

// FailNext 注入失败：接下来 n 次结算调用返回可重试的结算错误。
func (c *Client) FailNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = n
}

// Settle 记录结算并返回确定性哈希。
func (c *Client) Settle(_ context.Context, req chain.SettlementRequest) (string, error) {
	if strings.TrimSpace(req.TxID) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "结算请求缺少交易 ID")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failures > 0 {
		c.failures--
		c.lastError = xerrors.New(xerrors.CodeSettlementFailed, "模拟结算失败",
			xerrors.WithMetadata("tx_id", req.TxID))
		return "", c.lastError
	}

	if hash, ok := c.anchored[req.TxID]; ok {
		return hash, nil
	}

	c.height++
	payload := fmt.Sprintf("%s|%s|%s|%s|%d",
		req.TxID, req.FromWallet, req.ToWallet, req.Amount.String(), c.height)
	digest := crypto.Keccak256([]byte(payload))
	hash := "0x" + hex.EncodeToString(digest)
	c.anchored[req.TxID] = hash
	return hash, nil
}

// FetchChainSnapshot 返回内存链的当前高度。
func (c *Client) FetchChainSnapshot(_ context.Context) (chain.ChainSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return chain.ChainSnapshot{
		ChainID:     "0x0",
		BlockNumber: fmt.Sprintf("0x%x", c.height),
		Notes:       c.name,
	}, nil
}

// Anchored 返回已结算的交易数量。
func (c *Client) Anchored() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.anchored)
}

// Close 释放资源。内存后端无持久连接，始终成功。
func (c *Client) Close() {}

var _ chain.Client = (*Client)(nil)
