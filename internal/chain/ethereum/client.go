package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"AgentPay-Chain/internal/chain"
	xerrors "AgentPay-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible settlement client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// Client implements the chain.Client interface for EVM compatible chains.
// Settlement hashes are derived from the transfer payload anchored at the
// chain head so every settlement is tied to an observed block.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (chain.ChainSnapshot, error) {
	if c == nil || c.eth == nil {
		return chain.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return chain.ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return chain.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return chain.ChainSnapshot{
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// Settle anchors the transfer at the current chain head and returns the
// settlement hash. Network failures surface as retryable settlement errors.
func (c *Client) Settle(ctx context.Context, req chain.SettlementRequest) (string, error) {
	if c == nil || c.eth == nil {
		return "", errors.New("未初始化的以太坊客户端")
	}
	if strings.TrimSpace(req.TxID) == "" {
		return "", errors.New("结算请求缺少交易 ID")
	}

	blockNumber, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeSettlementFailed, err, "获取结算锚定区块失败",
			xerrors.WithMetadata("tx_id", req.TxID),
			xerrors.WithMetadata("chain", c.name))
	}

	payload := fmt.Sprintf("%s|%s|%s|%s|%d",
		req.TxID, req.FromWallet, req.ToWallet, req.Amount.String(), blockNumber)
	digest := crypto.Keccak256Hash([]byte(payload))
	return digest.Hex(), nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ chain.Client = (*Client)(nil)
