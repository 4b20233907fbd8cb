package chain

import (
	"context"

	"github.com/shopspring/decimal"
)

// ChainSnapshot represents summarized network metadata for reporting.
type ChainSnapshot struct {
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// SettlementRequest carries the fields anchored into a settlement hash.
type SettlementRequest struct {
	TxID       string
	FromWallet string
	ToWallet   string
	Amount     decimal.Decimal
}

// Client defines the common interface that any settlement backend must
// provide so higher layers can anchor transfers on different networks
// uniformly.
type Client interface {
	// Settle anchors the transfer on the external network and returns a
	// settlement hash. The call must be side-effect free on failure so it
	// can be retried with the same request.
	Settle(ctx context.Context, req SettlementRequest) (string, error)
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
