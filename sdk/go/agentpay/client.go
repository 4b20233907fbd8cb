package agentpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentPay Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Wallet mirrors the wallet resource exposed by the API.
type Wallet struct {
	ID        string `json:"wallet_id"`
	OwnerName string `json:"owner_name"`
	Balance   string `json:"balance"`
	Hold      string `json:"hold"`
}

// Balance is the spendable view of a wallet.
type Balance struct {
	WalletID  string `json:"wallet_id"`
	Balance   string `json:"balance"`
	Hold      string `json:"hold"`
	Spendable string `json:"spendable"`
}

// CallRequest triggers an API call between two agents.
type CallRequest struct {
	CallerAgent   string `json:"caller_agent"`
	ProviderAgent string `json:"provider_agent"`
	Endpoint      string `json:"endpoint"`
	AutoPay       *bool  `json:"auto_pay,omitempty"`
}

// CallResult describes a completed API call and its linked payment.
type CallResult struct {
	CallID   string `json:"call_id"`
	Endpoint string `json:"endpoint"`
	Cost     string `json:"cost"`
	Response string `json:"response,omitempty"`
	TxID     string `json:"tx_id,omitempty"`
	TxStatus string `json:"tx_status,omitempty"`
}

// Transaction mirrors the transaction resource exposed by the API.
type Transaction struct {
	TxID           string          `json:"tx_id"`
	FromWallet     string          `json:"from_wallet"`
	ToWallet       string          `json:"to_wallet"`
	Amount         string          `json:"amount"`
	Status         string          `json:"status"`
	RiskScore      float64         `json:"risk_score"`
	Votes          map[string]bool `json:"votes,omitempty"`
	SettlementHash string          `json:"settlement_hash,omitempty"`
	UpdatedAt      int64           `json:"updated_at"`
}

// SettlementRecord is one immutable entry of the settlement trail.
type SettlementRecord struct {
	Timestamp int64   `json:"timestamp"`
	TxID      string  `json:"tx_id"`
	Payer     string  `json:"agent_id"`
	Amount    string  `json:"amount"`
	Supplier  string  `json:"supplier"`
	Status    string  `json:"status"`
	TxHash    string  `json:"tx_hash,omitempty"`
	RiskScore float64 `json:"risk_score"`
}

// SettlementPage is a page of the settlement trail read incrementally.
type SettlementPage struct {
	Offset  int                `json:"offset"`
	Next    int                `json:"next"`
	Records []SettlementRecord `json:"records"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentpay api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentpay api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentPay Chain API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// CreateWallet registers a wallet with an opening balance.
func (c *Client) CreateWallet(ctx context.Context, ownerName, initialBalance string) (Wallet, error) {
	payload := map[string]string{
		"owner_name":      ownerName,
		"initial_balance": initialBalance,
	}
	var wallet Wallet
	if err := c.post(ctx, "/api/v1/wallets", payload, &wallet); err != nil {
		return Wallet{}, err
	}
	return wallet, nil
}

// GetBalance fetches the spendable view of a wallet.
func (c *Client) GetBalance(ctx context.Context, walletID string) (Balance, error) {
	var balance Balance
	endpoint := fmt.Sprintf("/api/v1/wallets/%s/balance", url.PathEscape(walletID))
	if err := c.get(ctx, endpoint, &balance); err != nil {
		return Balance{}, err
	}
	return balance, nil
}

// Call triggers an agent API call, optionally with automatic payment.
func (c *Client) Call(ctx context.Context, req CallRequest) (CallResult, error) {
	var result CallResult
	if err := c.post(ctx, "/api/v1/calls", req, &result); err != nil {
		return CallResult{}, err
	}
	return result, nil
}

// GetTransaction fetches a transaction by identifier.
func (c *Client) GetTransaction(ctx context.Context, txID string) (Transaction, error) {
	var tx Transaction
	endpoint := fmt.Sprintf("/api/v1/transactions/%s", url.PathEscape(txID))
	if err := c.get(ctx, endpoint, &tx); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// ListTransactions fetches transactions updated at or after the given instant.
func (c *Client) ListTransactions(ctx context.Context, since time.Time, limit int) ([]Transaction, error) {
	endpoint := "/api/v1/transactions"
	query := url.Values{}
	if !since.IsZero() {
		query.Set("since", fmt.Sprintf("%d", since.Unix()))
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var txs []Transaction
	if err := c.get(ctx, endpoint, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// ReadSettlements reads the settlement trail starting at the given offset.
func (c *Client) ReadSettlements(ctx context.Context, offset int) (SettlementPage, error) {
	var page SettlementPage
	endpoint := fmt.Sprintf("/api/v1/settlements?since=%d", offset)
	if err := c.get(ctx, endpoint, &page); err != nil {
		return SettlementPage{}, err
	}
	return page, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
