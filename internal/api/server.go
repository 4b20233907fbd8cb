package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AgentPay-Chain/internal/advisory"
	"AgentPay-Chain/internal/agent"
	"AgentPay-Chain/internal/chain"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/settlement"

	"github.com/shopspring/decimal"
)

// Server 负责暴露 REST 接口，供外部观察和驱动支付网络。
type Server struct {
	addr     string
	wallets  *ledger.Ledger
	registry *agent.Registry
	runtime  *agent.Runtime
	payments *payment.Service
	log      *settlement.Log
	advisor  advisory.Client
	backend  chain.Client
}

// ServerOption 定义服务的可选依赖。
type ServerOption func(*Server)

// WithAdvisor 接入风险顾问。
func WithAdvisor(advisor advisory.Client) ServerOption {
	return func(s *Server) {
		s.advisor = advisor
	}
}

// WithChainBackend 接入结算层客户端，用于暴露链快照。
func WithChainBackend(backend chain.Client) ServerOption {
	return func(s *Server) {
		s.backend = backend
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, wallets *ledger.Ledger, registry *agent.Registry, runtime *agent.Runtime, payments *payment.Service, log *settlement.Log, opts ...ServerOption) *Server {
	s := &Server{
		addr:     addr,
		wallets:  wallets,
		registry: registry,
		runtime:  runtime,
		payments: payments,
		log:      log,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/wallets", s.instrument("wallets", s.handleWallets))
	mux.HandleFunc("/api/v1/wallets/", s.instrument("wallet_balance", s.handleWalletBalance))
	mux.HandleFunc("/api/v1/agents", s.instrument("agents", s.handleAgents))
	mux.HandleFunc("/api/v1/calls", s.instrument("calls", s.handleCalls))
	mux.HandleFunc("/api/v1/transactions", s.instrument("transactions", s.handleTransactions))
	mux.HandleFunc("/api/v1/transactions/stats", s.instrument("transaction_stats", s.handleTransactionStats))
	mux.HandleFunc("/api/v1/transactions/", s.instrument("transaction", s.handleTransaction))
	mux.HandleFunc("/api/v1/settlements", s.instrument("settlements", s.handleSettlements))
	mux.HandleFunc("/api/v1/advisory", s.instrument("advisory", s.handleAdvisory))
	mux.HandleFunc("/api/v1/chain", s.instrument("chain", s.handleChain))
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleWallets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateWallet(w, r)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.wallets.Wallets())
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerName      string `json:"owner_name"`
		InitialBalance string `json:"initial_balance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	balance := decimal.Zero
	if strings.TrimSpace(req.InitialBalance) != "" {
		parsed, err := decimal.NewFromString(req.InitialBalance)
		if err != nil {
			http.Error(w, "初始余额不是合法数字", http.StatusBadRequest)
			return
		}
		balance = parsed
	}
	wallet, err := s.wallets.CreateWallet(req.OwnerName, balance)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wallet)
}

// handleWalletBalance 处理 /api/v1/wallets/{id}/balance 的查询。
func (s *Server) handleWalletBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/wallets/")
	walletID, suffix, found := strings.Cut(rest, "/")
	if walletID == "" {
		http.Error(w, "缺少钱包 ID", http.StatusBadRequest)
		return
	}
	if found && suffix != "balance" {
		http.NotFound(w, r)
		return
	}

	wallet, err := s.wallets.Wallet(walletID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, wallet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"wallet_id": wallet.ID,
		"balance":   wallet.Balance.String(),
		"hold":      wallet.Hold.String(),
		"spendable": wallet.Spendable().String(),
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Agents())
}

// handleCalls 触发一次智能体之间的 API 调用。
func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.runtime == nil {
		http.Error(w, "运行时未初始化", http.StatusServiceUnavailable)
		return
	}

	var req struct {
		CallerAgent   string `json:"caller_agent"`
		ProviderAgent string `json:"provider_agent"`
		Endpoint      string `json:"endpoint"`
		AutoPay       *bool  `json:"auto_pay"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	autoPay := true
	if req.AutoPay != nil {
		autoPay = *req.AutoPay
	}

	call, err := s.runtime.CallAPI(r.Context(), req.CallerAgent, req.ProviderAgent, req.Endpoint, autoPay)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, call)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}

	opts := []payment.ListOption{}
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, payment.WithLimit(parsed))
		}
	}
	if raw := query.Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "since 参数必须是 Unix 时间戳", http.StatusBadRequest)
			return
		}
		opts = append(opts, payment.WithUpdatedSince(time.Unix(parsed, 0)))
	}
	if raw := query.Get("status"); raw != "" {
		statuses := make([]payment.Status, 0)
		for _, item := range strings.Split(raw, ",") {
			statuses = append(statuses, payment.Status(strings.ToUpper(strings.TrimSpace(item))))
		}
		opts = append(opts, payment.WithStatuses(statuses...))
	}
	if raw := query.Get("from_wallet"); raw != "" {
		opts = append(opts, payment.WithFromWallet(raw))
	}
	if raw := query.Get("to_wallet"); raw != "" {
		opts = append(opts, payment.WithToWallet(raw))
	}

	txs, err := s.payments.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) handleTransactionStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.payments.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	txID := strings.TrimPrefix(r.URL.Path, "/api/v1/transactions/")
	if txID == "" || strings.Contains(txID, "/") {
		http.NotFound(w, r)
		return
	}
	tx, err := s.payments.Get(r.Context(), txID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// handleSettlements 以增量方式读取只追加的交易流水。
func (s *Server) handleSettlements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	offset := 0
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "since 参数必须是非负整数", http.StatusBadRequest)
			return
		}
		offset = parsed
	}
	records := s.log.ReadSince(offset)
	writeJSON(w, http.StatusOK, map[string]any{
		"offset":  offset,
		"next":    offset + len(records),
		"records": records,
	})
}

func (s *Server) handleAdvisory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.advisor == nil {
		http.Error(w, "未配置风险顾问", http.StatusServiceUnavailable)
		return
	}

	var req struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	agents := make([]advisory.AgentSummary, 0)
	for _, ag := range s.registry.Agents() {
		agents = append(agents, advisory.AgentSummary{
			ID:       ag.ID,
			Name:     ag.Name,
			Role:     string(ag.Role),
			WalletID: ag.WalletID,
		})
	}
	report, err := s.advisor.Analyze(r.Context(), advisory.Request{
		Question: req.Question,
		Agents:   agents,
		Records:  s.log.ReadSince(0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.backend == nil {
		http.Error(w, "未配置结算层客户端", http.StatusServiceUnavailable)
		return
	}
	snapshot, err := s.backend.FetchChainSnapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// instrument 包装处理函数并上报请求指标。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 把领域错误码映射为 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeWalletNotFound, xerrors.CodeAgentNotFound, xerrors.CodeTransactionNotFound, xerrors.CodeNotFound:
		status = http.StatusNotFound
	case xerrors.CodeInvalidArgument, xerrors.CodeInvalidAmount:
		status = http.StatusBadRequest
	case xerrors.CodeInsufficientFunds:
		status = http.StatusUnprocessableEntity
	case xerrors.CodeAlreadyDecided, xerrors.CodeInvalidState:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(xerrors.CodeOf(err)),
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
