package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"AgentPay-Chain/internal/advisory"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 对交易流水做风险分析。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Analyze 调用 OpenAI 生成结构化的风险分析报告。
func (c *Client) Analyze(ctx context.Context, req advisory.Request) (*advisory.Report, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 OpenAI 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, errors.New("OpenAI 响应内容为空")
	}

	var structured struct {
		Thought string `json:"thought"`
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(content), &structured); err != nil {
		structured.Summary = content
		structured.Thought = ""
	}
	if strings.TrimSpace(structured.Summary) == "" {
		structured.Summary = content
	}

	return &advisory.Report{
		Thought: structured.Thought,
		Summary: structured.Summary,
	}, nil
}

func (c *Client) buildPayload(req advisory.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := []message{
		{
			Role:    "system",
			Content: systemPrompt,
		},
		{
			Role:    "user",
			Content: buildUserPrompt(req),
		},
	}

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": 0.2,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

const systemPrompt = "" +
	"You are the risk advisor of an agent payment network. " +
	"Always respond with a compact JSON object: {\"thought\": string, \"summary\": string}. " +
	"Use Chinese for the summary and keep the reasoning in \"thought\"."

func buildUserPrompt(req advisory.Request) string {
	var builder strings.Builder
	builder.WriteString("## 分析请求\n")
	question := strings.TrimSpace(req.Question)
	if question == "" {
		question = "评估下列交易流水的整体风险，并指出异常模式。"
	}
	builder.WriteString(question + "\n")

	if len(req.Agents) > 0 {
		builder.WriteString("\n## 智能体\n")
		for idx, ag := range req.Agents {
			builder.WriteString(fmt.Sprintf("[%d] %s (%s) 钱包:%s\n",
				idx+1,
				strings.TrimSpace(ag.Name),
				strings.TrimSpace(ag.Role),
				strings.TrimSpace(ag.WalletID),
			))
			if idx >= 9 {
				break
			}
		}
	}

	if len(req.Records) > 0 {
		builder.WriteString("\n## 最近流水\n")
		for idx, record := range req.Records {
			builder.WriteString(fmt.Sprintf("[%d] %s -> %s | 金额:%s | 状态:%s | 风险分:%.2f\n",
				idx+1,
				record.Payer,
				record.Supplier,
				record.Amount.String(),
				record.Status,
				record.RiskScore,
			))
			if idx >= 19 {
				break
			}
		}
	}

	builder.WriteString("\n请依据上述信息给出推理 thought，以及面向运营者的 summary。")
	return builder.String()
}
