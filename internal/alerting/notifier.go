package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"spread-alerts/internal/queue"
)

// ErrNoHandle 表示任务缺少投递目标。
var ErrNoHandle = errors.New("alert job has no notification handle")

// TelegramNotifier 通过 Telegram Bot API 推送消息，chat id 取自任务的 handle。
type TelegramNotifier struct {
	botToken  string
	baseURL   string
	parseMode string
	client    *http.Client
	logger    zerolog.Logger
}

// TelegramOptions 配置 Telegram 推送。
type TelegramOptions struct {
	BotToken  string
	BaseURL   string
	ParseMode string
	Timeout   time.Duration
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(opts TelegramOptions, logger zerolog.Logger) *TelegramNotifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken:  opts.BotToken,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		parseMode: opts.ParseMode,
		client:    &http.Client{Timeout: opts.Timeout},
		logger:    logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Send 调用 sendMessage API 推送文本。重复投递只会产生重复消息。
func (n *TelegramNotifier) Send(ctx context.Context, job queue.Job) error {
	if strings.TrimSpace(job.Handle) == "" {
		return ErrNoHandle
	}

	payload := map[string]string{
		"chat_id": job.Handle,
		"text":    RenderMessage(job),
	}
	if n.parseMode != "" {
		payload["parse_mode"] = n.parseMode
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	decodeErr := json.NewDecoder(resp.Body).Decode(&result)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil && result.Description != "" {
			return fmt.Errorf("telegram 响应码异常: %d (%s)", resp.StatusCode, result.Description)
		}
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}
	if decodeErr == nil && !result.OK {
		return fmt.Errorf("telegram 返回 ok=false")
	}

	n.logger.Info().
		Str("job_id", job.ID).
		Str("user_id", job.UserID).
		Str("symbol", job.Symbol).
		Str("spread_pct", job.SpreadPct.StringFixed(2)).
		Msg("告警已发送 (Telegram)")
	return nil
}

// LogNotifier 仅写日志，用于演练与未配置 Telegram 的部署。
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier 构造日志告警器。
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Send 输出渲染后的消息。
func (n *LogNotifier) Send(_ context.Context, job queue.Job) error {
	n.logger.Info().
		Str("job_id", job.ID).
		Str("handle", job.Handle).
		Int("priority", job.Priority).
		Str("message", RenderMessage(job)).
		Msg("告警 (dry run)")
	return nil
}

// RenderMessage 生成告警正文。
func RenderMessage(job queue.Job) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Spread Alert] %s\n", job.Symbol))
	builder.WriteString(fmt.Sprintf("Spread: %s%%\n", job.SpreadPct.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Buy: %s @ %s\n", job.BuyExchange, job.BuyPrice.String()))
	builder.WriteString(fmt.Sprintf("Sell: %s @ %s\n", job.SellExchange, job.SellPrice.String()))
	builder.WriteString(fmt.Sprintf("Profit per unit: %s\n", job.Profit.String()))
	if job.Priority >= queue.PriorityHigh {
		builder.WriteString("Priority: HIGH\n")
	}
	if !job.EnqueuedAt.IsZero() {
		builder.WriteString(fmt.Sprintf("Detected: %s UTC", job.EnqueuedAt.UTC().Format(time.RFC3339)))
	}
	return strings.TrimRight(builder.String(), "\n")
}

var (
	_ queue.Sender = (*TelegramNotifier)(nil)
	_ queue.Sender = (*LogNotifier)(nil)
)
