package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notification 封装一次估算运行的摘要。
type Notification struct {
	RunID       string
	Kind        string
	Status      string
	TradeDate   time.Time
	EmitFrom    time.Time
	EmitTo      time.Time
	RowsEmitted int
	Withheld    int
	IssueCounts map[string]int
	// Samples are a few human-readable anomaly descriptions.
	Samples []string
	Error   string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Policy decides whether a run summary is worth sending.
type Policy struct {
	// AnomalyThreshold is the calibration anomaly row count that triggers a notification; 0 disables it.
	AnomalyThreshold int
	NotifyOnSuccess  bool
}

// ShouldNotify reports whether note passes the policy. Failed runs always notify.
func (p Policy) ShouldNotify(note Notification) bool {
	if note.Status == "failed" {
		return true
	}
	if p.AnomalyThreshold > 0 && note.IssueCounts["calibration_anomaly"] >= p.AnomalyThreshold {
		return true
	}
	if note.Withheld > 0 && p.AnomalyThreshold > 0 {
		return true
	}
	return p.NotifyOnSuccess
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    RenderMessage(note),
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

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("run_id", note.RunID).
		Str("status", note.Status).
		Msg("运行摘要已发送 (Telegram)")
	return nil
}

// RenderMessage formats a run summary as plain text.
func RenderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[三大法人持股估算]\n")
	builder.WriteString(fmt.Sprintf("Run: %s (%s)\n", note.RunID, note.Kind))
	builder.WriteString(fmt.Sprintf("Status: %s\n", note.Status))
	if !note.TradeDate.IsZero() {
		builder.WriteString(fmt.Sprintf("Trade date: %s\n", note.TradeDate.Format(time.DateOnly)))
	}
	if !note.EmitFrom.IsZero() || !note.EmitTo.IsZero() {
		builder.WriteString(fmt.Sprintf("Range: %s ~ %s\n", formatDate(note.EmitFrom), formatDate(note.EmitTo)))
	}
	builder.WriteString(fmt.Sprintf("Rows: %d, withheld: %d\n", note.RowsEmitted, note.Withheld))

	if len(note.IssueCounts) > 0 {
		kinds := make([]string, 0, len(note.IssueCounts))
		for k := range note.IssueCounts {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		builder.WriteString("Issues:\n")
		for _, k := range kinds {
			builder.WriteString(fmt.Sprintf("  %s: %d\n", k, note.IssueCounts[k]))
		}
	}
	for _, s := range note.Samples {
		builder.WriteString("- " + s + "\n")
	}
	if note.Error != "" {
		builder.WriteString("Error: " + note.Error + "\n")
	}
	return builder.String()
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.DateOnly)
}

var _ Notifier = (*TelegramNotifier)(nil)
