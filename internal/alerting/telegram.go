package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	client   *resty.Client
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
		client:   resty.New().SetBaseURL(strings.TrimRight(baseURL, "/")).SetTimeout(timeout),
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	res, err := n.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id": n.chatID,
			"text":    renderMessage(note),
		}).
		Post(fmt.Sprintf("/bot%s/sendMessage", n.botToken))
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	if res.IsError() {
		return fmt.Errorf("telegram 响应码异常: %d", res.StatusCode())
	}
	var result telegramResponse
	if err := json.Unmarshal(res.Body(), &result); err != nil {
		return fmt.Errorf("decode telegram response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("telegram 返回 ok=false: %s", result.Description)
	}

	n.logger.Info().Str("currency", note.Currency).Msg("告警已发送 (Telegram)")
	return nil
}

var _ Notifier = (*TelegramNotifier)(nil)
