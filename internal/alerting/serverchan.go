package alerting

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// DefaultServerChanEndpoint is the hosted ServerChan send URL; %s is the key.
const DefaultServerChanEndpoint = "https://sctapi.ftqq.com/%s.send"

// ServerChanNotifier 通过方糖 (ServerChan) 推送微信通知。
type ServerChanNotifier struct {
	url    string
	client *resty.Client
	logger zerolog.Logger
}

// NewServerChanNotifier 构造方糖告警器。endpoint 必须包含一个 %s 占位符。
func NewServerChanNotifier(key, endpoint string, timeout time.Duration, logger zerolog.Logger) *ServerChanNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if endpoint == "" {
		endpoint = DefaultServerChanEndpoint
	}
	return &ServerChanNotifier{
		url:    fmt.Sprintf(endpoint, key),
		client: resty.New().SetTimeout(timeout),
		logger: logger.With().Str("component", "alert_serverchan").Logger(),
	}
}

// Notify posts title and desp as a form. Only HTTP 200 counts as delivered.
func (n *ServerChanNotifier) Notify(ctx context.Context, note Notification) error {
	res, err := n.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"title": note.Title(),
			"desp":  note.Body(),
		}).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("send serverchan request: %w", err)
	}
	if res.StatusCode() != http.StatusOK {
		return fmt.Errorf("serverchan 响应码异常: %d %s", res.StatusCode(), strings.TrimSpace(res.String()))
	}

	n.logger.Info().Str("currency", note.Currency).Msg("📬 微信通知已发送")
	return nil
}

var _ Notifier = (*ServerChanNotifier)(nil)
