// Package ocr talks to a ddddocr-compatible classification server.
package ocr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"rate-watch/internal/captcha"
)

const classifyPath = "/ocr/b64/json"

// Options parameterise the OCR client.
type Options struct {
	BaseURL string
	Timeout time.Duration
}

// Client sends captcha images to the OCR server.
type Client struct {
	http   *resty.Client
	logger zerolog.Logger
}

type classifyResponse struct {
	Status int    `json:"status"`
	Result string `json:"result"`
	Msg    string `json:"msg"`
}

// NewClient builds an OCR client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:9898"
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)

	return &Client{
		http:   client,
		logger: logger.With().Str("component", "ocr").Logger(),
	}
}

// Classify returns the text the server read from image.
func (c *Client) Classify(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("ocr: empty image")
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/plain").
		SetBody(base64.StdEncoding.EncodeToString(image)).
		Post(classifyPath)
	if err != nil {
		return "", fmt.Errorf("ocr request: %w", err)
	}
	if res.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("ocr server status %d: %s", res.StatusCode(), strings.TrimSpace(res.String()))
	}

	var payload classifyResponse
	if err := json.Unmarshal(res.Body(), &payload); err != nil {
		return "", fmt.Errorf("decode ocr response: %w", err)
	}
	if payload.Status != 0 && payload.Status != http.StatusOK {
		return "", fmt.Errorf("ocr server rejected image (%d): %s", payload.Status, payload.Msg)
	}

	c.logger.Debug().Str("result", payload.Result).Int("bytes", len(image)).Msg("ocr classified")
	return payload.Result, nil
}

var _ captcha.Classifier = (*Client)(nil)
