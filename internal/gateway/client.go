// Package gateway is the HTTP client for the Telegram relay service. Every
// request body is JSON, signed with HMAC-SHA256 over the exact bytes sent, and
// the relay's reply is mapped to one Result per message.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// SignatureHeader carries hex(HMAC-SHA256(secret, body)).
	SignatureHeader = "X-Webhook-Signature"

	sendMessagePath    = "/send-message"
	sendPairStatusPath = "/send-pair-status"

	// DefaultTimeout bounds a single gateway call.
	DefaultTimeout = 15 * time.Second
)

// PairStatus is the outcome pushed to a chat after a pairing request.
type PairStatus string

const (
	PairApproved PairStatus = "approved"
	PairDenied   PairStatus = "denied"
)

// Message is one outbound chat message.
type Message struct {
	TgID    int64  `json:"tg_id"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Result is the classified outcome of one message.
type Result struct {
	OK           bool
	Status       int
	Text         string
	RetryAfter   *int
	IsBlocked    bool
	IsBadRequest bool
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Secret  string
	Timeout time.Duration
}

// Client talks to the relay. It is safe for concurrent use.
type Client struct {
	http   *resty.Client
	secret []byte
}

// New builds a Client. A zero Timeout uses DefaultTimeout.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Client{http: hc, secret: []byte(cfg.Secret)}
}

type sendMessageRequest struct {
	Messages []Message `json:"messages"`
}

type pairStatusRequest struct {
	TgID   int64      `json:"tg_id"`
	Status PairStatus `json:"status"`
}

// SendBatch posts msgs in one request and returns exactly len(msgs) results,
// in input order. It never returns an error: transport and decoding failures
// are reported per item with Status 0.
func (c *Client) SendBatch(ctx context.Context, msgs []Message) []Result {
	tr := otel.Tracer("gateway/Client")
	ctx, span := tr.Start(ctx, "SendBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("messages", len(msgs)))

	if len(msgs) == 0 {
		return nil
	}
	status, body, err := c.post(ctx, sendMessagePath, sendMessageRequest{Messages: msgs})
	if err != nil {
		log.Error().Err(err).Int("messages", len(msgs)).Msg("gateway send failed")
		return fill(nil, len(msgs), failure(err))
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	results, err := Classify(status, body, len(msgs))
	if err != nil {
		log.Error().Err(err).Int("status", status).Msg("gateway response undecodable")
		return fill(nil, len(msgs), failure(err))
	}
	return results
}

// SendUserStatus pushes a pairing outcome to chatID.
func (c *Client) SendUserStatus(ctx context.Context, chatID int64, code PairStatus) Result {
	tr := otel.Tracer("gateway/Client")
	ctx, span := tr.Start(ctx, "SendUserStatus")
	defer span.End()
	span.SetAttributes(attribute.Int64("tg_id", chatID), attribute.String("status", string(code)))

	status, body, err := c.post(ctx, sendPairStatusPath, pairStatusRequest{TgID: chatID, Status: code})
	if err != nil {
		return failure(err)
	}
	results, err := Classify(status, body, 1)
	if err != nil {
		return failure(err)
	}
	return results[0]
}

// post marshals v once, signs those bytes and sends them.
func (c *Client) post(ctx context.Context, path string, v any) (int, []byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(SignatureHeader, Sign(c.secret, body)).
		SetBody(body).
		Post(path)
	observe(path, resp, err, time.Since(start))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode(), resp.Body(), nil
}

func failure(err error) Result {
	if err == nil {
		err = errors.New("unknown gateway error")
	}
	return Result{OK: false, Status: 0, Text: err.Error()}
}

func statusLabel(resp *resty.Response, err error) string {
	if err != nil || resp == nil {
		return "error"
	}
	return strconv.Itoa(resp.StatusCode())
}
