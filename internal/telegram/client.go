// Package telegram adapts the Bot API to the purchase flow: it issues
// invoice links, answers pre-checkout queries and routes payment updates.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/starboard-app/starboard/internal/circuitbreaker"
	"github.com/starboard-app/starboard/internal/metrics"
	"github.com/starboard-app/starboard/internal/purchase"
)

// Client wraps a Bot API connection.
type Client struct {
	bot     *bot.Bot
	handler UpdateHandler
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// UpdateHandler receives every update the bot polls.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, update *models.Update)
}

// NewClient connects to the Bot API. Extra options (server URL, HTTP
// client) are passed through to the bot library.
func NewClient(token string, logger *slog.Logger, opts ...bot.Option) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}

	opts = append([]bot.Option{bot.WithDefaultHandler(c.dispatch)}, opts...)
	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}
	c.bot = b
	return c, nil
}

// SetHandler installs the update handler. Call before Start.
func (c *Client) SetHandler(h UpdateHandler) {
	c.handler = h
}

// Start long-polls for updates until ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	if c.handler == nil {
		return errors.New("telegram: no update handler")
	}
	c.logger.Info("bot polling started")
	metrics.BotPolling.Set(1)
	c.bot.Start(ctx)
	metrics.BotPolling.Set(0)
	c.logger.Info("bot polling stopped")
	return nil
}

func (c *Client) dispatch(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if c.handler == nil || update == nil {
		return
	}
	c.handler.HandleUpdate(ctx, update)
}

// CreateInvoiceLink implements purchase.InvoiceIssuer. After repeated
// failures calls fail fast with circuitbreaker.ErrOpen until the API
// recovers.
func (c *Client) CreateInvoiceLink(ctx context.Context, req purchase.InvoiceRequest) (string, error) {
	params := &bot.CreateInvoiceLinkParams{
		Title:       req.Title,
		Description: req.Description,
		Payload:     req.Payload,
		Currency:    req.Currency,
		Prices: []models.LabeledPrice{
			{Label: req.Label, Amount: int(req.Amount)},
		},
	}

	// ProviderToken stays empty: Stars invoices are settled by the platform.
	var link string
	err := c.breaker.Do("createInvoiceLink", func() error {
		var err error
		link, err = c.bot.CreateInvoiceLink(ctx, params)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("telegram: createInvoiceLink: %w", err)
	}
	return link, nil
}

// AnswerPreCheckout approves or rejects a pre-checkout query. message is
// shown to the payer on rejection.
func (c *Client) AnswerPreCheckout(ctx context.Context, queryID string, ok bool, message string) error {
	params := &bot.AnswerPreCheckoutQueryParams{
		PreCheckoutQueryID: queryID,
		OK:                 ok,
	}
	if !ok {
		params.ErrorMessage = message
	}
	if _, err := c.bot.AnswerPreCheckoutQuery(ctx, params); err != nil {
		return fmt.Errorf("telegram: answerPreCheckoutQuery: %w", err)
	}
	return nil
}

// SendWelcome sends text with a single button that opens the mini app.
func (c *Client) SendWelcome(ctx context.Context, chatID int64, text, buttonText, appURL string) error {
	params := &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	}
	if appURL != "" {
		params.ReplyMarkup = &models.InlineKeyboardMarkup{
			InlineKeyboard: [][]models.InlineKeyboardButton{
				{{Text: buttonText, WebApp: &models.WebAppInfo{URL: appURL}}},
			},
		}
	}
	if _, err := c.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("telegram: sendMessage: %w", err)
	}
	return nil
}
