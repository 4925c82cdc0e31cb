package telegram

import (
	"context"
	"encoding/json"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/zairovarsen/telegram-bot/internal/quota"
)

// The single top-up package offered via /buy.
const (
	topupTokens     = 10000
	topupImages     = 10
	topupPriceCents = 499
	topupCurrency   = "USD"
	topupTitle      = "Balance top-up"
)

// topupPayload travels through the invoice as an opaque string and
// comes back attached to the payment confirmation.
type topupPayload struct {
	Tokens int64 `json:"tokens"`
	Images int64 `json:"images"`
}

func encodeTopupPayload(p topupPayload) string {
	body, _ := json.Marshal(p)
	return string(body)
}

func decodeTopupPayload(raw string) (topupPayload, error) {
	var p topupPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return topupPayload{}, fmt.Errorf("failed to parse invoice payload: %w", err)
	}
	if p.Tokens <= 0 && p.Images <= 0 {
		return topupPayload{}, fmt.Errorf("invoice payload grants nothing")
	}
	return p, nil
}

func (b *Bot) handleBuy(msg *tgbotapi.Message) {
	if b.cfg.PaymentProviderToken == "" {
		b.sendText(msg.Chat.ID, "Payments are not enabled on this bot.")
		return
	}

	prices := []tgbotapi.LabeledPrice{
		{
			Label:  fmt.Sprintf("%d tokens + %d images", topupTokens, topupImages),
			Amount: topupPriceCents,
		},
	}

	payload := encodeTopupPayload(topupPayload{Tokens: topupTokens, Images: topupImages})

	invoice := tgbotapi.NewInvoice(msg.Chat.ID,
		topupTitle,
		fmt.Sprintf("Adds %d tokens and %d image generations to your balance.", topupTokens, topupImages),
		payload,
		b.cfg.PaymentProviderToken,
		"topup",
		topupCurrency,
		prices,
	)

	if _, err := b.api.Send(invoice); err != nil {
		b.log.WithUserID(msg.From.ID).ErrorWithErr("Failed to send invoice", err)
		b.sendText(msg.Chat.ID, "Could not create the invoice, please try again later.")
	}
}

// handlePreCheckout approves the checkout only when the payload decodes
// to a real credit grant. Telegram requires an answer within 10s.
func (b *Bot) handlePreCheckout(query *tgbotapi.PreCheckoutQuery) {
	response := tgbotapi.PreCheckoutConfig{
		PreCheckoutQueryID: query.ID,
		OK:                 true,
	}

	if _, err := decodeTopupPayload(query.InvoicePayload); err != nil {
		b.log.ErrorWithErr("Rejecting pre-checkout with bad payload", err)
		response.OK = false
		response.ErrorMessage = "This invoice is no longer valid. Please run /buy again."
	}

	if _, err := b.api.Request(response); err != nil {
		b.log.ErrorWithErr("Failed to answer pre-checkout", err)
	}
}

func (b *Bot) handleSuccessfulPayment(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID
	payment := msg.SuccessfulPayment

	payload, err := decodeTopupPayload(payment.InvoicePayload)
	if err != nil {
		b.log.WithUserID(userID).ErrorWithErr("Payment confirmation carries bad payload", err)
		b.sendText(msg.Chat.ID, "We received your payment but could not read it. Support has been notified.")
		return
	}

	receipt := &quota.Receipt{
		UserID:           userID,
		Amount:           int64(payment.TotalAmount),
		Currency:         payment.Currency,
		Tokens:           payload.Tokens,
		ImageGenerations: payload.Images,
		Provider:         "telegram",
		ProviderChargeID: payment.ProviderPaymentChargeID,
		TelegramChargeID: payment.TelegramPaymentChargeID,
	}

	applied, err := b.applier.Apply(ctx, receipt)
	if err != nil {
		b.log.WithUserID(userID).WithChargeID(payment.ProviderPaymentChargeID).
			ErrorWithErr("Failed to apply payment credits", err)
		b.sendText(msg.Chat.ID, "Your payment went through but crediting failed. It will be retried, no action needed.")
		return
	}
	if !applied {
		// Replayed confirmation, the credits are already there.
		return
	}

	b.sendText(msg.Chat.ID, fmt.Sprintf(
		"Payment received! Added %d tokens and %d image generations. Check /balance.",
		payload.Tokens, payload.Images,
	))
}
