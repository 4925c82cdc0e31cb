package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/zairovarsen/telegram-bot/internal/config"
	"github.com/zairovarsen/telegram-bot/internal/keys"
	"github.com/zairovarsen/telegram-bot/internal/lock"
	"github.com/zairovarsen/telegram-bot/internal/logging"
	"github.com/zairovarsen/telegram-bot/internal/metrics"
	"github.com/zairovarsen/telegram-bot/internal/provider"
	"github.com/zairovarsen/telegram-bot/internal/quota"
	"github.com/zairovarsen/telegram-bot/internal/ratelimit"
	"github.com/zairovarsen/telegram-bot/internal/storage"
)

// UserStore seeds balances for first-time users. *database.Repository
// satisfies it.
type UserStore interface {
	CreateBalance(ctx context.Context, userID, tokens, images int64) error
}

// Bot receives Telegram updates and routes each metered operation
// through admission control and the quota engine.
type Bot struct {
	api        *tgbotapi.BotAPI
	cfg        config.TelegramConfig
	quotaCfg   config.QuotaConfig
	log        *logging.Logger
	users      UserStore
	engine     *quota.Engine
	estimator  *quota.Estimator
	applier    *quota.Applier
	limiter    *ratelimit.Limiter
	ai         *provider.OpenAI
	media      *storage.Storage
	httpClient *http.Client
}

// NewBot creates the update dispatcher. media may be nil when object
// storage is not configured; archival is then skipped.
func NewBot(api *tgbotapi.BotAPI, cfg config.TelegramConfig, quotaCfg config.QuotaConfig, log *logging.Logger,
	users UserStore, engine *quota.Engine, estimator *quota.Estimator, applier *quota.Applier,
	limiter *ratelimit.Limiter, ai *provider.OpenAI, media *storage.Storage) *Bot {
	return &Bot{
		api:        api,
		cfg:        cfg,
		quotaCfg:   quotaCfg,
		log:        log,
		users:      users,
		engine:     engine,
		estimator:  estimator,
		applier:    applier,
		limiter:    limiter,
		ai:         ai,
		media:      media,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Run polls for updates until the context is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.UpdateTimeout

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("Telegram bot started")

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				metrics.UpdatesReceivedTotal.WithLabelValues("message").Inc()
				b.handleMessage(ctx, update.Message)
			} else if update.PreCheckoutQuery != nil {
				metrics.UpdatesReceivedTotal.WithLabelValues("pre_checkout").Inc()
				b.handlePreCheckout(update.PreCheckoutQuery)
			}
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	userID := msg.From.ID

	if msg.SuccessfulPayment != nil {
		b.handleSuccessfulPayment(ctx, msg)
		return
	}

	// Per-user admission gate ahead of any lock or quota work.
	if !b.admit(ctx, keys.CategoryRequest, userID, msg.Chat.ID) {
		return
	}

	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	switch {
	case msg.Voice != nil:
		b.handleVoice(ctx, msg)
	case msg.Document != nil:
		b.handleDocument(ctx, msg)
	case len(msg.Photo) > 0:
		b.sendText(msg.Chat.ID, "I can't read photos yet, but I can generate them: /image <prompt>.")
	case strings.TrimSpace(msg.Text) != "":
		b.handleText(ctx, msg)
	default:
		b.sendText(msg.Chat.ID, "Send me a text message, a voice note or a document. Use /help for commands.")
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		b.handleStart(ctx, msg)
	case "help":
		b.sendText(msg.Chat.ID, helpText)
	case "balance":
		b.handleBalance(ctx, msg)
	case "buy":
		b.handleBuy(msg)
	case "image":
		b.handleImage(ctx, msg)
	default:
		b.sendText(msg.Chat.ID, "Unknown command. Use /help to see what I can do.")
	}
}

const helpText = `I answer questions, transcribe voice notes, summarize documents and generate images.

Commands:
/balance - check remaining tokens and image credits
/image <prompt> - generate an image
/buy - top up your balance
/help - this message`

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID

	if err := b.users.CreateBalance(ctx, userID, b.quotaCfg.InitialTokens, b.quotaCfg.InitialImages); err != nil {
		b.log.WithUserID(userID).ErrorWithErr("Failed to seed balance", err)
		b.sendText(msg.Chat.ID, "Something went wrong, please try again.")
		return
	}

	b.sendText(msg.Chat.ID, fmt.Sprintf(
		"Hi %s! You start with %d tokens and %d image generations.\n\n%s",
		msg.From.FirstName, b.quotaCfg.InitialTokens, b.quotaCfg.InitialImages, helpText,
	))
}

func (b *Bot) handleBalance(ctx context.Context, msg *tgbotapi.Message) {
	balance, err := b.engine.Balance(ctx, msg.From.ID)
	if err != nil {
		if errors.Is(err, quota.ErrUnknownUser) {
			b.sendText(msg.Chat.ID, "You don't have an account yet. Send /start first.")
			return
		}
		b.log.WithUserID(msg.From.ID).ErrorWithErr("Failed to read balance", err)
		b.sendText(msg.Chat.ID, "Could not read your balance, please try again.")
		return
	}

	b.sendText(msg.Chat.ID, fmt.Sprintf(
		"Your balance:\nTokens: %d\nImage generations: %d",
		balance.Tokens, balance.ImageGenerations,
	))
}

func (b *Bot) handleText(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID

	if !b.admit(ctx, keys.CategoryCompletion, userID, msg.Chat.ID) {
		return
	}

	result, err := b.engine.Execute(ctx, quota.Request{
		UserID:        userID,
		Kind:          keys.KindToken,
		EstimatedCost: b.estimator.EstimateText(msg.Text),
		Operation:     b.ai.Completion(msg.Text),
	})
	if err != nil {
		b.replyError(msg.Chat.ID, userID, err)
		return
	}

	b.sendReply(msg.Chat.ID, msg.MessageID, result.Content)
}

func (b *Bot) handleVoice(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID

	if !b.admit(ctx, keys.CategoryCompletion, userID, msg.Chat.ID) {
		return
	}

	audio, err := b.downloadFile(ctx, msg.Voice.FileID)
	if err != nil {
		b.log.WithUserID(userID).ErrorWithErr("Failed to download voice note", err)
		b.sendText(msg.Chat.ID, "Could not download your voice note, please try again.")
		return
	}

	b.archive(ctx, storage.VoiceObjectName(userID, msg.Voice.FileID), audio, "audio/ogg")

	duration := time.Duration(msg.Voice.Duration) * time.Second
	result, err := b.engine.Execute(ctx, quota.Request{
		UserID:        userID,
		Kind:          keys.KindToken,
		EstimatedCost: b.estimator.EstimateAudio(duration),
		Operation:     b.ai.Transcription(bytes.NewReader(audio), "voice.ogg"),
	})
	if err != nil {
		b.replyError(msg.Chat.ID, userID, err)
		return
	}

	b.sendReply(msg.Chat.ID, msg.MessageID, result.Content)
}

func (b *Bot) handleDocument(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID
	doc := msg.Document

	if !b.admit(ctx, keys.CategoryDocument, userID, msg.Chat.ID) {
		return
	}

	if !strings.HasPrefix(doc.MimeType, "text/") {
		b.sendText(msg.Chat.ID, "I can only read plain-text documents for now.")
		return
	}

	data, err := b.downloadFile(ctx, doc.FileID)
	if err != nil {
		b.log.WithUserID(userID).ErrorWithErr("Failed to download document", err)
		b.sendText(msg.Chat.ID, "Could not download your document, please try again.")
		return
	}

	b.archive(ctx, storage.DocumentObjectName(userID, doc.FileName), data, doc.MimeType)

	prompt := fmt.Sprintf("Summarize the following document:\n\n%s", string(data))
	result, err := b.engine.Execute(ctx, quota.Request{
		UserID:        userID,
		Kind:          keys.KindToken,
		EstimatedCost: b.estimator.EstimateDocument(int64(doc.FileSize)),
		Operation:     b.ai.Completion(prompt),
	})
	if err != nil {
		b.replyError(msg.Chat.ID, userID, err)
		return
	}

	b.sendReply(msg.Chat.ID, msg.MessageID, result.Content)
}

func (b *Bot) handleImage(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID

	prompt := strings.TrimSpace(msg.CommandArguments())
	if prompt == "" {
		b.sendText(msg.Chat.ID, "Usage: /image <prompt>")
		return
	}

	if !b.admit(ctx, keys.CategoryImage, userID, msg.Chat.ID) {
		return
	}

	result, err := b.engine.Execute(ctx, quota.Request{
		UserID:        userID,
		Kind:          keys.KindImage,
		EstimatedCost: b.estimator.ImageCost(),
		Operation:     b.ai.ImageGeneration(prompt),
	})
	if err != nil {
		b.replyError(msg.Chat.ID, userID, err)
		return
	}

	photo := tgbotapi.NewPhoto(msg.Chat.ID, tgbotapi.FileURL(result.Content))
	if _, err := b.api.Send(photo); err != nil {
		b.log.WithUserID(userID).ErrorWithErr("Failed to send generated image", err)
		b.sendText(msg.Chat.ID, "The image was generated but could not be delivered: "+result.Content)
	}
}

// admit runs the fixed-window check for one category and, when the
// request is rejected, tells the user how long to wait.
func (b *Bot) admit(ctx context.Context, category keys.Category, userID, chatID int64) bool {
	result, err := b.limiter.Check(ctx, category, strconv.FormatInt(userID, 10))
	if err != nil {
		return true
	}
	if result.Allowed {
		return true
	}

	metrics.RecordRateLimitRejection(string(category))
	b.sendText(chatID, fmt.Sprintf("Too many requests. Try again in %s.", ratelimit.FormatWait(result.ResetIn)))
	return false
}

// replyError maps quota failures onto user-facing messages.
func (b *Bot) replyError(chatID, userID int64, err error) {
	switch {
	case errors.Is(err, quota.ErrUnknownUser):
		b.sendText(chatID, "You don't have an account yet. Send /start first.")
	case errors.Is(err, quota.ErrInsufficientQuota):
		b.sendText(chatID, "Not enough balance for this request. Use /buy to top up or /balance to check what's left.")
	case errors.Is(err, lock.ErrAcquireFailed):
		b.sendText(chatID, "I'm still working on your previous request. Please wait for it to finish.")
	case errors.Is(err, quota.ErrExternalOperation):
		b.log.WithUserID(userID).ErrorWithErr("Provider call failed", err)
		b.sendText(chatID, "The AI provider failed to answer. Nothing was charged, please try again.")
	case errors.Is(err, quota.ErrCommitFailed):
		b.log.WithUserID(userID).ErrorWithErr("Balance commit failed", err)
		b.sendText(chatID, "Something went wrong recording your usage. Please try again.")
	default:
		b.log.WithUserID(userID).ErrorWithErr("Request failed", err)
		b.sendText(chatID, "Something went wrong, please try again.")
	}
}

func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve file: %w", err)
	}
	if file.FilePath == "" {
		return nil, fmt.Errorf("file path empty")
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", b.api.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected file download status: %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// archive stores user media when object storage is configured. Failures
// are logged and ignored; archival never blocks the request.
func (b *Bot) archive(ctx context.Context, objectName string, data []byte, contentType string) {
	if b.media == nil {
		return
	}
	if err := b.media.Upload(ctx, objectName, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		b.log.ErrorWithErr("Failed to archive media", err)
	}
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.ErrorWithErr("Failed to send message", err)
	}
}

func (b *Bot) sendReply(chatID int64, replyTo int, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo
	if _, err := b.api.Send(msg); err != nil {
		b.log.ErrorWithErr("Failed to send reply", err)
	}
}
