package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Leogelv/astria-portraits-telegram-bot/core"
	"github.com/Leogelv/astria-portraits-telegram-bot/flow"
	"github.com/Leogelv/astria-portraits-telegram-bot/lib/sl"
)

type TgBot struct {
	conf *core.Config
	api  *tgbotapi.BotAPI
	flow *flow.Service
	log  *slog.Logger
}

func NewTgBot(conf *core.Config, flowSvc *flow.Service, log *slog.Logger) (*TgBot, error) {
	api, err := tgbotapi.NewBotAPI(conf.TelegramApiKey)
	if err != nil {
		return nil, err
	}
	log.With(
		sl.Module("bot"),
		slog.String("account", api.Self.UserName),
		sl.Secret(conf.TelegramApiKey),
	).Info("telegram api authorized")
	return &TgBot{
		conf: conf,
		api:  api,
		flow: flowSvc,
		log:  log.With(sl.Module("bot")),
	}, nil
}

func (t *TgBot) Start() error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := t.api.GetUpdatesChan(u)

	for update := range updates {
		go t.handleUpdate(update)
	}
	return nil
}

func (t *TgBot) Stop() {
	t.api.StopReceivingUpdates()
}

func (t *TgBot) handleUpdate(update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		t.handleCallback(update.CallbackQuery)
		return
	}

	incoming := update.Message
	if incoming == nil || incoming.From == nil || !incoming.Chat.IsPrivate() {
		return
	}
	userId := incoming.From.ID

	if incoming.IsCommand() {
		t.handleCommand(userId, incoming)
		return
	}

	if len(incoming.Photo) > 0 {
		t.handlePhoto(userId, incoming)
		return
	}

	if incoming.Text != "" {
		logText := incoming.Text
		if len(logText) > 50 {
			logText = logText[:50] + "..."
		}
		t.log.With(sl.User(userId), slog.String("text", logText)).Info("incoming message")
		t.flow.Text(userId, incoming.Text)
	}
}

func (t *TgBot) handleCommand(userId int64, incoming *tgbotapi.Message) {
	t.log.With(sl.User(userId), slog.String("command", incoming.Command())).Info("incoming command")

	switch incoming.Command() {
	case "start":
		t.flow.Start(userId, incoming.From.UserName, incoming.From.FirstName)
	case "help":
		t.flow.Help(userId)
	case "train":
		t.flow.BeginTraining(userId)
	case "generate":
		t.flow.BeginGeneration(userId)
	case "models":
		t.flow.Models(userId)
	case "credits":
		t.flow.Credits(userId)
	case "cancel":
		t.flow.Cancel(userId)
	default:
		t.flow.Help(userId)
	}
}

// handlePhoto resolves the largest size of the photo to a downloadable URL
// and forwards it into the aggregation pipeline. The album's media group id
// travels with it; single photos carry none.
func (t *TgBot) handlePhoto(userId int64, incoming *tgbotapi.Message) {
	photo := incoming.Photo[len(incoming.Photo)-1]
	file, err := t.api.GetFile(tgbotapi.FileConfig{FileID: photo.FileID})
	if err != nil {
		t.log.With(sl.User(userId)).Error("resolving photo file", sl.Err(err))
		return
	}
	t.log.With(sl.User(userId), sl.Group(incoming.MediaGroupID)).Debug("incoming photo")
	t.flow.Photo(userId, incoming.MediaGroupID, file.Link(t.api.Token))
}

func (t *TgBot) handleCallback(cq *tgbotapi.CallbackQuery) {
	if cq.From == nil {
		return
	}
	userId := cq.From.ID
	data := cq.Data

	// Stop the client-side spinner; the real reply follows separately.
	if _, err := t.api.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		t.log.Error("answering callback", sl.Err(err))
	}

	t.log.With(sl.User(userId), slog.String("data", data)).Info("incoming callback")

	switch {
	case data == "cmd_train":
		t.flow.BeginTraining(userId)
	case data == "cmd_generate":
		t.flow.BeginGeneration(userId)
	case data == "cmd_models":
		t.flow.Models(userId)
	case data == "cmd_help":
		t.flow.Help(userId)
	case data == "cancel":
		t.flow.Cancel(userId)
	case data == "confirm_training":
		t.flow.ConfirmTraining(context.Background(), userId)
	case data == "confirm_generation":
		t.flow.ConfirmGeneration(context.Background(), userId)
	case strings.HasPrefix(data, "type_"):
		t.flow.ModelType(userId, strings.TrimPrefix(data, "type_"))
	case strings.HasPrefix(data, "model_"):
		t.flow.SelectModel(userId, strings.TrimPrefix(data, "model_"))
	default:
		t.log.With(sl.User(userId), slog.String("data", data)).Warn("unknown callback")
	}
}

// Deliver renders an outbound instruction to Telegram messages. Errors are
// logged and swallowed: the core never waits for delivery confirmation.
func (t *TgBot) Deliver(userId int64, d core.Delivery) {
	if d.Text != "" {
		msg := tgbotapi.NewMessage(userId, d.Text)
		if markup := inlineKeyboard(d.Buttons); markup != nil {
			msg.ReplyMarkup = markup
		}
		if _, err := t.api.Send(msg); err != nil {
			t.log.With(sl.User(userId)).Error("sending message", sl.Err(err))
		}
	}

	for i, url := range d.Photos {
		photo := tgbotapi.NewPhoto(userId, tgbotapi.FileURL(url))
		photo.Caption = photoCaption(i+1, len(d.Photos))
		if _, err := t.api.Send(photo); err != nil {
			t.log.With(sl.User(userId), slog.Int("photo", i+1)).Error("sending photo", sl.Err(err))
		}
	}
}

func photoCaption(i, n int) string {
	return fmt.Sprintf("✨ Image %d of %d", i, n)
}

func inlineKeyboard(buttons [][]core.Button) *tgbotapi.InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, row := range buttons {
		line := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			if b.Url != "" {
				line = append(line, tgbotapi.NewInlineKeyboardButtonURL(b.Label, b.Url))
				continue
			}
			line = append(line, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
		}
		rows = append(rows, line)
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &markup
}
