package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"envwatch/internal/alert"
	"envwatch/pkg/tgui"

	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	Timeout  time.Duration
	// APIURL overrides the Bot API endpoint (tests, self-hosted servers).
	APIURL string
}

// sender is the part of *tele.Bot the sink needs.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Telegram messages a chat when a job type's color changes. The first alert
// seen for a job type is sent only if it is not green.
type Telegram struct {
	bot      sender
	chat     *tele.Chat
	threadID int

	mu   sync.Mutex
	last map[alert.JobType]alert.Color
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return newTelegram(b, cfg.ChatID, cfg.ThreadID), nil
}

func newTelegram(bot sender, chatID int64, threadID int) *Telegram {
	return &Telegram{
		bot:      bot,
		chat:     &tele.Chat{ID: chatID},
		threadID: threadID,
		last:     map[alert.JobType]alert.Color{},
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Notify(ctx context.Context, a alert.PublishedAlert) error {
	t.mu.Lock()
	prev, seen := t.last[a.JobType]
	t.mu.Unlock()
	if (seen && prev == a.Color) || (!seen && a.Color == alert.Green) {
		t.remember(a)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	opts := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true, ThreadID: t.threadID}
	if _, err := t.bot.Send(t.chat, formatAlert(a, prev), opts); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	t.remember(a)
	return nil
}

func (t *Telegram) remember(a alert.PublishedAlert) {
	t.mu.Lock()
	t.last[a.JobType] = a.Color
	t.mu.Unlock()
}

func formatAlert(a alert.PublishedAlert, prev alert.Color) string {
	head := tgui.Join(" ",
		tgui.H(colorMark(a.Color)),
		tgui.B(a.JobType.String()+":"),
		tgui.Esc(strings.ToUpper(string(a.Color))))
	if prev != "" {
		head = tgui.Join(" ", head, tgui.Esc(fmt.Sprintf("(was %s)", prev)))
	}
	return tgui.Lines(head, tgui.EscTrunc(a.Remark, tgui.MaxMessageRunes-200)).String()
}

func colorMark(c alert.Color) string {
	switch c {
	case alert.Red:
		return "🔴"
	case alert.Orange:
		return "🟠"
	case alert.Yellow:
		return "🟡"
	default:
		return "🟢"
	}
}
