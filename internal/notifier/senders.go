package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	"agenda/pkg/logx"
)

// TelegramConfig routes scopes to chats. Chats is keyed by owner, project or
// org ref (checked in that order); DefaultChatID catches the rest.
type TelegramConfig struct {
	Token         string
	DefaultChatID int64
	Chats         map[string]int64
	ThreadID      int
}

// Telegram sends through the Bot API. It never polls for updates.
type Telegram struct {
	bot *tele.Bot
	cfg TelegramConfig
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, cfg: cfg}, nil
}

func (t *Telegram) chatFor(scope Scope) (int64, bool) {
	for _, ref := range []string{scope.OwnerRef, scope.ProjectRef, scope.OrgRef} {
		if ref == "" {
			continue
		}
		if id, ok := t.cfg.Chats[ref]; ok {
			return id, true
		}
	}
	return t.cfg.DefaultChatID, t.cfg.DefaultChatID != 0
}

func (t *Telegram) Send(ctx context.Context, scope Scope, text string) error {
	id, ok := t.chatFor(scope)
	if !ok {
		return fmt.Errorf("%w: owner %q", ErrNoRoute, scope.OwnerRef)
	}
	chat := &tele.Chat{ID: id}
	opt := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: t.cfg.ThreadID}
	for _, chunk := range splitText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

const telegramTextLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring a newline
// in the last two thirds of each window.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, string(rs[start:end]))
		start = end
	}
	return out
}

// Log writes notifications to the process log.
type Log struct {
	Logger logx.Logger
}

func (l Log) Send(_ context.Context, scope Scope, text string) error {
	l.Logger.Info("notification",
		logx.Owner(scope.OwnerRef),
		logx.Task(scope.TaskID),
		logx.String("text", text))
	return nil
}

// Multi delivers to every sender and joins their errors. A route miss on
// one sender is not an error when another delivered.
type Multi []Sender

func (m Multi) Send(ctx context.Context, scope Scope, text string) error {
	var (
		errs      []error
		delivered bool
	)
	for _, s := range m {
		if err := s.Send(ctx, scope, text); err != nil {
			errs = append(errs, err)
		} else {
			delivered = true
		}
	}
	if delivered {
		errs = dropNoRoute(errs)
	}
	return errors.Join(errs...)
}

func dropNoRoute(errs []error) []error {
	out := errs[:0]
	for _, err := range errs {
		if !errors.Is(err, ErrNoRoute) {
			out = append(out, err)
		}
	}
	return out
}
