package notifier

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CommandHandler answers an operator command; an empty reply sends nothing.
type CommandHandler func(ctx context.Context, command string) string

const pollTimeoutSeconds = 30

type telegramUpdate struct {
	UpdateID int `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

type getUpdates struct {
	Offset         int      `json:"offset"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates"`
}

// StartPolling long-polls for operator commands until ctx is cancelled.
func (t *TelegramNotifier) StartPolling(ctx context.Context, handler CommandHandler) {
	// The HTTP timeout must outlast the server-side long poll.
	client := &http.Client{Timeout: (pollTimeoutSeconds + 5) * time.Second, Transport: t.Client.Transport}
	offset := 0
	t.log.Info().Msg("telegram polling started")

	for ctx.Err() == nil {
		var updates []telegramUpdate
		err := t.call(ctx, client, "getUpdates", getUpdates{
			Offset:         offset,
			Timeout:        pollTimeoutSeconds,
			AllowedUpdates: []string{"message"},
		}, &updates)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			wait := 5 * time.Second
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
				wait = apiErr.RetryAfter
			}
			t.log.Warn().Err(err).Dur("wait", wait).Msg("poll updates")
			sleep(ctx, wait)
			continue
		}
		offset = t.dispatch(ctx, updates, offset, handler)
	}
	t.log.Info().Msg("telegram polling stopped")
}

// dispatch runs the handler for each update and returns the next offset.
// Only the configured chat may issue commands.
func (t *TelegramNotifier) dispatch(ctx context.Context, updates []telegramUpdate, offset int, handler CommandHandler) int {
	for _, u := range updates {
		offset = u.UpdateID + 1
		if u.Message == nil {
			continue
		}
		command := strings.TrimSpace(u.Message.Text)
		if command == "" {
			continue
		}
		if strconv.FormatInt(u.Message.Chat.ID, 10) != t.ChatID {
			t.log.Warn().Int64("chat_id", u.Message.Chat.ID).Msg("ignoring command from unknown chat")
			continue
		}
		// "/tick@AutoInvestBot" is how commands arrive in group chats.
		if at := strings.IndexByte(command, '@'); at > 0 && strings.HasPrefix(command, "/") {
			command = command[:at]
		}
		t.log.Info().Str("command", command).Msg("operator command")
		if reply := handler(ctx, command); reply != "" {
			if err := t.Send(ctx, reply); err != nil {
				t.log.Error().Err(err).Str("command", command).Msg("send reply")
			}
		}
	}
	return offset
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
