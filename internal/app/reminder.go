package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"agenda/internal/jobs"
	"agenda/internal/notifier"
)

// ReminderHandler delivers a dispatched task to its owner as a notification.
// A disabled notifier completes the job without delivery.
func ReminderHandler(n notifier.Notifier) jobs.Handler {
	return func(ctx context.Context, j jobs.Job) (map[string]any, error) {
		title := strings.TrimSpace(j.Input.Title)
		if title == "" {
			return nil, jobs.NoRetry(errors.New("reminder without title"))
		}
		msg := "Reminder: " + title
		if d, ok := j.Input.Payload["message"].(string); ok && strings.TrimSpace(d) != "" {
			msg += "\n" + strings.TrimSpace(d)
		}
		scope := notifier.Scope{OwnerRef: j.Input.OwnerRef, TaskID: j.Input.TaskID}

		err := n.Notify(ctx, scope, msg)
		switch {
		case err == nil:
			return map[string]any{"delivered": true, "job": j.ID}, nil
		case errors.Is(err, notifier.ErrDisabled):
			return map[string]any{"delivered": false, "job": j.ID}, nil
		case errors.Is(err, notifier.ErrStopped):
			return nil, jobs.NoRetry(fmt.Errorf("notify owner %q: %w", j.Input.OwnerRef, err))
		default:
			return nil, fmt.Errorf("notify owner %q: %w", j.Input.OwnerRef, err)
		}
	}
}
