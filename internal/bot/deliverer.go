package bot

import (
	"context"
	"fmt"

	"readmark/internal/remind"
	"readmark/internal/transport"
)

// Deliverer sends fired reminders to the user with the read/snooze
// keyboard. It is the remind.Deliverer the sweep calls.
type Deliverer struct {
	adapter transport.Adapter
}

func NewDeliverer(adapter transport.Adapter) *Deliverer {
	return &Deliverer{adapter: adapter}
}

func (d *Deliverer) Deliver(ctx context.Context, r remind.Reminder) error {
	opt := &transport.SendOptions{
		DisablePreview: false,
		Keyboard: [][]transport.InlineButton{
			{
				{Text: "Mark as read", Data: callbackData(cbRead, r.ID)},
				{Text: "Snooze", Data: callbackData(cbSnooze, r.ID)},
			},
		},
	}
	text := fmt.Sprintf(textReminder, r.URL)
	if _, err := d.adapter.SendText(ctx, transport.ChatTarget{ChatID: r.ChatID}, text, opt); err != nil {
		return fmt.Errorf("send reminder %d: %w", r.ID, err)
	}
	return nil
}
