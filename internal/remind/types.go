package remind

import "time"

// State is the lifecycle position of a reminder.
//
// pending -> claimed -> fired -> pending (snooze) | completed
// fired   -> completed (acknowledge, or snooze budget exhausted)
// pending -> failed   (delivery retries exhausted)
//
// claimed is the in-flight marker: a sweep worker owns the delivery attempt
// and nobody else may touch the reminder until it is released.
type State string

const (
	StatePending   State = "pending"
	StateClaimed   State = "claimed"
	StateFired     State = "fired"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Reminder is one scheduled read-reminder for a saved link.
// ChatID and URL are denormalized from the owning link so delivery does not
// need a join at fire time.
type Reminder struct {
	ID          int64
	LinkID      int64
	ChatID      int64
	URL         string
	State       State
	DueAt       time.Time
	SnoozeCount int
	RetryCount  int
	ClaimToken  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Link is a saved URL. A link has at most one reminder in a non-terminal
// state at any time.
type Link struct {
	ID      int64
	ChatID  int64
	URL     string
	SavedAt time.Time
	ReadAt  *time.Time
}

// User holds per-user preferences relevant to scheduling.
type User struct {
	ChatID        int64
	Username      string
	FirstName     string
	Timezone      string // IANA name; "UTC" until the user picks one
	TimezoneSet   bool
	DefaultPolicy Policy
	CreatedAt     time.Time
}

// DeliveryResult records the outcome of one sweep delivery attempt.
type DeliveryResult struct {
	ReminderID int64
	ChatID     int64
	Delivered  bool
	State      State
	Err        error
}
