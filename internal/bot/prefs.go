package bot

import (
	"context"

	"readmark/internal/remind"
	"readmark/internal/store"
)

// storePrefs adapts the persistence layer to the scheduling core's
// UserPreferences. Unknown users fall back to UTC and the default policy.
type storePrefs struct {
	st store.Store
}

// NewPreferences returns a remind.UserPreferences backed by the store.
func NewPreferences(st store.Store) remind.UserPreferences {
	return storePrefs{st: st}
}

func (p storePrefs) TimeZone(ctx context.Context, chatID int64) (string, error) {
	u, err := p.st.GetUser(ctx, chatID)
	if err != nil {
		return "UTC", nil
	}
	if u.Timezone == "" {
		return "UTC", nil
	}
	return u.Timezone, nil
}

func (p storePrefs) DefaultPolicy(ctx context.Context, chatID int64) (remind.Policy, error) {
	u, err := p.st.GetUser(ctx, chatID)
	if err != nil || u.DefaultPolicy == "" {
		return remind.PolicyDefault, nil
	}
	return u.DefaultPolicy, nil
}
