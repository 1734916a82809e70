package bot

import (
	"fmt"
	"strings"
	"time"

	"readmark/internal/remind"
)

const (
	textWelcome = "Hi! Send me a link and I'll remind you to read it tomorrow at 09:00 your time.\n\n" +
		"Set your timezone with /timezone so reminders arrive at the right hour."

	textHelp = "Send any message containing an http(s) link to save it.\n\n" +
		"/list - your recently saved links\n" +
		"/read <number> - mark a listed link as read\n" +
		"/timezone <IANA zone> - set your timezone, e.g. /timezone Europe/Berlin\n" +
		"/policy <tomorrow|in2days|in3days> - default reminder delay\n" +
		"/help - this message"

	textNoURL          = "I didn't find a link in that message. Send an http(s) URL to save it."
	textMessageLimited = "You're sending messages too fast, give it a minute."
	textSaveLimited    = "You're saving links too fast, give it a minute."
	textSaved          = "Saved! I'll remind you to read it %s."
	textSkipped        = "Okay, forgotten."
	textMarkedRead     = "Nice, marked as read."
	textSnoozed        = "Snoozed until tomorrow at 09:00."
	textSnoozesOver    = "No snoozes left, marking this one as done."
	textRescheduled    = "Rescheduled for %s."
	textGone           = "That one is already gone."
	textReminder       = "Time to read:\n%s"
	textNoLinks        = "Nothing saved yet. Send me a link!"

	textReadUsage = "Usage: /read <number> with a number from /list."

	textTimezoneHint    = "Tip: reminders use UTC until you set a timezone with /timezone."
	textTimezoneShow    = "Your timezone is %s. Change it with /timezone <IANA zone>, e.g. /timezone Asia/Tokyo."
	textTimezoneSet     = "Timezone set to %s. Reminders will arrive at 09:00 local."
	textTimezoneInvalid = "I don't know that timezone. Use an IANA name like Europe/Berlin or Asia/Tokyo."

	textPolicyShow    = "Your default reminder delay is %s. Change it with /policy <tomorrow|in2days|in3days>."
	textPolicySet     = "Default reminder delay set to %s."
	textPolicyInvalid = "Unknown delay. Use tomorrow, in2days, or in3days."
)

// policyLabel renders a policy for user-facing text.
func policyLabel(p remind.Policy) string {
	switch p {
	case remind.PolicyIn2Days:
		return "in 2 days"
	case remind.PolicyIn3Days:
		return "in 3 days"
	default:
		return "tomorrow"
	}
}

// dueLabel renders a due instant in the user's zone.
func dueLabel(due time.Time, loc *time.Location) string {
	return due.In(loc).Format("Mon, 2 Jan at 15:04")
}

// formatLinkList renders /list output, unread first markers included.
func formatLinkList(links []remind.Link) string {
	var b strings.Builder
	b.WriteString("Your recent links:\n")
	for i, l := range links {
		mark := " "
		if l.ReadAt != nil {
			mark = "✓"
		}
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, mark, l.URL)
	}
	return strings.TrimRight(b.String(), "\n")
}
