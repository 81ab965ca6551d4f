package moderation

import (
	"strconv"
	"strings"
	"time"
)

const (
	defaultWarningTemplate = "Attention @{{name}}, warning {{warns}}/{{max}}: {{reason}}."
	defaultWelcomeTemplate = "Welcome @{{name}} to {{subject}}!"
)

// memberName derives a display name for template substitution: push name
// when the transport supplied one, otherwise the local part of the
// member identifier.
func memberName(memberID, pushName string) string {
	if pushName != "" {
		return pushName
	}
	if i := strings.IndexByte(memberID, '@'); i > 0 {
		return memberID[:i]
	}
	return memberID
}

func renderWarning(tpl, name string, warns, max int, reason string) string {
	if strings.TrimSpace(tpl) == "" {
		tpl = defaultWarningTemplate
	}
	r := strings.NewReplacer(
		"{{name}}", name,
		"{{warns}}", strconv.Itoa(warns),
		"{{max}}", strconv.Itoa(max),
		"{{reason}}", reason,
	)
	return r.Replace(tpl)
}

func renderWelcome(tpl, name, subject string, now time.Time) string {
	if strings.TrimSpace(tpl) == "" {
		tpl = defaultWelcomeTemplate
	}
	r := strings.NewReplacer(
		"{{name}}", name,
		"{{subject}}", subject,
		"{{time}}", now.Format("15:04"),
	)
	return r.Replace(tpl)
}
