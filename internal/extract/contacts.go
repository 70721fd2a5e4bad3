// Package extract pulls contact candidates out of free text such as listing
// detail payloads or buyer messages. It performs no I/O; absence of a match is
// reported as an empty field, never as an error.
package extract

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
)

var (
	phoneRe = regexp.MustCompile(`\+?\d[\d\s\-()]{6,}\d`)
	emailRe = regexp.MustCompile(`[\w.\-]+@[\w.\-]+`)
	fold    = cases.Fold()
)

// messagingPlatforms are the names that, when present in the text, mark the
// matched phone as a messaging handle.
var messagingPlatforms = []string{"whatsapp"}

// Contacts holds best-effort matches. Empty means "not found".
type Contacts struct {
	Phone     string
	Email     string
	Messaging string
}

// Empty reports whether nothing was found.
func (c Contacts) Empty() bool { return c.Phone == "" && c.Email == "" && c.Messaging == "" }

// FromText applies the phone, e-mail and messaging heuristics to blob.
// The first phone and e-mail match win. Messaging is the matched phone and is
// set only when blob names a messaging platform.
func FromText(blob string) Contacts {
	var c Contacts
	if m := phoneRe.FindString(blob); m != "" {
		c.Phone = strings.TrimSpace(m)
	}
	if m := emailRe.FindString(blob); m != "" {
		c.Email = strings.TrimRight(m, ".-")
	}
	if c.Phone != "" && MentionsMessaging(blob) {
		c.Messaging = c.Phone
	}
	return c
}

// MentionsMessaging reports whether blob names a supported messaging platform,
// ignoring case.
func MentionsMessaging(blob string) bool {
	folded := fold.String(blob)
	for _, p := range messagingPlatforms {
		if strings.Contains(folded, p) {
			return true
		}
	}
	return false
}

// NormalizePhone keeps only digits and '+'.
func NormalizePhone(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
