// Package parser lifts Xray access-log frames into typed user observations.
// Not every log line is a user event; anything that does not carry an
// accepted connection with an email tag yields nil.
package parser

import (
	"regexp"
	"strings"

	"github.com/Mtoly/XrayIPGuard/api"
)

// Parser turns one websocket text frame into an observation, or nil when the
// frame is not a user event. Node is left empty; the subscriber stamps it.
type Parser interface {
	Parse(frame string) *api.User
}

// Xray access log, e.g.:
//
//	2024/01/02 15:04:05 from 203.0.113.7:51413 accepted tcp:example.com:443 [VLESS_TCP >> direct] email: 12.alice
//
// IPv6 sources appear bracketed: from [2001:db8::1]:51413 ...
var accessLogRe = regexp.MustCompile(
	`from (?:\[([^\]]+)\]|([0-9.]+)):\d+ accepted (\S+) \[([^\]]+)\](?:.*?email: (\S+))`)

type accessLogParser struct{}

// NewAccessLog returns the parser for the primary panel's node log format.
func NewAccessLog() Parser {
	return accessLogParser{}
}

func (accessLogParser) Parse(frame string) *api.User {
	m := accessLogRe.FindStringSubmatch(frame)
	if m == nil {
		return nil
	}

	ip := m[1]
	if ip == "" {
		ip = m[2]
	}

	email := m[5]
	if email == "" {
		return nil
	}

	// Panels prefix the email tag with the numeric user id ("12.alice").
	name := email
	if idx := strings.IndexByte(email, '.'); idx > 0 && isDigits(email[:idx]) {
		name = email[idx+1:]
	}
	if name == "" {
		return nil
	}

	inbound := m[4]
	if idx := strings.Index(inbound, " >> "); idx >= 0 {
		inbound = inbound[:idx]
	}

	return &api.User{
		Name:     name,
		IP:       ip,
		Inbound:  strings.TrimSpace(inbound),
		Accepted: m[3],
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ForPanel selects the parser for a panel type. The non-primary panels stream
// the same Xray access-log grammar from their nodes, so they currently share
// the primary parser.
func ForPanel(panelType string) Parser {
	switch panelType {
	case "marzneshin", "marzban", "rebecca", "pasarguard":
		return NewAccessLog()
	default:
		return NewAccessLog()
	}
}
