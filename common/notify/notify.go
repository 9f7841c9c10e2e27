// Package notify provides the default notification sink. The chat-bot
// delivery channel is a collaborator behind api.Notifier; this fallback keeps
// notifications visible in the process log.
package notify

import (
	log "github.com/sirupsen/logrus"

	"github.com/Mtoly/XrayIPGuard/api"
)

type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (LogNotifier) Notify(message string) {
	log.WithField("channel", "notification").Info(message)
}

func (LogNotifier) NotifyWithAction(message string, action api.ReplyAction) {
	log.WithFields(log.Fields{
		"channel":  "notification",
		"action":   action.Label,
		"callback": action.CallbackData,
	}).Info(message)
}
