// Package ai classifies inbound group messages and drafts replies. The
// keyword provider needs no network; the Gemini provider calls the
// Google GenAI API.
package ai

import (
	"context"
	"fmt"

	"github.com/zulandar/concierge/internal/models"
)

// Intent is the classified purpose of a message.
type Intent int

const (
	IntentChat Intent = iota
	IntentService
	IntentHelp
	IntentWelcome
	IntentRisk
	IntentSpam
	IntentAdmin
)

var intentNames = [...]string{
	IntentChat:    "chat",
	IntentService: "service",
	IntentHelp:    "help",
	IntentWelcome: "welcome",
	IntentRisk:    "risk",
	IntentSpam:    "spam",
	IntentAdmin:   "admin",
}

func (i Intent) String() string {
	if i < 0 || int(i) >= len(intentNames) {
		return fmt.Sprintf("intent(%d)", int(i))
	}
	return intentNames[i]
}

// ParseIntent maps a provider label to an Intent.
func ParseIntent(s string) (Intent, bool) {
	for i, name := range intentNames {
		if name == s {
			return Intent(i), true
		}
	}
	return IntentChat, false
}

// Classification is the result of intent recognition.
type Classification struct {
	Intent     Intent
	Confidence float64
	NeedReply  bool
	NeedHuman  bool
}

// Fallback is used when classification fails: a low-confidence chat
// intent that asks for no reply.
func Fallback() Classification {
	return Classification{Intent: IntentChat, Confidence: 0.1}
}

// Classifier recognizes the intent of a message given the session's recent
// turns, oldest first.
type Classifier interface {
	RecognizeIntent(ctx context.Context, text string, history []models.Turn) (Classification, error)
}

// Responder drafts a reply for a classified message.
type Responder interface {
	GenerateReply(ctx context.Context, text string, intent Intent, history []models.Turn) (string, error)
}
