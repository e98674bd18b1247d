package services

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"gameforge/internal/core/domain"
)

// textGenerator is the minimal provider surface classification needs.
type textGenerator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// IntentClassifier maps a user message to restore, chat, or edit. The primary
// pass asks the fast provider; any failure, timeout, or out-of-set answer falls
// back to deterministic keyword rules. The default is edit: edit paths carry
// further validation downstream, whereas a dropped edit request would be
// invisible to the user.
//
// Classification is advisory. A restore-looking message routes to a
// confirmation step, never directly to a destructive restore.
type IntentClassifier struct {
	logger  *slog.Logger
	gen     textGenerator
	timeout time.Duration
}

func NewIntentClassifier(logger *slog.Logger, gen textGenerator, timeout time.Duration) *IntentClassifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &IntentClassifier{logger: logger, gen: gen, timeout: timeout}
}

const intentPrompt = `Classify the intent of a user message sent to a browser-game editor.
Reply with exactly one word: restore, chat, or edit.

restore = the user wants to revert the game to an earlier version
chat = the user is asking a question or conversing, without requesting changes
edit = the user wants the game created or modified

Message: %s
Answer:`

// Classify always returns one of exactly {restore, chat, edit}.
func (c *IntentClassifier) Classify(ctx context.Context, message string) domain.Intent {
	if c.gen != nil {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		reply, err := c.gen.GenerateText(ctx, strings.Replace(intentPrompt, "%s", message, 1))
		if err == nil {
			switch domain.Intent(strings.ToLower(strings.TrimSpace(reply))) {
			case domain.IntentRestore:
				return domain.IntentRestore
			case domain.IntentChat:
				return domain.IntentChat
			case domain.IntentEdit:
				return domain.IntentEdit
			}
			c.logger.Warn("classifier returned out-of-set intent", "reply", reply)
		} else {
			c.logger.Warn("intent classification failed, using heuristic", "error", err)
		}
	}
	return heuristicIntent(message)
}

var restoreMarkers = []string{
	"元に戻", "戻して", "前のバージョン", "前の状態",
	"restore", "revert", "undo", "roll back", "rollback", "go back to",
}

var chatMarkers = []string{
	"どうやって", "とは", "って何", "教えて", "ですか",
	"what is", "what does", "how do", "how does", "why does", "can you explain", "explain",
}

// heuristicIntent is the deterministic fallback. Restore markers win over chat
// markers; anything else is an edit.
func heuristicIntent(message string) domain.Intent {
	lower := strings.ToLower(message)
	for _, marker := range restoreMarkers {
		if strings.Contains(lower, marker) {
			return domain.IntentRestore
		}
	}
	for _, marker := range chatMarkers {
		if strings.Contains(lower, marker) {
			return domain.IntentChat
		}
	}
	return domain.IntentEdit
}
