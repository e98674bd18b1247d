package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"gameforge/internal/core/domain"
)

// fakeTextGen returns a canned reply or error.
type fakeTextGen struct {
	reply string
	err   error
}

func (f *fakeTextGen) GenerateText(ctx context.Context, prompt string) (string, error) {
	return f.reply, f.err
}

func TestIntentClassifier_UsesProviderAnswer(t *testing.T) {
	c := NewIntentClassifier(testLogger(), &fakeTextGen{reply: " Restore \n"}, 0)
	assert.Equal(t, domain.IntentRestore, c.Classify(context.Background(), "put it back"))
}

func TestIntentClassifier_FallsBackOnProviderError(t *testing.T) {
	c := NewIntentClassifier(testLogger(), &fakeTextGen{err: errors.New("down")}, 0)

	assert.Equal(t, domain.IntentRestore, c.Classify(context.Background(), "元に戻して"))
	assert.Equal(t, domain.IntentChat, c.Classify(context.Background(), "what does the score variable do"))
	assert.Equal(t, domain.IntentEdit, c.Classify(context.Background(), "ジャンプを高くして"))
}

func TestIntentClassifier_OutOfSetReplyFallsBack(t *testing.T) {
	c := NewIntentClassifier(testLogger(), &fakeTextGen{reply: "maybe-restore?"}, 0)
	// Heuristic takes over; a plain modification request defaults to edit.
	assert.Equal(t, domain.IntentEdit, c.Classify(context.Background(), "make the player faster"))
}

func TestIntentClassifier_AlwaysInSet(t *testing.T) {
	c := NewIntentClassifier(testLogger(), nil, 0)
	messages := []string{
		"", "???", "revert to yesterday", "前のバージョンに戻して",
		"how does gravity work here", "add a boss fight", "undo that",
	}
	for _, msg := range messages {
		intent := c.Classify(context.Background(), msg)
		assert.Contains(t, []domain.Intent{domain.IntentRestore, domain.IntentChat, domain.IntentEdit}, intent, "message %q", msg)
	}
}

func TestHeuristicIntent_RestoreWinsOverChat(t *testing.T) {
	// A message carrying both marker kinds routes to the safer confirmation path.
	assert.Equal(t, domain.IntentRestore, heuristicIntent("can you explain how to restore the old version"))
}
