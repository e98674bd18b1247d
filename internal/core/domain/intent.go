package domain

// Intent is the classified purpose of a user message.
type Intent string

const (
	IntentRestore Intent = "restore"
	IntentChat    Intent = "chat"
	IntentEdit    Intent = "edit"
)
