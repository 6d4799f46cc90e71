package chat

import "errors"

var (
	// ErrNotFound is returned when a referenced thread or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidPrompt rejects empty or oversized prompts before persistence.
	ErrInvalidPrompt = errors.New("invalid prompt")
)

// MaxPromptBytes bounds a single prompt.
const MaxPromptBytes = 16384
