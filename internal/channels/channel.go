package channels

import (
	"context"
)

// Channel is a messaging platform integration that delivers approval prompts
// and accepts operator confirmations.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening. It blocks until the context is canceled or a
	// fatal error occurs.
	Start(ctx context.Context) error
}
