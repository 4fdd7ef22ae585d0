// Package llm wraps the remote completion call.
package llm

import (
	"errors"
	"fmt"

	"github.com/comigor/chatsync/internal/config"
)

// NoReplyText is returned when the provider answers without any content.
const NoReplyText = "Sorry, no reply."

// ErrCompletionFailed wraps network errors, non-2xx responses, malformed
// payloads and timeouts.
var ErrCompletionFailed = errors.New("completion failed")

// New builds the completer selected by cfg.Provider.
func New(cfg config.LLMConfig) (Completer, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI, "":
		return NewOpenAI(NewClient(cfg), cfg), nil
	case config.ProviderAnthropic:
		return NewAnthropic(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}
