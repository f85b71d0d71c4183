package auth

import (
	"context"
	"errors"

	"github.com/fpang/socratic-discovery/internal/chat"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// KeyTarget receives a freshly activated Gemini client.
type KeyTarget interface {
	UseGenAIClient(*genai.Client)
}

// ActivateKey builds a client for apiKey, validates it, and hands it to the
// target. Keys the API rejects are not activated. Transient validation
// failures (quota, network) are logged and the key is activated anyway, since
// they say nothing about the key itself.
func ActivateKey(ctx context.Context, apiKey string, target KeyTarget) error {
	apiKey = NormalizeKey(apiKey)
	if apiKey == "" {
		return &ValidationError{Type: ErrTypeNoKey, Message: "no API key provided"}
	}

	client, err := chat.NewGeminiClient(ctx, apiKey)
	if err != nil {
		return &ValidationError{Type: ErrTypeUnknown, Message: "Failed to create Gemini client", Err: err}
	}

	if err := ValidateAPIKey(ctx, client); err != nil {
		var valErr *ValidationError
		if errors.As(err, &valErr) && valErr.Rejects() {
			return valErr
		}
		log.Warn().Err(err).Msg("API key could not be fully validated; activating it anyway")
	}

	target.UseGenAIClient(client)
	log.Info().Msg("API key activated")
	return nil
}
