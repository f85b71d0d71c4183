package cli

import (
	"context"
	"errors"

	"github.com/fpang/socratic-discovery/internal/auth"
	"github.com/rs/zerolog/log"
)

// ActivateStoredKey activates the key found in GEMINI_API_KEY or the encrypted
// credential file. A missing key is not an error: the session starts without
// one and asks for it on the first failed call.
func ActivateStoredKey(ctx context.Context, target auth.KeyTarget) error {
	apiKey, err := auth.GetAPIKey(ctx)
	if errors.Is(err, auth.ErrNoAPIKey) {
		log.Info().Msg("No stored API key; one will be requested when needed")
		return nil
	}
	if err != nil {
		return err
	}

	if err := auth.ActivateKey(ctx, apiKey, target); err != nil {
		log.Warn().Err(err).Msg(ValidationMessage(err))
		return err
	}
	log.Info().Msg("Stored API key activated")
	return nil
}
