package lambdaboot

import (
	"context"
	"errors"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/socratic-discovery/internal/auth"
	"github.com/fpang/socratic-discovery/internal/chat"
)

// EnvUserKeyParam names the SSM parameter that carries a key entered by the
// user to every Lambda instance.
const (
	EnvUserKeyParam     = "DISCOVERY_USER_KEY_PARAM"
	DefaultUserKeyParam = "/socratic-discovery/prod/user-gemini-api-key"
)

// ParameterStore is the SSM subset SharedKey needs.
type ParameterStore interface {
	ParameterGetter
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// SharedKey publishes a user-entered Gemini key through an SSM SecureString
// so instances other than the one that validated it use it too.
type SharedKey struct {
	client ParameterStore
	name   string

	mu      sync.Mutex
	version int64
}

// NewSharedKey returns a SharedKey stored under the parameter name.
func NewSharedKey(client ParameterStore, name string) *SharedKey {
	return &SharedKey{client: client, name: name}
}

// Name returns the parameter name.
func (k *SharedKey) Name() string { return k.name }

// Store publishes key. The caller has already activated it locally.
func (k *SharedKey) Store(ctx context.Context, key string) error {
	out, err := k.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(k.name),
		Value:     aws.String(auth.NormalizeKey(key)),
		Type:      types.ParameterTypeSecureString,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return err
	}

	k.mu.Lock()
	k.version = out.Version
	k.mu.Unlock()
	log.Info().Str("param", k.name).Int64("version", out.Version).Msg("Shared API key published")
	return nil
}

// Sync activates the published key on target when it changed since the last
// Store or Sync. A missing parameter is not an error.
func (k *SharedKey) Sync(ctx context.Context, target auth.KeyTarget) error {
	out, err := k.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(k.name),
		WithDecryption: aws.Bool(true),
	})
	var notFound *types.ParameterNotFound
	if errors.As(err, &notFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if out == nil || out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
		return nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if out.Parameter.Version == k.version {
		return nil
	}
	client, err := chat.NewGeminiClient(ctx, aws.ToString(out.Parameter.Value))
	if err != nil {
		return err
	}
	target.UseGenAIClient(client)
	k.version = out.Parameter.Version
	log.Info().Str("param", k.name).Int64("version", k.version).Msg("Shared API key activated")
	return nil
}
