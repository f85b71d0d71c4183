// Package lambdaboot provides the Lambda cold-start bootstrap: AWS config,
// the Gemini key from SSM, the DynamoDB snapshot backend, the S3 image
// uploader, and startup logging. Each helper fatals when a required piece
// of configuration is missing, since a half-configured Lambda is useless.
package lambdaboot

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/socratic-discovery/internal/logging"
	"github.com/fpang/socratic-discovery/internal/s3util"
	"github.com/fpang/socratic-discovery/internal/store"
)

// Environment variables read during bootstrap.
const (
	EnvAPIKeyParam = "SSM_API_KEY_PARAM"
	EnvTable       = "DISCOVERY_TABLE"
	EnvImageBucket = "DISCOVERY_IMAGE_BUCKET"

	DefaultAPIKeyParam = "/socratic-discovery/prod/gemini-api-key"
)

// AWSClients holds the AWS config and the clients every Lambda needs.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// InitAWS loads the default AWS config.
func InitAWS() AWSClients {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
	}
}

// InitDynamo creates the DynamoDB snapshot backend from the table named by
// tableEnvVar. Fatals if the variable is empty.
func InitDynamo(cfg aws.Config, tableEnvVar string) (*store.DynamoBackend, string) {
	tableName := os.Getenv(tableEnvVar)
	if tableName == "" {
		log.Fatal().Str("envVar", tableEnvVar).Msg("DynamoDB table environment variable is required")
	}
	return store.NewDynamoBackend(dynamodb.NewFromConfig(cfg), tableName), tableName
}

// InitImageUploader creates the S3 image sink for report illustrations.
// Returns nil when bucketEnvVar is unset, in which case images are embedded
// as data URIs.
func InitImageUploader(cfg aws.Config, bucketEnvVar string) (*s3util.ImageUploader, string) {
	bucket := os.Getenv(bucketEnvVar)
	if bucket == "" {
		log.Warn().Str("envVar", bucketEnvVar).Msg("Image bucket not set; embedding illustrations inline")
		return nil, ""
	}
	return s3util.NewImageUploader(s3.NewFromConfig(cfg), bucket), bucket
}

// ParameterGetter is the SSM subset LoadGeminiKey needs.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadGeminiKey returns the Gemini API key: GEMINI_API_KEY when set, otherwise
// the SecureString parameter named by SSM_API_KEY_PARAM. Fatals on SSM errors.
func LoadGeminiKey(ctx context.Context, ssmClient ParameterGetter) (key, source string) {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		return v, "env"
	}
	paramName := logging.EnvOrDefault(EnvAPIKeyParam, DefaultAPIKeyParam)

	key, err := fetchParameter(ctx, ssmClient, paramName)
	if err != nil {
		log.Fatal().Err(err).Str("param", paramName).Msg("Failed to read API key from SSM")
	}
	return key, paramName
}

func fetchParameter(ctx context.Context, ssmClient ParameterGetter, name string) (string, error) {
	start := time.Now()
	result, err := ssmClient.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", err
	}
	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", nil
	}
	log.Debug().Str("param", name).Dur("elapsed", time.Since(start)).Msg("Parameter loaded from SSM")
	return *result.Parameter.Value, nil
}

// StartupLog is a convenience wrapper for the startup logger.
func StartupLog(name string, initStart time.Time) *logging.StartupLogger {
	return logging.NewStartupLogger(name).InitDuration(time.Since(initStart))
}
