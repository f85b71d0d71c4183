// Package main is the Lambda entry point for the discovery API.
//
// It serves the same handlers as discovery-web behind API Gateway (HTTP API,
// payload v2). The session snapshot lives in DynamoDB and report
// illustrations are uploaded to S3 when an image bucket is configured.
// Concurrent instances serve one session, so every request builds its
// controller from the stored snapshot, and a key entered by the user is
// published to the other instances through SSM.
//
// Environment:
//
//	DISCOVERY_TABLE         DynamoDB table for the session snapshot (required)
//	DISCOVERY_IMAGE_BUCKET  S3 bucket for illustrations (optional; inline data URIs otherwise)
//	SSM_API_KEY_PARAM       SSM SecureString holding the Gemini key, unless GEMINI_API_KEY is set
//	DISCOVERY_USER_KEY_PARAM  SSM SecureString for keys entered by the user
//	ORIGIN_VERIFY_SECRET    shared secret CloudFront sends in x-origin-verify (optional)
//	DISCOVERY_GROUNDED      "true" to ground the report with Google Search
package main

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/rs/zerolog/log"

	"github.com/fpang/socratic-discovery/internal/auth"
	"github.com/fpang/socratic-discovery/internal/chat"
	"github.com/fpang/socratic-discovery/internal/lambdaboot"
	"github.com/fpang/socratic-discovery/internal/logging"
	"github.com/fpang/socratic-discovery/internal/session"
	"github.com/fpang/socratic-discovery/internal/store"
	"github.com/fpang/socratic-discovery/internal/webapi"
)

// API Gateway gives up on an integration after 30s. Question calls get
// callTimeout each; synthesis gets one budget for the report and the image,
// and skips the image when less than minImageBudget is left.
const (
	callTimeout     = 25 * time.Second
	synthesisBudget = 27 * time.Second
	minImageBudget  = 8 * time.Second
	// busyGrace is how long a stored busy marker holds off other instances.
	// It outlives any request, so an older marker belongs to a dead one.
	busyGrace = 35 * time.Second
)

var adapter *httpadapter.HandlerAdapterV2

func init() {
	initStart := time.Now()
	logging.Init()
	ctx := context.Background()

	clients := lambdaboot.InitAWS()
	backend, table := lambdaboot.InitDynamo(clients.Config, lambdaboot.EnvTable)
	uploader, bucket := lambdaboot.InitImageUploader(clients.Config, lambdaboot.EnvImageBucket)
	apiKey, keySource := lambdaboot.LoadGeminiKey(ctx, clients.SSM)

	cfg := chat.Config{Grounded: os.Getenv("DISCOVERY_GROUNDED") == "true"}
	if uploader != nil {
		cfg.Sink = uploader
	}
	content := chat.New(nil, cfg)
	if err := auth.ActivateKey(ctx, apiKey, content); err != nil {
		log.Error().Err(err).Msg("Configured Gemini key was rejected; sessions will ask for one")
	}

	snapshots := store.NewSnapshotStore(backend)
	sharedKey := lambdaboot.NewSharedKey(clients.SSM,
		logging.EnvOrDefault(lambdaboot.EnvUserKeyParam, lambdaboot.DefaultUserKeyParam))

	originSecret := os.Getenv("ORIGIN_VERIFY_SECRET")
	if originSecret == "" {
		log.Warn().Msg("ORIGIN_VERIFY_SECRET not set; origin verification disabled")
	}

	handler := webapi.New(webapi.Config{
		Sessions: func(ctx context.Context) *session.Controller {
			if err := sharedKey.Sync(ctx, content); err != nil {
				log.Warn().Err(err).Str("param", sharedKey.Name()).Msg("Failed to sync shared API key")
			}
			return session.New(ctx, content, snapshots,
				session.WithCallTimeout(callTimeout),
				session.WithSynthesisBudget(synthesisBudget, minImageBudget),
				session.WithSharedSnapshot(busyGrace))
		},
		Activate: func(ctx context.Context, key string) error {
			if err := auth.ActivateKey(ctx, key, content); err != nil {
				return err
			}
			if err := sharedKey.Store(ctx, key); err != nil {
				log.Error().Err(err).Str("param", sharedKey.Name()).Msg("Failed to publish API key to other instances")
			}
			return nil
		},
		Version:            commitHash,
		OriginVerifySecret: originSecret,
	})
	adapter = httpadapter.NewV2(handler)

	startup := lambdaboot.StartupLog("discovery-lambda", initStart).
		CommitHash(commitHash).
		BuildTime(buildTime).
		DynamoTable("snapshots", table).
		Feature("grounded", cfg.Grounded).
		Feature("originVerify", originSecret != "").
		Config("model", content.Model()).
		Config("imageModel", content.ImageModel())
	if keySource != "env" {
		startup.SSMParam("geminiApiKey", keySource)
	}
	startup.SSMParam("userGeminiApiKey", sharedKey.Name())
	if bucket != "" {
		startup.S3Bucket("images", bucket)
	}
	startup.Log()
}

func main() {
	lambda.Start(adapter.ProxyWithContext)
}
