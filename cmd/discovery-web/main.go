package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fpang/socratic-discovery/internal/auth"
	"github.com/fpang/socratic-discovery/internal/chat"
	"github.com/fpang/socratic-discovery/internal/cli"
	"github.com/fpang/socratic-discovery/internal/logging"
	"github.com/fpang/socratic-discovery/internal/session"
	"github.com/fpang/socratic-discovery/internal/store"
	"github.com/fpang/socratic-discovery/internal/webapi"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// CLI flags
var (
	portFlag           int
	modelFlag          string
	imageModelFlag     string
	groundedFlag       bool
	stateDirFlag       string
	ephemeralFlag      bool
	redisURLFlag       string
	dynamoTableFlag    string
	callTimeoutFlag    time.Duration
	allowedOriginsFlag []string
)

var rootCmd = &cobra.Command{
	Use:   "discovery-web",
	Short: "JSON API for Socratic topic discovery",
	Long: `Discovery Web serves the Socratic discovery session over a local JSON API.
A front end drives the session through /api/start, /api/answer, /api/skip and
the key recovery endpoints, and renders the view returned by each call.

The session survives restarts: its snapshot is kept in a local state directory
by default, or in Redis or DynamoDB when configured.

Examples:
  discovery-web
  discovery-web --port 9090 --grounded
  discovery-web --ephemeral
  discovery-web --redis-url redis://localhost:6379/0`,
	Run: runMain,
}

func init() {
	rootCmd.Flags().IntVar(&portFlag, "port", envInt("DISCOVERY_PORT", 8080), "Port to listen on")
	rootCmd.Flags().StringVarP(&modelFlag, "model", "m", chat.GetModelName(), "Gemini text model")
	rootCmd.Flags().StringVar(&imageModelFlag, "image-model", chat.GetImageModelName(), "Imagen model for report illustrations")
	rootCmd.Flags().BoolVar(&groundedFlag, "grounded", os.Getenv("DISCOVERY_GROUNDED") == "true", "Ground the final report with Google Search")
	rootCmd.Flags().StringVar(&stateDirFlag, "state-dir", os.Getenv("DISCOVERY_STATE_DIR"), "Directory for the session snapshot (default ~/.socratic-discovery/state)")
	rootCmd.Flags().BoolVar(&ephemeralFlag, "ephemeral", false, "Keep the session in memory only")
	rootCmd.Flags().StringVar(&redisURLFlag, "redis-url", os.Getenv("DISCOVERY_REDIS_URL"), "Store the snapshot in Redis")
	rootCmd.Flags().StringVar(&dynamoTableFlag, "dynamo-table", os.Getenv("DISCOVERY_TABLE"), "Store the snapshot in this DynamoDB table")
	rootCmd.Flags().DurationVar(&callTimeoutFlag, "call-timeout", 2*time.Minute, "Timeout for each Gemini call (0 = none)")
	rootCmd.Flags().StringSliceVar(&allowedOriginsFlag, "allowed-origin", nil, "Additional CORS origin (repeatable)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMain(cmd *cobra.Command, args []string) {
	initStart := time.Now()
	logging.Init()
	ctx := context.Background()

	backend, location, closeBackend, err := cli.OpenBackend(ctx, cli.BackendOptions{
		Ephemeral:   ephemeralFlag,
		RedisURL:    redisURLFlag,
		DynamoTable: dynamoTableFlag,
		StateDir:    stateDirFlag,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open snapshot backend")
	}
	defer closeBackend()

	content := chat.New(nil, chat.Config{
		Model:      modelFlag,
		ImageModel: imageModelFlag,
		Grounded:   groundedFlag,
	})
	if err := cli.ActivateStoredKey(ctx, content); err != nil {
		log.Warn().Err(err).Msg("Starting without a usable key")
	}

	ctrl := session.New(ctx, content, store.NewSnapshotStore(backend), session.WithCallTimeout(callTimeoutFlag))

	handler := webapi.New(webapi.Config{
		Controller: ctrl,
		Activate: func(ctx context.Context, apiKey string) error {
			return auth.ActivateKey(ctx, apiKey, content)
		},
		Version:        commitHash,
		AllowedOrigins: allowedOriginsFlag,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", portFlag),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: callTimeoutFlag*2 + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	logging.NewStartupLogger("discovery-web").
		CommitHash(commitHash).
		BuildTime(buildTime).
		Store(backend.Name(), location).
		Feature("grounded", groundedFlag).
		Config("model", content.Model()).
		Config("imageModel", content.ImageModel()).
		Config("port", strconv.Itoa(portFlag)).
		Config("resumedPhase", string(ctrl.Phase())).
		InitDuration(time.Since(initStart)).
		Log()
	fmt.Printf("\n  Discovery API: http://localhost:%d/api/view\n\n", portFlag)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

func envInt(name string, def int) int {
	v, err := strconv.Atoi(logging.EnvOrDefault(name, strconv.Itoa(def)))
	if err != nil {
		return def
	}
	return v
}
