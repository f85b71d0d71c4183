package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fpang/socratic-discovery/internal/auth"
	"github.com/fpang/socratic-discovery/internal/chat"
	"github.com/fpang/socratic-discovery/internal/cli"
	"github.com/fpang/socratic-discovery/internal/discovery"
	"github.com/fpang/socratic-discovery/internal/logging"
	"github.com/fpang/socratic-discovery/internal/metrics"
	"github.com/fpang/socratic-discovery/internal/session"
	"github.com/fpang/socratic-discovery/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// CLI flags
var (
	topicFlag     string
	modelFlag     string
	groundedFlag  bool
	stateDirFlag  string
	ephemeralFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "discovery-cli",
	Short: "Explore a topic through Socratic questions in the terminal",
	Long: `Discovery CLI asks a short series of questions about a topic you choose,
then writes a Discovery Report tailored to your answers.

During the inquiry type /skip to skip a question, /restart to start over,
or /quit to leave. An interrupted session resumes where it stopped.

Examples:
  discovery-cli
  discovery-cli --topic "Deep sea creatures"
  discovery-cli -t Volcanoes --grounded --ephemeral`,
	Run: runMain,
}

func init() {
	rootCmd.Flags().StringVarP(&topicFlag, "topic", "t", "", "Topic to explore (prompted when empty)")
	rootCmd.Flags().StringVarP(&modelFlag, "model", "m", chat.GetModelName(), "Gemini text model")
	rootCmd.Flags().BoolVar(&groundedFlag, "grounded", os.Getenv("DISCOVERY_GROUNDED") == "true", "Ground the final report with Google Search")
	rootCmd.Flags().StringVar(&stateDirFlag, "state-dir", os.Getenv("DISCOVERY_STATE_DIR"), "Directory for the session snapshot")
	rootCmd.Flags().BoolVar(&ephemeralFlag, "ephemeral", false, "Do not persist the session")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMain(cmd *cobra.Command, args []string) {
	logging.Init()
	if os.Getenv(logging.LevelEnv) == "" {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}
	metrics.SetOutput(io.Discard)
	ctx := context.Background()

	backend, _, closeBackend, err := cli.OpenBackend(ctx, cli.BackendOptions{
		Ephemeral: ephemeralFlag,
		StateDir:  stateDirFlag,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open snapshot backend")
	}
	defer closeBackend()

	content := chat.New(nil, chat.Config{Model: modelFlag, Grounded: groundedFlag})
	cli.ActivateStoredKey(ctx, content)

	ctrl := session.New(ctx, content, store.NewSnapshotStore(backend), session.WithCallTimeout(2*time.Minute))

	r := &repl{
		ctx:     ctx,
		ctrl:    ctrl,
		content: content,
		prompt:  cli.NewPrompter(os.Stdin, os.Stdout),
		out:     os.Stdout,
	}
	if topicFlag != "" && ctrl.Phase() == discovery.PhaseLanding {
		r.start(topicFlag)
	}
	if err := r.run(); err != nil && !errors.Is(err, io.EOF) {
		log.Fatal().Err(err).Msg("Input failed")
	}
}

// repl renders the active view and turns each input line into one event.
type repl struct {
	ctx     context.Context
	ctrl    *session.Controller
	content auth.KeyTarget
	prompt  *cli.Prompter
	out     io.Writer
}

var errQuit = errors.New("quit")

func (r *repl) run() error {
	for {
		v := r.ctrl.View()

		var err error
		switch v.Phase {
		case discovery.PhaseLanding:
			err = r.landing()
		case discovery.PhaseInquiry:
			err = r.inquiry(v.Inquiry)
		case discovery.PhaseLoadingReport:
			time.Sleep(200 * time.Millisecond)
		case discovery.PhaseReport:
			err = r.report(v.Report)
		case discovery.PhaseKeyNeeded:
			err = r.keyNeeded(v.KeyNeeded)
		}

		if errors.Is(err, errQuit) {
			fmt.Fprintln(r.out, "Bye.")
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (r *repl) landing() error {
	fmt.Fprintln(r.out, "\nWhat would you like to explore? (/key to use your own API key, /quit to leave)")
	topic, err := r.prompt.Ask("Topic: ")
	if err != nil {
		return err
	}
	switch topic {
	case "":
		return nil
	case "/quit":
		return errQuit
	case "/key":
		r.showErr(r.ctrl.RequestKey(r.ctx))
		return nil
	}
	r.start(topic)
	return nil
}

func (r *repl) start(topic string) {
	fmt.Fprintf(r.out, "Preparing questions about %q...\n", strings.TrimSpace(topic))
	r.showErr(r.ctrl.Start(r.ctx, topic))
}

func (r *repl) inquiry(v *session.InquiryView) error {
	fmt.Fprintf(r.out, "\n%s\n", cli.ProgressLabel(v.State))
	if v.Validation != "" {
		fmt.Fprintf(r.out, "%s\n", v.Validation)
	}
	fmt.Fprintf(r.out, "\n%s\n", v.Question)

	input, err := r.prompt.Ask("> ")
	if err != nil {
		return err
	}
	switch input {
	case "/quit":
		return errQuit
	case "/restart":
		r.ctrl.Restart(r.ctx)
		return nil
	}

	last := v.State.CurrentQuestionIndex == v.State.TotalQuestions
	if last {
		fmt.Fprintln(r.out, "Writing your Discovery Report...")
	}
	start := time.Now()
	if input == "/skip" {
		r.showErr(r.ctrl.Skip(r.ctx))
	} else {
		r.showErr(r.ctrl.SubmitAnswer(r.ctx, input))
	}
	if last && r.ctrl.Phase() == discovery.PhaseReport {
		fmt.Fprintf(r.out, "Report ready in %s\n", cli.FormatDurationShort(time.Since(start)))
	}
	return nil
}

func (r *repl) report(v *session.ReportView) error {
	cli.WriteReport(r.out, v.Topic, v.Report)

	input, err := r.prompt.Ask("\nPress Enter to explore another topic, or /quit: ")
	if err != nil {
		return err
	}
	if input == "/quit" {
		return errQuit
	}
	r.ctrl.Restart(r.ctx)
	return nil
}

func (r *repl) keyNeeded(v *session.KeyNeededView) error {
	if e := v.LastError; e != nil {
		if e.Kind == discovery.KindQuota {
			fmt.Fprintln(r.out, "\nThe current API key has run out of quota.")
		} else {
			fmt.Fprintf(r.out, "\nThe request failed (%s): %s\n", e.Kind, e.Message)
		}
	}
	fmt.Fprintln(r.out, "Enter a Gemini API key to continue. Your progress is kept.")

	input, err := r.prompt.Ask("API key (Enter to cancel, 'retry' to keep the current key): ")
	if err != nil {
		return err
	}
	switch input {
	case "":
		r.showErr(r.ctrl.Cancel(r.ctx))
		return nil
	case "retry":
	default:
		if err := auth.ActivateKey(r.ctx, input, r.content); err != nil {
			fmt.Fprintln(r.out, cli.ValidationMessage(err))
			return nil
		}
	}

	if v.Resumes == discovery.PhaseLoadingReport {
		fmt.Fprintln(r.out, "Writing your Discovery Report...")
	}
	r.showErr(r.ctrl.CredentialResolved(r.ctx))
	return nil
}

// showErr prints a rejected event. Service failures never surface here; they
// show up as the key_needed view.
func (r *repl) showErr(err error) {
	if err != nil {
		fmt.Fprintf(r.out, "! %v\n", err)
	}
}
