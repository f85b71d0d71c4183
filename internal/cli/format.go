package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fpang/socratic-discovery/internal/discovery"
)

// FormatDurationShort formats a duration in a short format (M:SS or H:MM:SS).
func FormatDurationShort(d time.Duration) string {
	totalSeconds := int(d.Seconds())
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60

	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

// ProgressLabel renders the inquiry position, e.g. "Question 2 of 5".
func ProgressLabel(state discovery.SessionState) string {
	return fmt.Sprintf("Question %d of %d", state.CurrentQuestionIndex, state.TotalQuestions)
}

// WriteReport renders a report as plain text. Empty sections are omitted.
func WriteReport(w io.Writer, topic string, r *discovery.Report) {
	heading(w, "Discovery Report: "+topic)

	p := r.UserPsychology
	if p.ProfileSummary != "" || p.DominantTrait != "" {
		heading(w, "Your Profile")
		line(w, p.ProfileSummary)
		field(w, "Dominant trait", p.DominantTrait)
		field(w, "Learning style", p.LearningStyle)
	}

	if len(r.Facts) > 0 {
		heading(w, "Facts")
		for _, f := range r.Facts {
			bullet(w, f.Fact)
			if f.Context != "" {
				fmt.Fprintf(w, "    %s\n", f.Context)
			}
		}
	}

	if len(r.News) > 0 {
		heading(w, "In the News")
		for _, n := range r.News {
			title := n.Headline
			if n.Source != "" {
				title += " (" + n.Source + ")"
			}
			bullet(w, title)
			for _, s := range []string{n.Summary, n.Relevance, n.URI} {
				if s != "" {
					fmt.Fprintf(w, "    %s\n", s)
				}
			}
		}
	}

	t := r.Things
	if len(t.Recommendations)+len(t.Misconceptions) > 0 || t.Challenge != "" || t.FutureOutlook != "" {
		heading(w, "Things to Explore")
		list(w, "Recommendations", t.Recommendations)
		list(w, "Common misconceptions", t.Misconceptions)
		field(w, "Challenge", t.Challenge)
		field(w, "Outlook", t.FutureOutlook)
	}

	d := r.DeepResearch
	if d.ThematicAnalysis != "" || len(d.KeyDebates)+len(d.UnansweredQuestions) > 0 {
		heading(w, "Deep Research")
		line(w, d.ThematicAnalysis)
		list(w, "Key debates", d.KeyDebates)
		list(w, "Open questions", d.UnansweredQuestions)
	}

	if len(r.ResearchPapers) > 0 {
		heading(w, "Papers")
		for _, paper := range r.ResearchPapers {
			bullet(w, strings.TrimSpace(fmt.Sprintf("%s. %s (%s)", paper.Title, paper.Authors, paper.Year)))
			if paper.Link != "" {
				fmt.Fprintf(w, "    %s\n", paper.Link)
			}
		}
	}

	if len(r.YouTubeVideos) > 0 {
		heading(w, "Videos")
		for _, v := range r.YouTubeVideos {
			bullet(w, v.Title+"  "+v.URL)
		}
	}

	if r.ImageURL != "" && !strings.HasPrefix(r.ImageURL, "data:") {
		heading(w, "Illustration")
		line(w, r.ImageURL)
	}
}

func heading(w io.Writer, s string) {
	fmt.Fprintf(w, "\n%s\n%s\n", s, strings.Repeat("=", len(s)))
}

func line(w io.Writer, s string) {
	if s != "" {
		fmt.Fprintln(w, s)
	}
}

func field(w io.Writer, label, value string) {
	if value != "" {
		fmt.Fprintf(w, "%s: %s\n", label, value)
	}
}

func bullet(w io.Writer, s string) {
	fmt.Fprintf(w, "  - %s\n", s)
}

func list(w io.Writer, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", label)
	for _, item := range items {
		bullet(w, item)
	}
}
