package chat

import (
	"context"
	"strings"

	"github.com/fpang/socratic-discovery/internal/assets"
	"github.com/fpang/socratic-discovery/internal/discovery"
	"github.com/fpang/socratic-discovery/internal/jsonutil"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// GenerateFinalReport synthesizes the Discovery Report from the full answer
// log. The returned report never carries an image; that is added separately.
func (c *Client) GenerateFinalReport(ctx context.Context, topic string, answers []discovery.AnswerLog) (*discovery.Report, error) {
	prompt := assets.RenderFinalReportPrompt(assets.ReportData{
		Topic:    topic,
		Answers:  answers,
		Grounded: c.grounded,
	})

	resp, err := c.generate(ctx, discovery.OpFinalReport, prompt, c.reportConfig())
	if err != nil {
		return nil, err
	}

	report, err := jsonutil.ParseJSON[discovery.Report](resp.Text())
	if err != nil {
		return nil, invalidResponse(discovery.OpFinalReport, err)
	}

	report.ImageURL = ""
	report.YouTubeVideos = normalizeVideos(report.YouTubeVideos)
	if c.grounded {
		backfillNewsURIs(&report, groundingSources(resp))
	}

	log.Info().
		Str("topic", topic).
		Int("facts", len(report.Facts)).
		Int("news", len(report.News)).
		Int("papers", len(report.ResearchPapers)).
		Int("videos", len(report.YouTubeVideos)).
		Bool("grounded", c.grounded).
		Msg("Discovery report generated")
	return &report, nil
}

// reportConfig enables Google Search when grounding is on. JSON response mode
// cannot be combined with tools, so grounded reports rely on JSON extraction.
func (c *Client) reportConfig() *genai.GenerateContentConfig {
	config := jsonConfig(0.4)
	if c.grounded {
		config.ResponseMIMEType = ""
		config.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	return config
}

// source is one web page the model consulted while grounding.
type source struct {
	URI   string
	Title string
}

func groundingSources(resp *genai.GenerateContentResponse) []source {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].GroundingMetadata == nil {
		return nil
	}
	var sources []source
	for _, chunk := range resp.Candidates[0].GroundingMetadata.GroundingChunks {
		if chunk == nil || chunk.Web == nil || chunk.Web.URI == "" {
			continue
		}
		sources = append(sources, source{URI: chunk.Web.URI, Title: chunk.Web.Title})
	}
	return sources
}

// backfillNewsURIs fills news items the model left without a link. A source
// whose title names the item's outlet is preferred; otherwise unused sources
// are handed out in order.
func backfillNewsURIs(report *discovery.Report, sources []source) {
	if len(sources) == 0 {
		return
	}
	used := make(map[string]bool)
	for _, item := range report.News {
		if item.URI != "" {
			used[item.URI] = true
		}
	}

	take := func(match func(source) bool) string {
		for _, s := range sources {
			if !used[s.URI] && match(s) {
				used[s.URI] = true
				return s.URI
			}
		}
		return ""
	}

	for i := range report.News {
		item := &report.News[i]
		if item.URI != "" {
			continue
		}
		outlet := strings.ToLower(strings.TrimSpace(item.Source))
		if outlet != "" {
			item.URI = take(func(s source) bool {
				return strings.Contains(strings.ToLower(s.Title), outlet)
			})
		}
		if item.URI == "" {
			item.URI = take(func(source) bool { return true })
		}
	}
}
