package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fpang/socratic-discovery/internal/assets"
	"github.com/fpang/socratic-discovery/internal/discovery"
	"github.com/fpang/socratic-discovery/internal/jsonutil"
	"github.com/rs/zerolog/log"
)

// InitializeTopic plans a session: how many questions to ask, an opening hook,
// and the first question.
func (c *Client) InitializeTopic(ctx context.Context, topic string) (*discovery.TopicIntro, error) {
	prompt := assets.RenderTopicInitPrompt(assets.TopicInitData{
		Topic:        topic,
		MaxQuestions: c.maxQuestions,
	})

	resp, err := c.generate(ctx, discovery.OpInitializeTopic, prompt, jsonConfig(0.7))
	if err != nil {
		return nil, err
	}

	intro, err := jsonutil.ParseJSON[discovery.TopicIntro](resp.Text())
	if err != nil {
		return nil, invalidResponse(discovery.OpInitializeTopic, err)
	}
	if err := c.checkIntro(&intro); err != nil {
		return nil, invalidResponse(discovery.OpInitializeTopic, err)
	}

	log.Info().
		Str("topic", topic).
		Int("total_questions", intro.TotalQuestions).
		Msg("Topic initialized")
	return &intro, nil
}

// checkIntro rejects plans that cannot drive an inquiry and clamps oversized ones.
func (c *Client) checkIntro(intro *discovery.TopicIntro) error {
	intro.FirstQuestion = strings.TrimSpace(intro.FirstQuestion)
	intro.Hook = strings.TrimSpace(intro.Hook)

	if intro.TotalQuestions <= 0 {
		return fmt.Errorf("totalQuestions must be positive, got %d", intro.TotalQuestions)
	}
	if intro.FirstQuestion == "" {
		return errors.New("response has no first question")
	}
	if intro.TotalQuestions > c.maxQuestions {
		log.Warn().
			Int("requested", intro.TotalQuestions).
			Int("max", c.maxQuestions).
			Msg("Clamping planned question count")
		intro.TotalQuestions = c.maxQuestions
	}
	return nil
}

// NextQuestion acknowledges the latest answer and asks the next question. The
// full answer history goes into the prompt.
func (c *Client) NextQuestion(ctx context.Context, topic string, answers []discovery.AnswerLog, currentIndex, totalQuestions int) (*discovery.NextQuestion, error) {
	prompt := assets.RenderNextQuestionPrompt(assets.NextQuestionData{
		Topic:          topic,
		Answers:        answers,
		CurrentIndex:   currentIndex,
		TotalQuestions: totalQuestions,
	})

	resp, err := c.generate(ctx, discovery.OpNextQuestion, prompt, jsonConfig(0.7))
	if err != nil {
		return nil, err
	}

	next, err := jsonutil.ParseJSON[discovery.NextQuestion](resp.Text())
	if err != nil {
		return nil, invalidResponse(discovery.OpNextQuestion, err)
	}
	next.Question = strings.TrimSpace(next.Question)
	next.Validation = strings.TrimSpace(next.Validation)
	if next.Question == "" {
		return nil, invalidResponse(discovery.OpNextQuestion, errors.New("response has no question"))
	}

	log.Debug().
		Str("topic", topic).
		Int("question_number", currentIndex+1).
		Int("total_questions", totalQuestions).
		Msg("Next question generated")
	return &next, nil
}

func invalidResponse(op string, err error) *discovery.ServiceError {
	log.Warn().Err(err).Str("operation", op).Msg("Unusable Gemini response")
	return discovery.NewServiceError(op, discovery.KindInvalidResponse, err)
}
