// Package assets provides the prompt templates sent to Gemini.
//
// Prompt templates are stored as text files under prompts/ and embedded at compile time.
package assets

import (
	"bytes"
	_ "embed"
	"text/template"

	"github.com/fpang/socratic-discovery/internal/discovery"
)

// SystemInstructionPrompt sets the Socratic guide persona for the inquiry calls.
//
//go:embed prompts/system-instruction.txt
var SystemInstructionPrompt string

//go:embed prompts/topic-init.txt
var topicInitTemplate string

//go:embed prompts/next-question.txt
var nextQuestionTemplate string

//go:embed prompts/final-report.txt
var finalReportTemplate string

//go:embed prompts/image.txt
var imageTemplate string

var funcs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}

// Pre-parsed templates. template.Must panics on malformed templates,
// catching errors at program startup rather than at call time.
var (
	topicInitTmpl    = template.Must(template.New("topic-init").Funcs(funcs).Parse(topicInitTemplate))
	nextQuestionTmpl = template.Must(template.New("next-question").Funcs(funcs).Parse(nextQuestionTemplate))
	finalReportTmpl  = template.Must(template.New("final-report").Funcs(funcs).Parse(finalReportTemplate))
	imageTmpl        = template.Must(template.New("image").Funcs(funcs).Parse(imageTemplate))
)

// TopicInitData feeds the topic initialization prompt.
type TopicInitData struct {
	Topic        string
	MaxQuestions int
}

// NextQuestionData feeds the follow-up question prompt. Answers carries the
// full history so the model neither repeats nor contradicts earlier questions.
type NextQuestionData struct {
	Topic          string
	Answers        []discovery.AnswerLog
	CurrentIndex   int
	TotalQuestions int
}

// NextIndex is the 1-based number of the question being requested.
func (d NextQuestionData) NextIndex() int {
	return d.CurrentIndex + 1
}

// ReportData feeds the final report prompt.
type ReportData struct {
	Topic    string
	Answers  []discovery.AnswerLog
	Grounded bool
}

// ImageData feeds the illustration prompt.
type ImageData struct {
	Topic string
	Seed  string
}

// RenderTopicInitPrompt renders the prompt that plans a new session.
func RenderTopicInitPrompt(data TopicInitData) string {
	return renderTemplate(topicInitTmpl, data)
}

// RenderNextQuestionPrompt renders the prompt that asks for the next question.
func RenderNextQuestionPrompt(data NextQuestionData) string {
	return renderTemplate(nextQuestionTmpl, data)
}

// RenderFinalReportPrompt renders the report synthesis prompt.
func RenderFinalReportPrompt(data ReportData) string {
	return renderTemplate(finalReportTmpl, data)
}

// RenderImagePrompt renders the illustration prompt.
func RenderImagePrompt(data ImageData) string {
	return renderTemplate(imageTmpl, data)
}

func renderTemplate(tmpl *template.Template, data any) string {
	var buf bytes.Buffer
	// Execution errors are not expected with these templates; whatever was
	// rendered is returned.
	_ = tmpl.Execute(&buf, data)
	return buf.String()
}
