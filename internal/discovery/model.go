// Package discovery defines the domain model shared by the session controller,
// the Gemini content service client, and the snapshot store: the phase tags,
// the conversation state, the synthesized report, and the persisted snapshot.
//
// JSON field names are the persisted wire names of the snapshot and must not
// change without bumping the snapshot key version (see store.SnapshotKey).
package discovery

import "time"

// Phase is the top-level state machine tag. Exactly one phase is active at a time
// and it selects which presentation view is rendered.
type Phase string

// Phase constants.
const (
	PhaseLanding       Phase = "landing"
	PhaseInquiry       Phase = "inquiry"
	PhaseLoadingReport Phase = "loading_report"
	PhaseReport        Phase = "report"
	PhaseKeyNeeded     Phase = "key_needed"
)

// Valid reports whether p is one of the five known phase tags.
func (p Phase) Valid() bool {
	switch p {
	case PhaseLanding, PhaseInquiry, PhaseLoadingReport, PhaseReport, PhaseKeyNeeded:
		return true
	}
	return false
}

// KnowledgeLevel describes the user's self-assessed familiarity with the topic.
type KnowledgeLevel string

// Knowledge levels.
const (
	KnowledgeBeginner     KnowledgeLevel = "Beginner"
	KnowledgeIntermediate KnowledgeLevel = "Intermediate"
	KnowledgeAdvanced     KnowledgeLevel = "Advanced"
	KnowledgeExpert       KnowledgeLevel = "Expert"
)

// Answer placeholders recorded in the answer log.
const (
	// SkippedAnswer is recorded when the user skips a question.
	SkippedAnswer = "[Question Skipped]"

	// EmptyAnswer replaces a blank submission.
	EmptyAnswer = "[User provided empty response]"
)

// AnswerLog is one (question, answer) pair of the inquiry.
type AnswerLog struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// SessionState is the mutable conversation record owned by the session controller.
type SessionState struct {
	Topic                string         `json:"topic"`
	CurrentQuestionIndex int            `json:"currentQuestionIndex"`
	TotalQuestions       int            `json:"totalQuestions"`
	UserAnswers          []AnswerLog    `json:"userAnswers"`
	KnowledgeLevel       KnowledgeLevel `json:"knowledgeLevel"`
	InterestKeywords     []string       `json:"interestKeywords"`
}

// NewSessionState returns a fresh state: empty topic, zero counters, no answers.
func NewSessionState() SessionState {
	return SessionState{
		UserAnswers:      []AnswerLog{},
		KnowledgeLevel:   KnowledgeBeginner,
		InterestKeywords: []string{},
	}
}

// Clone returns a deep copy of the state.
func (s SessionState) Clone() SessionState {
	clone := s
	clone.UserAnswers = append([]AnswerLog{}, s.UserAnswers...)
	clone.InterestKeywords = append([]string{}, s.InterestKeywords...)
	return clone
}

// Synthesizable reports whether every question has been answered, i.e. the
// session is ready for (or was interrupted during) report synthesis.
func (s SessionState) Synthesizable() bool {
	return s.TotalQuestions > 0 && len(s.UserAnswers) >= s.TotalQuestions
}

// TopicIntro is the result of initializing a topic.
type TopicIntro struct {
	TotalQuestions int    `json:"totalQuestions"`
	Hook           string `json:"hook"`
	FirstQuestion  string `json:"firstQuestion"`
}

// NextQuestion is the result of asking for the next question.
type NextQuestion struct {
	Validation string `json:"validation"`
	Question   string `json:"question"`
}

// --- Report ---

// Psychology is the learner profile inferred from the answers.
type Psychology struct {
	ProfileSummary string `json:"profileSummary"`
	DominantTrait  string `json:"dominantTrait"`
	LearningStyle  string `json:"learningStyle"`
}

// NewsItem is a recent news story related to the topic.
type NewsItem struct {
	Headline    string `json:"headline"`
	Source      string `json:"source"`
	Summary     string `json:"summary"`
	Relevance   string `json:"relevance"`
	PublishedAt string `json:"publishedAt"`
	URI         string `json:"uri,omitempty"`
}

// FactItem is a notable fact with its context.
type FactItem struct {
	Fact    string `json:"fact"`
	Context string `json:"context"`
}

// ThingsSection collects the "things to explore" material.
type ThingsSection struct {
	Recommendations []string `json:"recommendations"`
	Misconceptions  []string `json:"misconceptions"`
	Challenge       string   `json:"challenge"`
	FutureOutlook   string   `json:"futureOutlook"`
}

// DeepResearchSection is the long-form analysis of the topic.
type DeepResearchSection struct {
	ThematicAnalysis    string   `json:"thematicAnalysis"`
	KeyDebates          []string `json:"keyDebates"`
	UnansweredQuestions []string `json:"unansweredQuestions"`
}

// ResearchPaper is a citation of a relevant paper.
type ResearchPaper struct {
	Title   string `json:"title"`
	Authors string `json:"authors"`
	Year    string `json:"year"`
	Link    string `json:"link"`
	Summary string `json:"summary"`
}

// YouTubeVideo is a suggested video with its embeddable URL.
type YouTubeVideo struct {
	Title     string `json:"title"`
	URL       string `json:"url"`
	EmbedURL  string `json:"embedUrl"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// Report is the Discovery Report, produced exactly once per completed session.
type Report struct {
	UserPsychology Psychology          `json:"userPsychology"`
	News           []NewsItem          `json:"news"`
	Facts          []FactItem          `json:"facts"`
	Things         ThingsSection       `json:"things"`
	DeepResearch   DeepResearchSection `json:"deepResearch"`
	ResearchPapers []ResearchPaper     `json:"researchPapers"`
	ImageURL       string              `json:"imageUrl,omitempty"`
	YouTubeVideos  []YouTubeVideo      `json:"youtubeVideos,omitempty"`
}

// ImageSeed returns the text used to seed the illustrative image: the first
// fact, or the empty string when the report has none.
func (r *Report) ImageSeed() string {
	if r == nil || len(r.Facts) == 0 {
		return ""
	}
	return r.Facts[0].Fact
}

// Snapshot is the persisted form of a session.
type Snapshot struct {
	State      SessionState `json:"state"`
	Phase      Phase        `json:"phase"`
	Question   string       `json:"question"`
	Validation string       `json:"validation"`
	Report     *Report      `json:"report"`
	// BusySince is set while a content service call started by the writer is
	// outstanding.
	BusySince *time.Time `json:"busySince,omitempty"`
}
