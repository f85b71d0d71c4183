package session

import (
	"github.com/fpang/socratic-discovery/internal/discovery"
)

// View is the presentation model of the session: the active phase and the
// data its view renders. Exactly one of the phase payloads is set, except on
// landing where none is.
type View struct {
	Phase    discovery.Phase `json:"phase"`
	Thinking bool            `json:"thinking"`
	// Pending is set while the first question of a new topic is on its way.
	Pending bool `json:"pending"`

	Inquiry   *InquiryView   `json:"inquiry,omitempty"`
	Loading   *LoadingView   `json:"loading,omitempty"`
	Report    *ReportView    `json:"report,omitempty"`
	KeyNeeded *KeyNeededView `json:"keyNeeded,omitempty"`
}

// InquiryView carries the question on screen.
type InquiryView struct {
	State      discovery.SessionState `json:"state"`
	Question   string                 `json:"question"`
	Validation string                 `json:"validation"`
	Thinking   bool                   `json:"thinking"`
}

// LoadingView is shown while the report is synthesized.
type LoadingView struct {
	Topic string `json:"topic"`
}

// ReportView carries the finished report.
type ReportView struct {
	Topic  string            `json:"topic"`
	Report *discovery.Report `json:"report"`
}

// KeyNeededView prompts for a credential. LastError is nil when the user asked
// for the key prompt themselves.
type KeyNeededView struct {
	LastError *ErrorView `json:"lastError,omitempty"`
	// Resumes names the phase CredentialResolved will return to.
	Resumes discovery.Phase `json:"resumes"`
}

// ErrorView describes the failure that interrupted the session.
type ErrorView struct {
	Op        string              `json:"op"`
	Kind      discovery.ErrorKind `json:"kind"`
	Message   string              `json:"message"`
	Code      int                 `json:"code,omitempty"`
	Retryable bool                `json:"retryable"`
}

// View returns a consistent copy of the presentation model.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := View{Phase: c.phase, Thinking: c.thinking}

	switch c.phase {
	case discovery.PhaseInquiry:
		v.Pending = c.thinking && c.question == ""
		v.Inquiry = &InquiryView{
			State:      c.state.Clone(),
			Question:   c.question,
			Validation: c.validation,
			Thinking:   c.thinking,
		}

	case discovery.PhaseLoadingReport:
		v.Loading = &LoadingView{Topic: c.state.Topic}

	case discovery.PhaseReport:
		report := *c.report
		v.Report = &ReportView{Topic: c.state.Topic, Report: &report}

	case discovery.PhaseKeyNeeded:
		kv := &KeyNeededView{Resumes: c.resumePhaseLocked()}
		if se := c.lastError; se != nil {
			kv.LastError = &ErrorView{
				Op:        se.Op,
				Kind:      se.Kind,
				Message:   se.Message(),
				Code:      se.Code,
				Retryable: se.Retryable,
			}
		}
		v.KeyNeeded = kv
	}
	return v
}

// Phase returns the active phase.
func (c *Controller) Phase() discovery.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// State returns a copy of the conversation state.
func (c *Controller) State() discovery.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Thinking reports whether a service call is outstanding.
func (c *Controller) Thinking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thinking
}

func (c *Controller) resumePhaseLocked() discovery.Phase {
	switch {
	case c.state.Synthesizable():
		return discovery.PhaseLoadingReport
	case c.state.Topic != "":
		return discovery.PhaseInquiry
	default:
		return discovery.PhaseLanding
	}
}
