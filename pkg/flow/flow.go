// Package flow tracks a user's progress through the fixed onboarding
// sequence. It is UX routing state only and never gates privileged actions
// on its own; server-side authorization stays with the handlers.
package flow

import (
	"fmt"
	"time"
)

// Step is one stage of the onboarding sequence.
type Step string

const (
	StepLanding         Step = "landing"
	StepInvitation      Step = "invitation"
	StepQualification   Step = "qualification"
	StepLanguage        Step = "language"
	StepIntro           Step = "intro"
	StepVerification    Step = "verification"
	StepAccountCreation Step = "account-creation"
	StepProfile         Step = "profile"
	StepMain            Step = "main"
)

// Steps is the complete onboarding order. Position in this slice is the only
// ordering authority; nothing else may reorder steps.
var Steps = []Step{
	StepLanding,
	StepInvitation,
	StepQualification,
	StepLanguage,
	StepIntro,
	StepVerification,
	StepAccountCreation,
	StepProfile,
	StepMain,
}

var stepIndex = func() map[Step]int {
	idx := make(map[Step]int, len(Steps))
	for i, s := range Steps {
		idx[s] = i
	}
	return idx
}()

// ErrUnknownStep is returned for steps outside the fixed sequence.
type ErrUnknownStep struct {
	Step Step
}

func (e *ErrUnknownStep) Error() string {
	return fmt.Sprintf("unknown onboarding step %q", e.Step)
}

// State is a user's position in the onboarding sequence. It is a plain value
// object; persistence is the Store's concern.
type State struct {
	CurrentStep    Step                   `json:"current_step"`
	CompletedSteps []Step                 `json:"completed_steps"`
	UserData       map[string]interface{} `json:"user_data"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// NewState returns a fresh state positioned at the first step.
func NewState() *State {
	return &State{
		CurrentStep:    Steps[0],
		CompletedSteps: []Step{},
		UserData:       map[string]interface{}{},
		UpdatedAt:      time.Now(),
	}
}

// IsCompleted reports whether the user has finished the given step.
func (s *State) IsCompleted(step Step) bool {
	for _, done := range s.CompletedSteps {
		if done == step {
			return true
		}
	}
	return false
}

// CanAccess reports whether the user may visit a step: either they already
// completed it, or it is the step they are currently on. Skipping forward
// past the current step is never allowed.
func (s *State) CanAccess(step Step) (bool, error) {
	if _, ok := stepIndex[step]; !ok {
		return false, &ErrUnknownStep{Step: step}
	}
	if s.IsCompleted(step) {
		return true, nil
	}
	return step == s.CurrentStep, nil
}

// CompleteStep records the step as done and moves the user to the step
// immediately after it, regardless of where CurrentStep pointed before.
// Completing an already-completed step is a no-op for the completed set but
// still re-anchors CurrentStep, which repairs clients that drifted backward.
// The final step has no successor; completing it keeps CurrentStep there.
func (s *State) CompleteStep(step Step) error {
	idx, ok := stepIndex[step]
	if !ok {
		return &ErrUnknownStep{Step: step}
	}

	if !s.IsCompleted(step) {
		s.CompletedSteps = append(s.CompletedSteps, step)
	}

	if idx+1 < len(Steps) {
		s.CurrentStep = Steps[idx+1]
	} else {
		s.CurrentStep = step
	}
	s.UpdatedAt = time.Now()
	return nil
}

// SetUserData merges a key/value pair into the free-form data bag.
func (s *State) SetUserData(key string, value interface{}) {
	if s.UserData == nil {
		s.UserData = map[string]interface{}{}
	}
	s.UserData[key] = value
	s.UpdatedAt = time.Now()
}

