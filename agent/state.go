// Package agent drives the recommendation conversation: it collects the
// location and category slots over several turns, asks for preferences,
// confirms, and then runs the search, fetch, analysis and ranking pipeline.
package agent

import (
	"restaurant-recommender/models"
)

// StepID names a node of the conversation graph
type StepID string

const (
	StepParseInput         StepID = "parse_input"
	StepValidateLocation   StepID = "validate_location"
	StepConfirm            StepID = "confirm"
	StepAskPreference      StepID = "ask_preference"
	StepPreferenceResponse StepID = "preference_response"
	StepFinalConfirm       StepID = "final_confirm"
	StepConfirmResponse    StepID = "confirm_response"
	StepPlaceSearch        StepID = "place_search"
	StepReviewFetch        StepID = "review_fetch"
	StepAnalyze            StepID = "analyze"
	StepRank               StepID = "rank"
	StepRespond            StepID = "respond"
	StepEnd                StepID = "end"
)

// State is the per-session conversation state. It is only changed by
// merging the Patch returned from a step.
type State struct {
	RawInput string `json:"raw_input,omitempty"`
	// QueryText is the last utterance that supplied a slot
	QueryText string `json:"query_text,omitempty"`

	Location    string             `json:"location,omitempty"`
	Category    string             `json:"category,omitempty"`
	Preferences models.Preferences `json:"preferences"`

	Candidates    []models.Restaurant       `json:"candidates,omitempty"`
	ReviewBatches []models.ReviewBatch      `json:"review_batches,omitempty"`
	Analyzed      []models.ScoredRestaurant `json:"analyzed,omitempty"`
	Ranked        []models.ScoredRestaurant `json:"ranked,omitempty"`
	TopResults    []models.ScoredRestaurant `json:"top_results,omitempty"`

	AwaitingConfirmation bool `json:"awaiting_confirmation"`
	AwaitingPreference   bool `json:"awaiting_preference"`

	NextStep StepID `json:"next_step,omitempty"`
}

// Query returns the completed search the state describes
func (s State) Query() models.Query {
	return models.Query{
		Text:        s.QueryText,
		Location:    s.Location,
		Category:    s.Category,
		Preferences: s.Preferences,
	}
}

// Opt is a patch field. The zero value means "leave unchanged".
type Opt[T any] struct {
	value T
	set   bool
}

// Set wraps v as a change
func Set[T any](v T) Opt[T] {
	return Opt[T]{value: v, set: true}
}

// Get returns the value and whether the field was set
func (o Opt[T]) Get() (T, bool) {
	return o.value, o.set
}

func (o Opt[T]) applyTo(dst *T) {
	if o.set {
		*dst = o.value
	}
}

// Patch is a partial update of State
type Patch struct {
	QueryText   Opt[string]
	Location    Opt[string]
	Category    Opt[string]
	Preferences Opt[models.Preferences]

	Candidates    Opt[[]models.Restaurant]
	ReviewBatches Opt[[]models.ReviewBatch]
	Analyzed      Opt[[]models.ScoredRestaurant]
	Ranked        Opt[[]models.ScoredRestaurant]
	TopResults    Opt[[]models.ScoredRestaurant]

	AwaitingConfirmation Opt[bool]
	AwaitingPreference   Opt[bool]
}

// Apply merges p into s
func (s *State) Apply(p Patch) {
	p.QueryText.applyTo(&s.QueryText)
	p.Location.applyTo(&s.Location)
	p.Category.applyTo(&s.Category)
	p.Preferences.applyTo(&s.Preferences)
	p.Candidates.applyTo(&s.Candidates)
	p.ReviewBatches.applyTo(&s.ReviewBatches)
	p.Analyzed.applyTo(&s.Analyzed)
	p.Ranked.applyTo(&s.Ranked)
	p.TopResults.applyTo(&s.TopResults)
	p.AwaitingConfirmation.applyTo(&s.AwaitingConfirmation)
	p.AwaitingPreference.applyTo(&s.AwaitingPreference)
}

// clearResults drops the output of a previous pipeline run
func clearResults(p *Patch) {
	p.Candidates = Set[[]models.Restaurant](nil)
	p.ReviewBatches = Set[[]models.ReviewBatch](nil)
	p.Analyzed = Set[[]models.ScoredRestaurant](nil)
	p.Ranked = Set[[]models.ScoredRestaurant](nil)
	p.TopResults = Set[[]models.ScoredRestaurant](nil)
}

// StepResult is what a step returns: the state change, where to go next and
// an optional message for the user.
type StepResult struct {
	Patch   Patch
	Next    StepID
	Message string
}

// EventType tags an outbound event
type EventType string

const (
	EventProgress        EventType = "progress"
	EventMessage         EventType = "message"
	EventRecommendations EventType = "recommendations"
	EventError           EventType = "error"
)

// Event is one message sent back to the client during a turn
type Event struct {
	Type EventType                 `json:"type"`
	Text string                    `json:"text,omitempty"`
	Data []models.ScoredRestaurant `json:"data,omitempty"`
}
