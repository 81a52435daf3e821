package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"restaurant-recommender/metrics"
)

// ErrTooManySteps is returned when a turn does not reach End within the step limit
var ErrTooManySteps = errors.New("agent: step limit reached")

// progress lines sent when one pipeline step hands over to the next
var progressMessages = map[StepID]map[StepID]string{
	StepConfirmResponse: {StepPlaceSearch: "確認完成，開始搜尋餐廳..."},
	StepPlaceSearch:     {StepReviewFetch: "餐廳搜尋完成，開始蒐集評論..."},
	StepReviewFetch:     {StepAnalyze: "評論蒐集完成，開始分析餐廳..."},
	StepAnalyze:         {StepRank: "餐廳分析完成，開始排序..."},
	StepRank:            {StepRespond: "排序完成，準備推薦結果..."},
}

// HandleTurn feeds one user utterance through the step table, starting at
// ParseInput, until a step returns End. Steps run one at a time; each
// returned patch is merged into s before the next step is dispatched. Events
// are passed to emit in the order they happen. emit may be nil.
func (a *Agent) HandleTurn(ctx context.Context, s *State, input string, emit func(Event)) error {
	if emit == nil {
		emit = func(Event) {}
	}
	s.RawInput = input
	defer func() { s.RawInput = "" }()

	var (
		step          = StepParseInput
		last          = step
		respondRan    bool
		pipelineStart time.Time
	)
	defer func() { metrics.TurnsTotal.WithLabelValues(string(last)).Inc() }()

	for i := 0; ; i++ {
		if i >= a.opts.MaxSteps {
			a.logger.Error("Turn exceeded %d steps, last step %s", a.opts.MaxSteps, step)
			emit(Event{Type: EventError, Text: fmt.Sprintf(msgTurnFailedF, ErrTooManySteps)})
			return ErrTooManySteps
		}
		fn, ok := a.steps[step]
		if !ok {
			err := fmt.Errorf("agent: unknown step %q", step)
			emit(Event{Type: EventError, Text: fmt.Sprintf(msgTurnFailedF, err)})
			return err
		}
		if step == StepPlaceSearch {
			pipelineStart = time.Now()
		}

		res, err := a.runStep(ctx, step, fn, *s)
		if err != nil {
			emit(Event{Type: EventError, Text: fmt.Sprintf(msgTurnFailedF, err)})
			return err
		}
		s.Apply(res.Patch)
		s.NextStep = res.Next
		last = step
		if a.observe != nil {
			a.observe(step, *s)
		}

		if text, ok := progressMessages[step][res.Next]; ok {
			emit(Event{Type: EventProgress, Text: text})
		}
		if res.Message != "" {
			emit(Event{Type: EventMessage, Text: res.Message})
		}
		if step == StepRespond {
			respondRan = true
			metrics.PipelineDuration.Observe(time.Since(pipelineStart).Seconds())
		}

		if res.Next == StepEnd || res.Next == "" {
			break
		}
		if err := ctx.Err(); err != nil {
			a.logger.Warn("Turn cancelled after %s: %v", step, err)
			return err
		}
		step = res.Next
	}

	if respondRan && len(s.TopResults) > 0 {
		emit(Event{Type: EventMessage, Text: msgResultsReady})
		emit(Event{Type: EventRecommendations, Data: s.TopResults})
	}
	return nil
}

// runStep executes one step and turns a panic into an error so the session survives it
func (a *Agent) runStep(ctx context.Context, id StepID, fn stepFunc, s State) (res StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Step %s panicked: %v", id, r)
			err = fmt.Errorf("step %s: %v", id, r)
		}
	}()
	start := time.Now()
	res = fn(ctx, s)
	a.logger.Elapsed(string(id), start)
	return res, nil
}
