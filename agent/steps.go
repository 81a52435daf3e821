package agent

import (
	"context"
	"fmt"
	"strings"

	"restaurant-recommender/metrics"
	"restaurant-recommender/models"
	"restaurant-recommender/services"
)

// user-facing replies
const (
	msgOffTopic        = "我只能幫你推薦餐廳喔！請告訴我想在哪裡吃什麼類型的餐廳～\n例如：「想在信義區吃火鍋」"
	msgNotUnderstood   = "我不太懂你的意思，可以換個方式說嗎？\n例如：「想在信義區吃火鍋」"
	msgNeedBoth        = "想在哪裡吃什麼類型的餐廳呢？\n例如：「信義區的火鍋」或「西門町日本料理」"
	msgNeedLocation    = "想在哪裡吃%s呢？\n例如：信義區、大安區、西門町"
	msgNeedCategory    = "想在%s吃什麼類型的餐廳呢？\n例如：火鍋、壽司、燒肉、義式料理"
	msgTooLarge        = "「%s」範圍太大了，可以說得更具體一點嗎？\n例如：信義區、大安區、西門町附近"
	msgAskPreference   = "好的！要搜尋「%s」的「%s」\n\n有什麼特別偏好嗎？\n例如：不吃辣、吃素、大份量、安靜環境\n\n（沒有的話請回答「沒有」或「開始搜尋」）"
	msgFinalConfirm    = "確認要搜尋：\n地點：%s\n類型：%s%s\n\n確定嗎？（是/否）"
	msgCancelled       = "好的，已取消！請重新告訴我想在哪裡吃什麼類型的餐廳～"
	msgNoCandidates    = "找不到符合條件的餐廳，要不要換個地點或類型試試？"
	msgNoRestaurants   = "找不到相關餐廳"
	msgNoResults       = "找不到符合條件的餐廳"
	msgResultsReady    = "右側為你們的推薦結果"
	msgTurnFailedF     = "處理請求時發生錯誤：%v"
	preferenceLinePref = "\n偏好："
)

var (
	affirmative = wordSet("是", "yes", "ok", "好", "對", "確定", "嗯", "恩")
	negative    = wordSet("否", "不要", "no", "取消", "不是")

	// answers to the preference question that mean "none, go ahead"
	noPreference = wordSet("沒有", "没有", "無", "无", "no", "none",
		"開始搜尋", "开始搜寻", "搜尋", "搜寻", "開始", "开始")
)

var strongLabels = map[string]string{
	services.NoBeef:     "不吃牛",
	services.NoSpicy:    "不吃辣",
	services.Vegetarian: "素食",
	services.Halal:      "清真",
	services.NoPork:     "不吃豬",
}

func wordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func inSet(set map[string]struct{}, text string) bool {
	_, ok := set[strings.ToLower(strings.TrimSpace(text))]
	return ok
}

// ===== Slot collection =====

func (a *Agent) parseInput(ctx context.Context, s State) StepResult {
	if s.AwaitingConfirmation {
		return StepResult{Next: StepConfirmResponse}
	}
	if s.AwaitingPreference {
		return StepResult{Next: StepPreferenceResponse}
	}

	text := strings.TrimSpace(s.RawInput)
	if text == "" {
		return StepResult{Next: StepEnd, Message: msgNotUnderstood}
	}
	if a.deps.Interpreter.IsOffTopic(ctx, text) {
		return StepResult{Next: StepEnd, Message: msgOffTopic}
	}
	parsed, ok := a.deps.Interpreter.Parse(ctx, text)
	if !ok {
		return StepResult{Next: StepEnd, Message: msgNotUnderstood}
	}

	var p Patch
	location, category := s.Location, s.Category
	if parsed.Location != "" {
		location = parsed.Location
		p.Location = Set(location)
	}
	if parsed.Category != "" {
		category = parsed.Category
		p.Category = Set(category)
	}
	if parsed.Location != "" || parsed.Category != "" {
		p.QueryText = Set(text)
	}
	if incoming := services.ClassifyPreferences(parsed.Preferences); !incoming.Empty() {
		p.Preferences = Set(services.MergePreferences(s.Preferences, incoming))
	}
	a.logger.Debug("Slots after parse: location=%q category=%q", location, category)

	switch {
	case location == "" && category == "":
		return StepResult{Patch: p, Next: StepEnd, Message: msgNeedBoth}
	case location == "":
		return StepResult{Patch: p, Next: StepEnd, Message: fmt.Sprintf(msgNeedLocation, category)}
	case category == "":
		return StepResult{Patch: p, Next: StepEnd, Message: fmt.Sprintf(msgNeedCategory, location)}
	}
	return StepResult{Patch: p, Next: StepValidateLocation}
}

func (a *Agent) validateLocation(ctx context.Context, s State) StepResult {
	if a.LocationTooLarge(ctx, s.Location) {
		return StepResult{
			Patch:   Patch{Location: Set("")},
			Next:    StepEnd,
			Message: fmt.Sprintf(msgTooLarge, s.Location),
		}
	}
	return StepResult{Next: StepConfirm}
}

// LocationTooLarge reports whether the geocoded viewport of location spans
// more than the allowed degrees on either axis. Lookup failures count as
// not too large.
func (a *Agent) LocationTooLarge(ctx context.Context, location string) bool {
	if a.deps.Spans == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, a.opts.LookupTimeout)
	defer cancel()

	span, err := a.deps.Spans.LookupSpan(ctx, location)
	if err != nil {
		metrics.CollaboratorFailures.WithLabelValues("geocode").Inc()
		a.logger.Warn("Geocoding %s failed, accepting it: %v", location, err)
		return false
	}
	return span.LatSpan > a.opts.MaxSpan || span.LngSpan > a.opts.MaxSpan
}

func (a *Agent) confirm(_ context.Context, _ State) StepResult {
	return StepResult{Next: StepAskPreference}
}

func (a *Agent) askPreference(_ context.Context, s State) StepResult {
	return StepResult{
		Patch: Patch{
			AwaitingPreference:   Set(true),
			AwaitingConfirmation: Set(false),
		},
		Next:    StepEnd,
		Message: fmt.Sprintf(msgAskPreference, s.Location, s.Category),
	}
}

func (a *Agent) preferenceResponse(ctx context.Context, s State) StepResult {
	p := Patch{AwaitingPreference: Set(false)}
	if inSet(noPreference, s.RawInput) {
		return StepResult{Patch: p, Next: StepFinalConfirm}
	}

	// anything unparseable counts as no preference
	parsed, ok := a.deps.Interpreter.Parse(ctx, s.RawInput)
	if ok && len(parsed.Preferences) > 0 {
		incoming := services.ClassifyPreferences(parsed.Preferences)
		p.Preferences = Set(services.MergePreferences(s.Preferences, incoming))
	}
	return StepResult{Patch: p, Next: StepFinalConfirm}
}

func (a *Agent) finalConfirm(_ context.Context, s State) StepResult {
	labels := make([]string, 0, len(s.Preferences.Strong)+len(s.Preferences.Weak))
	for _, code := range s.Preferences.Strong {
		if l, ok := strongLabels[code]; ok {
			labels = append(labels, l)
			continue
		}
		labels = append(labels, code)
	}
	labels = append(labels, s.Preferences.Weak...)

	prefLine := ""
	if len(labels) > 0 {
		prefLine = preferenceLinePref + strings.Join(labels, ", ")
	}
	return StepResult{
		Patch: Patch{
			AwaitingConfirmation: Set(true),
			AwaitingPreference:   Set(false),
		},
		Next:    StepEnd,
		Message: fmt.Sprintf(msgFinalConfirm, s.Location, s.Category, prefLine),
	}
}

func (a *Agent) confirmResponse(_ context.Context, s State) StepResult {
	p := Patch{AwaitingConfirmation: Set(false)}
	switch {
	case inSet(affirmative, s.RawInput):
		clearResults(&p)
		return StepResult{Patch: p, Next: StepPlaceSearch}
	case inSet(negative, s.RawInput):
		p.Location = Set("")
		p.Category = Set("")
		p.Preferences = Set(models.Preferences{})
		return StepResult{Patch: p, Next: StepEnd, Message: msgCancelled}
	}
	// anything else is a change to the request
	return StepResult{Patch: p, Next: StepParseInput}
}

// ===== Pipeline =====

func (a *Agent) placeSearch(ctx context.Context, s State) StepResult {
	var candidates []models.Restaurant
	if a.deps.Search != nil {
		searchCtx, cancel := context.WithTimeout(ctx, a.opts.SearchTimeout)
		found, err := a.deps.Search.SearchCandidates(searchCtx, s.Location, s.Category)
		cancel()
		if err != nil {
			metrics.CollaboratorFailures.WithLabelValues("search").Inc()
			a.logger.Warn("Search for %s %s failed: %v", s.Location, s.Category, err)
		}
		candidates = a.cleaner.CleanCandidates(found)
	}
	if len(candidates) == 0 {
		return StepResult{Next: StepEnd, Message: msgNoCandidates}
	}

	filtered, fellBack := services.ApplyStrongFilters(candidates, s.Preferences.Strong)
	if fellBack {
		a.logger.Info("Strong preferences %v excluded every candidate, keeping all %d", s.Preferences.Strong, len(candidates))
	}
	a.logger.Info("Search %s %s: %d candidates, %d after filters", s.Location, s.Category, len(candidates), len(filtered))
	return StepResult{
		Patch: Patch{Candidates: Set(filtered)},
		Next:  StepReviewFetch,
	}
}

func (a *Agent) reviewFetch(ctx context.Context, s State) StepResult {
	if len(s.Candidates) == 0 {
		return StepResult{Next: StepEnd, Message: msgNoRestaurants}
	}
	var batches []models.ReviewBatch
	if a.deps.Fetcher != nil {
		batches = a.deps.Fetcher.FetchBatch(ctx, s.Candidates)
	}
	if len(batches) == 0 {
		a.logger.Warn("No reviews for any of %d candidates, ranking on listing fields", len(s.Candidates))
		return StepResult{
			Patch: Patch{Analyzed: Set(unscored(s.Candidates, s.Preferences.Weak))},
			Next:  StepRank,
		}
	}
	return StepResult{
		Patch: Patch{ReviewBatches: Set(batches)},
		Next:  StepAnalyze,
	}
}

func (a *Agent) analyze(ctx context.Context, s State) StepResult {
	if len(s.ReviewBatches) == 0 || a.deps.Analyzer == nil {
		return StepResult{
			Patch: Patch{Analyzed: Set(unscored(s.Candidates, s.Preferences.Weak))},
			Next:  StepRank,
		}
	}
	analyzed := a.deps.Analyzer.Analyze(ctx, s.ReviewBatches, s.Preferences.Weak)
	return StepResult{
		Patch: Patch{Analyzed: Set(analyzed)},
		Next:  StepRank,
	}
}

func (a *Agent) rank(ctx context.Context, s State) StepResult {
	if len(s.Analyzed) == 0 {
		return StepResult{
			Patch: Patch{
				Ranked:     Set[[]models.ScoredRestaurant](nil),
				TopResults: Set[[]models.ScoredRestaurant](nil),
			},
			Next: StepRespond,
		}
	}

	ranked := s.Analyzed
	if a.deps.Ranker != nil {
		ranked = a.deps.Ranker.Rank(s.Analyzed, s.Preferences.Weak)
	}
	top := services.Top(ranked, a.opts.TopN)
	a.record(ctx, s.Query(), ranked, top)

	return StepResult{
		Patch: Patch{
			Ranked:     Set(ranked),
			TopResults: Set(top),
		},
		Next: StepRespond,
	}
}

// record stores the outcome. Failures are logged and do not affect the turn.
func (a *Agent) record(ctx context.Context, q models.Query, ranked, top []models.ScoredRestaurant) {
	if a.deps.Recorder == nil {
		return
	}
	ids := make([]string, 0, len(top))
	for _, r := range top {
		ids = append(ids, r.PlaceID)
	}
	rec := &models.Recommendation{
		QueryKey:    q.Key(),
		Query:       q,
		TopPlaceIDs: ids,
		Results:     ranked,
		CreatedAt:   a.now(),
	}
	if err := a.deps.Recorder.RecordRecommendation(ctx, rec); err != nil {
		a.logger.Error("Failed to record recommendation: %v", err)
	}
}

func (a *Agent) respond(_ context.Context, s State) StepResult {
	if len(s.TopResults) == 0 {
		return StepResult{Next: StepEnd, Message: msgNoResults}
	}
	return StepResult{Next: StepEnd}
}

// unscored turns bare candidates into rankable entries with zero scores
func unscored(candidates []models.Restaurant, weak []string) []models.ScoredRestaurant {
	out := make([]models.ScoredRestaurant, 0, len(candidates))
	for _, r := range candidates {
		out = append(out, models.ScoredRestaurant{
			Restaurant: r,
			Reason:     services.FallbackReason(r.Name, weak),
		})
	}
	return out
}
