package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/goccy/go-json"

	"restaurant-recommender/llm"
	"restaurant-recommender/metrics"
	"restaurant-recommender/services"
	"restaurant-recommender/utils"
)

// ParsedInput holds the slots found in one utterance. Empty means not mentioned.
type ParsedInput struct {
	Location    string
	Category    string
	Preferences []string
}

// Empty reports whether nothing was recognised
func (p ParsedInput) Empty() bool {
	return p.Location == "" && p.Category == "" && len(p.Preferences) == 0
}

// Interpreter reads user utterances
type Interpreter interface {
	// IsOffTopic reports whether text has nothing to do with finding a restaurant
	IsOffTopic(ctx context.Context, text string) bool
	// Parse extracts slots. ok is false when the text could not be understood.
	Parse(ctx context.Context, text string) (ParsedInput, bool)
}

const offTopicPrompt = `判斷以下訊息是否與尋找餐廳、吃飯、食物、地點、餐廳種類相關？
僅回答 yes 或 no。

使用者訊息: 「%s」

若屬於下列類型則回答 yes（表示無關）：
- 打招呼 (嗨、哈囉、你好)
- 聊天或生活狀況 (我好累、今天天氣好)
- 心情分享 (好無聊、肚子痛)
- 問候 (你在嗎、你是誰)
- 與食物無關的問題 (你叫什麼名字、幾點了)
- 只有情緒表達 (哈哈哈、哭哭、QQ)

若訊息提到：吃東西、找餐廳、想吃什麼、地點、餐廳類型等 → 回答 no。
僅輸出 yes 或 no。`

const parsePrompt = `將以下使用者需求整理成 JSON：
「%s」

回傳格式：
{
  "location": "地點（如果沒提到則為 null）",
  "category": "餐廳類型（如：火鍋、壽司、燒肉，沒提到則為 null）",
  "preferences": ["偏好1", "偏好2"]
}

注意：
- 如果使用者沒有明確提到地點，location 必須是 null
- 如果使用者沒有明確提到餐廳類型，category 必須是 null
- 如果沒有特別偏好，preferences 可以是空陣列 []

僅輸出 JSON，不要其他文字。`

// LLMInterpreter asks the language model first and falls back to keyword
// rules when the model is unavailable or its reply cannot be decoded.
type LLMInterpreter struct {
	gen      services.Generator
	fallback RuleInterpreter
	logger   *utils.Logger
}

// NewLLMInterpreter creates an interpreter. gen may be nil, in which case
// only the keyword rules are used.
func NewLLMInterpreter(gen services.Generator, logger *utils.Logger) *LLMInterpreter {
	return &LLMInterpreter{gen: gen, logger: logger.With("component", "interpreter")}
}

// IsOffTopic treats any model failure as on topic
func (i *LLMInterpreter) IsOffTopic(ctx context.Context, text string) bool {
	if i.gen == nil {
		return i.fallback.IsOffTopic(ctx, text)
	}
	reply, err := i.gen.GenerateText(ctx, fmt.Sprintf(offTopicPrompt, text))
	if err != nil {
		metrics.CollaboratorFailures.WithLabelValues("intent").Inc()
		i.logger.Warn("Intent check failed, assuming on topic: %v", err)
		return false
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(reply)), "yes")
}

func (i *LLMInterpreter) Parse(ctx context.Context, text string) (ParsedInput, bool) {
	if i.gen == nil {
		return i.fallback.Parse(ctx, text)
	}
	reply, err := i.gen.GenerateText(ctx, fmt.Sprintf(parsePrompt, text))
	if err != nil {
		metrics.CollaboratorFailures.WithLabelValues("parse").Inc()
		i.logger.Warn("Slot parsing failed, using keyword rules: %v", err)
		return i.fallback.Parse(ctx, text)
	}
	parsed, err := DecodeSlots(reply)
	if err != nil {
		i.logger.Warn("Could not decode slots from reply, using keyword rules: %v", err)
		return i.fallback.Parse(ctx, text)
	}
	i.logger.Debug("Parsed %q -> location=%q category=%q prefs=%v", text, parsed.Location, parsed.Category, parsed.Preferences)
	return parsed, true
}

// DecodeSlots reads the model's JSON reply. preferences may be a string or a list.
func DecodeSlots(reply string) (ParsedInput, error) {
	raw, ok := llm.ExtractJSON(reply, '{', '}')
	if !ok {
		return ParsedInput{}, fmt.Errorf("no JSON object in reply")
	}
	var data struct {
		Location    *string     `json:"location"`
		Category    *string     `json:"category"`
		Preferences interface{} `json:"preferences"`
	}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return ParsedInput{}, fmt.Errorf("decode slots: %w", err)
	}

	out := ParsedInput{
		Location: cleanSlot(data.Location),
		Category: cleanSlot(data.Category),
	}
	switch v := data.Preferences.(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			out.Preferences = []string{s}
		}
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out.Preferences = append(out.Preferences, strings.TrimSpace(s))
			}
		}
	}
	return out, nil
}

func cleanSlot(v *string) string {
	if v == nil {
		return ""
	}
	s := strings.TrimSpace(*v)
	switch strings.ToLower(s) {
	case "null", "none", "無":
		return ""
	}
	return s
}

// RuleInterpreter recognises slots with fixed vocabularies
type RuleInterpreter struct{}

// longer names first so 日本料理 wins over 日式
var categoryWords = []string{
	"日本料理", "義式料理", "義大利麵", "美式餐廳", "泰式料理", "韓式料理", "印度料理", "越南料理",
	"牛肉麵", "早午餐", "居酒屋", "餐酒館", "吃到飽", "麻辣鍋", "涮涮鍋",
	"火鍋", "壽司", "燒肉", "拉麵", "牛排", "咖啡", "甜點", "披薩", "漢堡", "小吃", "鐵板燒", "熱炒",
	"日式", "韓式", "泰式", "義式", "港式", "中式", "美式",
}

var preferenceWords = []string{
	"吃素", "素食", "清真", "安靜", "大份量", "份量大", "平價", "便宜", "包廂", "停車",
	"親子", "約會", "寵物友善", "景觀", "氣氛", "聚餐", "深夜", "不限時",
}

var avoidPattern = regexp.MustCompile(`不(?:吃|要|能吃)[^的和跟與，。、,\s]{1,2}`)

var locationSuffixes = []rune{'區', '市', '町', '路', '街', '站'}

// characters that never belong to a place name
const locationStops = "在去到想吃的找要我附近有和跟與改成換，。、！？,.!? "

var greetingWords = []string{"你好", "哈囉", "嗨", "hello", "hi", "早安", "晚安", "謝謝", "哈哈", "你是誰"}

// IsOffTopic flags bare greetings and chit-chat without any recognised slot
func (RuleInterpreter) IsOffTopic(ctx context.Context, text string) bool {
	parsed, _ := RuleInterpreter{}.Parse(ctx, text)
	if !parsed.Empty() {
		return false
	}
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, g := range greetingWords {
		if strings.Contains(lower, g) {
			return true
		}
	}
	return false
}

func (RuleInterpreter) Parse(_ context.Context, text string) (ParsedInput, bool) {
	var out ParsedInput
	rest := strings.TrimSpace(text)

	for _, m := range avoidPattern.FindAllString(rest, -1) {
		out.Preferences = append(out.Preferences, m)
	}
	rest = avoidPattern.ReplaceAllString(rest, " ")
	for _, w := range preferenceWords {
		if strings.Contains(rest, w) {
			out.Preferences = append(out.Preferences, w)
			rest = strings.ReplaceAll(rest, w, " ")
		}
	}

	for _, w := range categoryWords {
		if strings.Contains(rest, w) {
			out.Category = w
			rest = strings.Replace(rest, w, " ", 1)
			break
		}
	}

	out.Location = findLocation(rest)
	return out, !out.Empty()
}

// findLocation walks back from the first place-name suffix until a stop
// character, e.g. 想在信義區吃 -> 信義區.
func findLocation(text string) string {
	runes := []rune(text)
	for i, r := range runes {
		if !isLocationSuffix(r) || i == 0 {
			continue
		}
		start := i
		for start > 0 && i-start < 6 {
			prev := runes[start-1]
			if strings.ContainsRune(locationStops, prev) || !unicode.Is(unicode.Han, prev) {
				break
			}
			start--
		}
		if start < i {
			return string(runes[start : i+1])
		}
	}
	return ""
}

func isLocationSuffix(r rune) bool {
	for _, s := range locationSuffixes {
		if r == s {
			return true
		}
	}
	return false
}
