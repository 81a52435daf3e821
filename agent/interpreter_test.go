package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restaurant-recommender/utils"
)

func TestRuleInterpreter_Parse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want ParsedInput
		ok   bool
	}{
		{"full request", "想在信義區吃火鍋", ParsedInput{Location: "信義區", Category: "火鍋"}, true},
		{"place then cuisine", "西門町日本料理", ParsedInput{Location: "西門町", Category: "日本料理"}, true},
		{"station", "中山站附近的拉麵", ParsedInput{Location: "中山站", Category: "拉麵"}, true},
		{"category only", "燒肉", ParsedInput{Category: "燒肉"}, true},
		{"with preferences", "大安區 不吃辣 安靜的壽司", ParsedInput{Location: "大安區", Category: "壽司", Preferences: []string{"不吃辣", "安靜"}}, true},
		{"nothing", "今天天氣真好", ParsedInput{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := RuleInterpreter{}.Parse(context.Background(), tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRuleInterpreter_IsOffTopic(t *testing.T) {
	ctx := context.Background()
	assert.True(t, RuleInterpreter{}.IsOffTopic(ctx, "你好"))
	assert.False(t, RuleInterpreter{}.IsOffTopic(ctx, "你好，想在信義區吃火鍋"))
	assert.False(t, RuleInterpreter{}.IsOffTopic(ctx, "今天天氣真好"))
}

func TestDecodeSlots(t *testing.T) {
	got, err := DecodeSlots("```json\n{\"location\": \"信義區\", \"category\": null, \"preferences\": \"安靜\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, ParsedInput{Location: "信義區", Preferences: []string{"安靜"}}, got)

	got, err = DecodeSlots(`{"location": "null", "category": "火鍋", "preferences": ["不吃辣", " ", "大份量"]}`)
	require.NoError(t, err)
	assert.Equal(t, ParsedInput{Category: "火鍋", Preferences: []string{"不吃辣", "大份量"}}, got)

	_, err = DecodeSlots("抱歉，我無法理解")
	assert.Error(t, err)
}

type replyGenerator struct {
	reply string
	err   error
}

func (g replyGenerator) GenerateText(context.Context, string) (string, error) {
	return g.reply, g.err
}

func TestLLMInterpreter(t *testing.T) {
	ctx := context.Background()

	i := NewLLMInterpreter(replyGenerator{reply: `{"location": "內湖", "category": "早午餐", "preferences": []}`}, utils.NopLogger())
	got, ok := i.Parse(ctx, "內湖早午餐")
	require.True(t, ok)
	assert.Equal(t, ParsedInput{Location: "內湖", Category: "早午餐"}, got)

	assert.True(t, NewLLMInterpreter(replyGenerator{reply: " Yes"}, utils.NopLogger()).IsOffTopic(ctx, "你是誰"))
	assert.False(t, NewLLMInterpreter(replyGenerator{reply: "no"}, utils.NopLogger()).IsOffTopic(ctx, "火鍋"))
}

func TestLLMInterpreter_FallsBackToRules(t *testing.T) {
	ctx := context.Background()
	i := NewLLMInterpreter(replyGenerator{err: errors.New("quota")}, utils.NopLogger())

	// failures count as on topic
	assert.False(t, i.IsOffTopic(ctx, "你好"))

	got, ok := i.Parse(ctx, "想在信義區吃火鍋")
	require.True(t, ok)
	assert.Equal(t, ParsedInput{Location: "信義區", Category: "火鍋"}, got)

	garbled := NewLLMInterpreter(replyGenerator{reply: "我不知道"}, utils.NopLogger())
	got, ok = garbled.Parse(ctx, "燒肉")
	require.True(t, ok)
	assert.Equal(t, "燒肉", got.Category)

	noModel := NewLLMInterpreter(nil, utils.NopLogger())
	assert.True(t, noModel.IsOffTopic(ctx, "哈囉"))
}
