// Package llm calls the external text-generation services that turn
// natural-language questions into SQL. The generation logic itself is a
// black box: this package only knows how to send a prompt and get text
// back, plain or streamed.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Generator produces text for a prompt. Implementations wrap one
// provider's HTTP API.
type Generator interface {
	// Generate returns the full response for one prompt.
	Generate(ctx context.Context, prompt string) (string, error)

	// GenerateStream delivers the response incrementally. fn is called
	// with each text chunk in order; a non-nil return aborts the stream.
	GenerateStream(ctx context.Context, prompt string, fn func(chunk string) error) error
}

// Config carries provider credentials. Endpoint defaults are per
// provider; APIKey is required.
type Config struct {
	Provider string // "openai" (default) or "gemini"
	Endpoint string
	APIKey   string
	Model    string
}

// New builds the generator for cfg.Provider. Unknown providers fall back
// to OpenAI-compatible, which covers the self-hosted gateways that mimic
// its API.
func New(cfg Config) (Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: api key not configured for provider %q", cfg.Provider)
	}
	if cfg.Provider == "gemini" {
		return &Gemini{Endpoint: cfg.Endpoint, APIKey: cfg.APIKey}, nil
	}
	return &OpenAI{Endpoint: cfg.Endpoint, APIKey: cfg.APIKey, Model: cfg.Model}, nil
}

// SQLPrompt wraps the user's question in the SQL-generation instruction,
// including the table documentation so the model knows what to query.
func SQLPrompt(userInput, schemaDoc string) string {
	return fmt.Sprintf(`你是一个 SQL 专家，请将以下自然语言查询转换为 SQL 语句：

用户需求: %s

请只返回有效的 SQL 语句，不需要解释。SQL语句必须是PostgreSQL兼容的。
重要：不要包含任何代码块标记（如`+"```"+`或`+"```"+`sql），不要包含任何注释或解释，只返回SQL语句本身。

数据库表结构如下:
%s
`, userInput, schemaDoc)
}

// ThinkingPrompt is the streaming variant: the model is asked to narrate
// its analysis before the statement, separated by the markers
// SplitThinking looks for.
func ThinkingPrompt(userInput, schemaDoc string) string {
	return fmt.Sprintf(`你是一个 SQL 专家，请将以下自然语言查询转换为 SQL 语句。

用户需求: %s

请先分析这个需求，思考需要查询哪些表和字段，然后生成对应的 SQL 语句。

数据库表结构如下:
%s

请按照以下格式回答：
思考过程：[详细分析用户需求，确定需要的表和字段]
SQL语句：[最终的PostgreSQL兼容SQL语句]
`, userInput, schemaDoc)
}

const (
	thinkingMarker = "思考过程："
	sqlMarker      = "SQL语句："
)

// SplitThinking separates a (possibly partial) thinking-format response
// into the analysis text and the SQL text. Until the SQL marker arrives
// everything counts as thinking, so the split is stable while a stream
// is still appending.
func SplitThinking(full string) (thinking, sql string) {
	before, after, found := strings.Cut(full, sqlMarker)
	thinking = strings.TrimSpace(strings.ReplaceAll(before, thinkingMarker, ""))
	if !found {
		return thinking, ""
	}
	return thinking, strings.TrimSpace(after)
}
