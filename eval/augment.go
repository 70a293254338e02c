package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bbiangul/hybrideval/llm"
	"github.com/bbiangul/hybrideval/retry"
)

// RewritesPerQuery is the number of paraphrases generated per question.
const RewritesPerQuery = 9

// errRewriteCount is retried: the model may list the right number next time.
var errRewriteCount = errors.New("eval: wrong number of rewrites")

// DefaultAugmentRetry waits 2s, 4s, 8s, 16s between five attempts.
var DefaultAugmentRetry = retry.Policy{
	MaxAttempts: 5,
	InitialWait: 2 * time.Second,
	MaxWait:     32 * time.Second,
	Name:        "augment",
}

var listPrefix = regexp.MustCompile(`^\d+\.\s*`)

const augmentPrompt = `你是一位問題改寫專家，請依照下列九種方式改寫「問題」，每種方式輸出一句：
1. 將問題中的所有關鍵字換成同義詞（例如：變更 -> 改變）
2. 將一半的關鍵字換成同義詞，另一半保留原詞
3. 只列出問題的關鍵字，以空格分隔
4. 列出關鍵字並全部換成同義詞，以空格分隔
5. 列出關鍵字，一半換成同義詞、一半保留原詞，以空格分隔
6. 在不改變語意的前提下，調換主詞與動詞的位置
7. 以最精簡的文字濃縮問題
8. 將濃縮後的問題再調換句型
9. 改成較口語、輕鬆的問法

問題："%s"

輸出格式（逐行列點，共九行，不要輸出其他內容）：
1.
2.
...
9. `

// Augmenter paraphrases questions with a chat model so retrieval can be
// measured on reworded queries.
type Augmenter struct {
	chat      llm.Provider
	model     string
	maxTokens int
	policy    retry.Policy
}

// NewAugmenter creates an Augmenter. A zero policy uses DefaultAugmentRetry.
func NewAugmenter(chat llm.Provider, model string, maxTokens int, policy retry.Policy) *Augmenter {
	if policy.MaxAttempts == 0 {
		policy = DefaultAugmentRetry
	}
	return &Augmenter{chat: chat, model: model, maxTokens: maxTokens, policy: policy}
}

// Rewrites returns exactly RewritesPerQuery paraphrases of question.
func (a *Augmenter) Rewrites(ctx context.Context, question string) ([]string, error) {
	return retry.Do(ctx, a.policy, func(ctx context.Context) ([]string, error) {
		resp, err := a.chat.Chat(ctx, llm.ChatRequest{
			Model:     a.model,
			Messages:  []llm.Message{{Role: "user", Content: fmt.Sprintf(augmentPrompt, question)}},
			MaxTokens: a.maxTokens,
		})
		if err != nil {
			return nil, err
		}
		lines := ParseRewrites(resp.Content)
		if len(lines) != RewritesPerQuery {
			return nil, fmt.Errorf("%w: got %d", errRewriteCount, len(lines))
		}
		return lines, nil
	})
}

// ParseRewrites splits a numbered list into its items, dropping the
// numbering and blank lines.
func ParseRewrites(text string) []string {
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		line = strings.TrimSpace(listPrefix.ReplaceAllString(strings.TrimSpace(line), ""))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// AugmentSummary counts the outcome of Augment.
type AugmentSummary struct {
	Questions int      `json:"questions"`
	Augmented int      `json:"augmented"`
	Skipped   []string `json:"skipped,omitempty"`
}

// Augment returns, for every question that could be rewritten, the
// original followed by its rewrites with ids "<qid>_1".."<qid>_9". The
// rewrites keep the original's sources and category. Questions whose
// rewrites fail are logged and left out.
func (a *Augmenter) Augment(ctx context.Context, queries []Query) ([]Query, AugmentSummary, error) {
	sum := AugmentSummary{Questions: len(queries)}
	out := make([]Query, 0, len(queries)*(RewritesPerQuery+1))

	for i, q := range queries {
		rewrites, err := a.Rewrites(ctx, q.Text)
		if err != nil {
			if ctx.Err() != nil {
				return out, sum, ctx.Err()
			}
			slog.Warn("eval: skipping question, rewrites failed", "qid", q.ID, "error", err)
			sum.Skipped = append(sum.Skipped, q.ID)
			continue
		}
		out = append(out, q)
		for n, text := range rewrites {
			out = append(out, Query{
				ID:       q.ID + "_" + strconv.Itoa(n+1),
				Text:     text,
				Sources:  q.Sources,
				Category: q.Category,
			})
		}
		sum.Augmented++
		slog.Debug("eval: question augmented", "qid", q.ID, "progress", i+1, "of", len(queries))
	}
	return out, sum, nil
}
