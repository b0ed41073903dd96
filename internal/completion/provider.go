// Package completion streams assistant replies from hosted language models.
package completion

import (
	"context"
	"errors"

	"github.com/eldtechnologies/confab/internal/metrics"
	"github.com/eldtechnologies/confab/internal/models"
)

// SystemPrompt is prepended to every completion request.
const SystemPrompt = `You are a general answering assistant taking part in a shared conversation between several people.

Always answer with markdown formatting when it is possible: headings, bold, italic, links, tables, lists, code blocks and blockquotes. Never include images.

Use Mermaid diagrams when they help: sequenceDiagram, flowchart, classDiagram, stateDiagram, erDiagram, gantt, journey, gitGraph and pie.`

// ErrEmptyPrompt is returned when there is no user turn to answer.
var ErrEmptyPrompt = errors.New("completion: prompt has no user turn")

// Provider streams a completion as text tokens. The token channel closes
// when the stream ends; the error channel then yields nil or the failure.
type Provider interface {
	Stream(ctx context.Context, turns []models.Turn) (<-chan string, <-chan error)
	Name() string
}

// emitFunc forwards one token and reports false once the caller has gone.
type emitFunc func(token string) bool

// stream adapts a blocking producer to the channel pair.
func stream(ctx context.Context, name string, turns []models.Turn, produce func(emit emitFunc) error) (<-chan string, <-chan error) {
	tokens := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)

		var err error
		if !hasUserTurn(turns) {
			err = ErrEmptyPrompt
		} else {
			counter := metrics.CompletionTokens.WithLabelValues(name)
			err = produce(func(token string) bool {
				if token == "" {
					return true
				}
				select {
				case tokens <- token:
					counter.Inc()
					return true
				case <-ctx.Done():
					return false
				}
			})
		}
		close(tokens)

		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		metrics.CompletionStreams.WithLabelValues(name, outcome(err)).Inc()
		errs <- err
	}()
	return tokens, errs
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "settled"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return "failed"
}

func hasUserTurn(turns []models.Turn) bool {
	for _, t := range turns {
		if t.Role == models.RoleUser {
			return true
		}
	}
	return false
}

// alternate drops leading assistant turns and joins consecutive turns from
// the same role, for APIs that require strict user/assistant alternation.
func alternate(turns []models.Turn) []models.Turn {
	out := make([]models.Turn, 0, len(turns))
	for _, t := range turns {
		if len(out) == 0 && t.Role != models.RoleUser {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == t.Role {
			out[n-1].Content += "\n\n" + t.Content
			continue
		}
		out = append(out, t)
	}
	return out
}
