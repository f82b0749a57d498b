package stream

import (
	"context"
	"time"
	"unicode"
)

const fallbackTemplate = "Objective: Improve the prompt\n\n- Rewrite concisely\n- Use active voice\n- Keep bullets scannable\n\nFinal Prompt:\n"

// FallbackText is the canned response embedding the user's input verbatim.
func FallbackText(userText string) string {
	return fallbackTemplate + userText
}

// Split breaks text into alternating runs of non-space and space. Whitespace
// runs are kept as their own pieces so concatenation restores text exactly.
func Split(text string) []string {
	if text == "" {
		return nil
	}

	var pieces []string
	start := 0
	inSpace := false
	for i, r := range text {
		space := unicode.IsSpace(r)
		if i == 0 {
			inSpace = space
			continue
		}
		if space != inSpace {
			pieces = append(pieces, text[start:i])
			start = i
			inSpace = space
		}
	}
	return append(pieces, text[start:])
}

// Fallback simulates a streaming completion when no upstream can serve the
// request.
type Fallback struct {
	// Delay is the pause before each token after the first.
	Delay time.Duration
}

// Emit streams the fallback text for userText, then writes the terminator.
// Cancellation stops emission early; the terminator is still attempted.
func (f Fallback) Emit(ctx context.Context, w *Writer, userText string) error {
	defer w.Done()

	for i, piece := range Split(FallbackText(userText)) {
		if i > 0 && f.Delay > 0 {
			if err := sleep(ctx, f.Delay); err != nil {
				return err
			}
		}
		if err := w.Token(piece); err != nil {
			return err
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
