package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/tidwall/gjson"
)

const readChunkSize = 4096

// ExtractToken pulls the generated text out of one upstream JSON payload.
// The incremental shape (choices[0].delta.content) wins over the full
// message shape (choices[0].message.content). ok is false for payloads that
// are not valid JSON.
func ExtractToken(payload string) (token string, ok bool) {
	if !gjson.Valid(payload) {
		return "", false
	}

	if delta := gjson.Get(payload, "choices.0.delta.content"); delta.Type == gjson.String {
		return delta.Str, true
	}
	if content := gjson.Get(payload, "choices.0.message.content"); content.Type == gjson.String {
		return content.Str, true
	}
	return "", true
}

// Normalize copies tokens from an upstream event stream to w as they arrive.
//
// A "[DONE]" frame or the end of the upstream body both write the terminator
// and return nil. Malformed payloads are skipped. A read failure or context
// cancellation is returned without terminating so the caller can fall back;
// a failed client write is returned as is.
func Normalize(ctx context.Context, r io.Reader, w *Writer) error {
	var parser Parser
	buf := make([]byte, readChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			parser.Feed(buf[:n])
			done, err := drain(&parser, w)
			if err != nil {
				return err
			}
			if done {
				parser.Reset()
				return w.Done()
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return w.Done()
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("read upstream stream: %w", readErr)
		}
	}
}

func drain(parser *Parser, w *Writer) (bool, error) {
	for {
		frame, ok := parser.Next()
		if !ok {
			return false, nil
		}
		if frame.Done {
			return true, nil
		}

		token, valid := ExtractToken(frame.Data)
		if !valid || token == "" {
			continue
		}
		if err := w.Token(token); err != nil {
			return false, err
		}
	}
}
