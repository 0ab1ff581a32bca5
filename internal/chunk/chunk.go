// Package chunk splits long replies into platform-sized segments and sends
// them in order.
package chunk

import (
	"context"
	"time"
	"unicode"
)

// Split breaks text into segments of at most maxLen runes. Segments end after
// the last whitespace that fits, so no word is split unless a single word is
// longer than maxLen, in which case it is hard-cut. Concatenating the result
// yields text unchanged.
func Split(text string, maxLen int) []string {
	if maxLen < 1 {
		maxLen = 1
	}
	runes := []rune(text)
	var out []string
	for len(runes) > 0 {
		if len(runes) <= maxLen {
			out = append(out, string(runes))
			break
		}
		cut := breakPoint(runes, maxLen)
		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
	}
	return out
}

func breakPoint(runes []rune, maxLen int) int {
	// The limit already sits on a word boundary.
	if unicode.IsSpace(runes[maxLen]) {
		return maxLen
	}
	for i := maxLen - 1; i >= 0; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return maxLen
}

// SendFunc delivers one segment.
type SendFunc func(ctx context.Context, segment string) error

// Send delivers segments sequentially, waiting delay between consecutive
// segments but not after the last one. It stops at the first error or when
// ctx is done and returns how many segments were delivered.
func Send(ctx context.Context, segments []string, delay time.Duration, send SendFunc) (int, error) {
	for i, seg := range segments {
		if err := send(ctx, seg); err != nil {
			return i, err
		}
		if i == len(segments)-1 || delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return i + 1, ctx.Err()
		case <-timer.C:
		}
	}
	return len(segments), nil
}
