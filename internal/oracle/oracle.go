// Package oracle names a likely missing dependency from an error excerpt.
//
// Every implementation answers (name, true) or ("", false); failures of any
// kind are "no suggestion" and are never retried.
package oracle

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/psantana5/warden/pkg/logging"
	"golang.org/x/time/rate"
)

// Oracle proposes a single package name for an error excerpt.
type Oracle interface {
	Suggest(ctx context.Context, excerpt string) (string, bool)
}

// Func adapts a function to Oracle.
type Func func(ctx context.Context, excerpt string) (string, bool)

func (f Func) Suggest(ctx context.Context, excerpt string) (string, bool) { return f(ctx, excerpt) }

// None never suggests anything.
var None Oracle = Func(func(context.Context, string) (string, bool) { return "", false })

// WithTimeout bounds every consultation of o to d.
func WithTimeout(o Oracle, d time.Duration) Oracle {
	return Func(func(ctx context.Context, excerpt string) (string, bool) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		type answer struct {
			name string
			ok   bool
		}
		ch := make(chan answer, 1)
		go func() {
			name, ok := o.Suggest(ctx, excerpt)
			ch <- answer{name, ok}
		}()

		select {
		case a := <-ch:
			if ctx.Err() != nil {
				return "", false
			}
			return a.name, a.ok
		case <-ctx.Done():
			return "", false
		}
	})
}

// WithRateLimit allows at most perMinute consultations per minute. An
// exhausted budget yields no suggestion without calling o.
func WithRateLimit(o Oracle, perMinute int, logger *logging.Logger) Oracle {
	if perMinute <= 0 {
		return o
	}
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	return Func(func(ctx context.Context, excerpt string) (string, bool) {
		if !limiter.Allow() {
			logger.Warn("oracle budget exhausted, skipping consultation", logging.Fields{"max_per_minute": perMinute})
			return "", false
		}
		return o.Suggest(ctx, excerpt)
	})
}

// Tail returns the last n characters of s, never splitting a UTF-8 sequence.
func Tail(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := len(s); i > 0; {
		_, size := utf8.DecodeLastRuneInString(s[:i])
		i -= size
		count++
		if count == n {
			return s[i:]
		}
	}
	return s
}

var packageName = regexp.MustCompile(`^[A-Za-z0-9@][A-Za-z0-9._\-/\[\],=<>~!+:@]*$`)

// Normalize turns a free-form answer into a package name. It keeps the first
// non-empty line, strips quotes, backticks and a leading install command, and
// rejects NONE/UNKNOWN and anything that does not look like a specifier.
func Normalize(answer string) (string, bool) {
	var line string
	for _, l := range strings.Split(answer, "\n") {
		l = strings.TrimSpace(l)
		if l == "" || strings.HasPrefix(l, "```") {
			continue
		}
		line = l
		break
	}

	line = strings.Trim(line, "`'\" \t.")
	for _, prefix := range []string{"pip install ", "pip3 install ", "npm install ", "go get "} {
		if strings.HasPrefix(strings.ToLower(line), prefix) {
			line = strings.TrimSpace(line[len(prefix):])
		}
	}
	line = strings.Trim(line, "`'\" \t")

	switch strings.ToUpper(line) {
	case "", "NONE", "UNKNOWN", "N/A", "NULL":
		return "", false
	}
	if len(line) > 200 || !packageName.MatchString(line) {
		return "", false
	}
	return line, true
}
