package guardrail

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/harun/switchboard/internal/config"
	"github.com/kljensen/snowball/english"
)

// DefaultForbiddenTopics is the topic list used by the demo agents
var DefaultForbiddenTopics = []string{"explosives", "hacking", "illegal"}

// Forbid blocks input that mentions any of topics. Matching is done on
// word stems, so forbidding "hacking" also blocks "hack" and "hacked".
func Forbid(topics ...string) InputRule {
	stems := make([][]string, 0, len(topics))
	names := make([]string, 0, len(topics))
	for _, topic := range topics {
		if s := stemWords(topic); len(s) > 0 {
			stems = append(stems, s)
			names = append(names, topic)
		}
	}

	return InputFunc("forbid", func(ctx context.Context, text string) Verdict {
		lower := strings.ToLower(text)
		words := stemWords(text)
		for i, topic := range stems {
			if strings.Contains(lower, strings.ToLower(names[i])) || containsSequence(words, topic) {
				return Violation("forbid", fmt.Sprintf("forbidden topic: %s", names[i]))
			}
		}
		return Allow()
	})
}

// Pattern blocks input matching expr
func Pattern(name, expr string) (InputRule, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %s: %w", expr, err)
	}
	return InputFunc(name, func(ctx context.Context, text string) Verdict {
		if re.MatchString(text) {
			return Violation(name, "input matches blocked pattern")
		}
		return Allow()
	}), nil
}

// MaxLength blocks input longer than n characters
func MaxLength(n int) InputRule {
	return InputFunc("max_length", func(ctx context.Context, text string) Verdict {
		if l := len([]rune(text)); l > n {
			return Violation("max_length", fmt.Sprintf("input is %d characters, limit is %d", l, n))
		}
		return Allow()
	})
}

// Replace substitutes the whole output with replacement when it contains
// needle, case-insensitively.
func Replace(needle, replacement string) OutputRule {
	lowered := strings.ToLower(needle)
	return OutputFunc("replace", func(ctx context.Context, text string) string {
		if strings.Contains(strings.ToLower(text), lowered) {
			return replacement
		}
		return text
	})
}

// DefaultRedactions mask contact details and credentials in model output
var DefaultRedactions = []*regexp.Regexp{
	regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
	regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),
	regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
}

// Redact masks every match of patterns with [REDACTED]. Without patterns
// DefaultRedactions is used.
func Redact(patterns ...*regexp.Regexp) OutputRule {
	if len(patterns) == 0 {
		patterns = DefaultRedactions
	}
	return OutputFunc("redact", func(ctx context.Context, text string) string {
		for _, re := range patterns {
			text = re.ReplaceAllString(text, "[REDACTED]")
		}
		return text
	})
}

// FromModeration builds the process-wide input rules from the moderation
// config. It returns nil when moderation is disabled.
func FromModeration(cfg config.ModerationConfig) ([]InputRule, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	rules := make([]InputRule, 0, 1+len(cfg.BlockedPatterns))
	if len(cfg.BlockedKeywords) > 0 {
		rules = append(rules, Forbid(cfg.BlockedKeywords...))
	}
	for i, expr := range cfg.BlockedPatterns {
		rule, err := Pattern(fmt.Sprintf("moderation_pattern_%d", i+1), expr)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if cfg.MaxInputLength > 0 {
		rules = append(rules, MaxLength(cfg.MaxInputLength))
	}
	return rules, nil
}

func stemWords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, english.Stem(f, true))
	}
	return out
}

func containsSequence(words, seq []string) bool {
	if len(seq) == 0 || len(seq) > len(words) {
		return false
	}
	for i := 0; i+len(seq) <= len(words); i++ {
		match := true
		for j := range seq {
			if words[i+j] != seq[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
