package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// Options captures the part filtering configuration.
type Options struct {
	IncludePart []string
	ExcludePart []string
}

// Filter holds compiled regex patterns matched against part names.
type Filter struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	include, err := compilePatterns(opts.IncludePart)
	if err != nil {
		return nil, fmt.Errorf("compile include-part pattern: %w", err)
	}
	exclude, err := compilePatterns(opts.ExcludePart)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-part pattern: %w", err)
	}

	if len(include) > 0 && len(exclude) > 0 {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{include: include, exclude: exclude}, nil
}

// Allows returns true if a part with this name should be extracted. A nil
// Filter allows everything.
func (f *Filter) Allows(partName string) bool {
	if f == nil {
		return true
	}

	if len(f.include) > 0 {
		return matchAny(f.include, partName)
	}

	if len(f.exclude) > 0 && matchAny(f.exclude, partName) {
		return false
	}

	return true
}

// Active reports whether any pattern is configured.
func (f *Filter) Active() bool {
	return f != nil && (len(f.include) > 0 || len(f.exclude) > 0)
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
