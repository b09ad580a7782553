// Package filter decides from its headers whether a fetched message is worth
// extracting.
package filter

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/emersion/go-message/textproto"
)

// Options holds regex allow/block lists matched against header fields. Each
// field is matched unfolded as "Key: value", e.g. `^Subject: Report domain:`.
type Options struct {
	IncludeHeader []string
	ExcludeHeader []string
}

// Filter is safe for concurrent use once built.
type Filter struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

func New(opts Options) (*Filter, error) {
	include, err := compilePatterns(opts.IncludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile include-header pattern: %w", err)
	}
	exclude, err := compilePatterns(opts.ExcludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-header pattern: %w", err)
	}
	if len(include) > 0 && len(exclude) > 0 {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}
	return &Filter{include: include, exclude: exclude}, nil
}

// Active reports whether any pattern is configured.
func (f *Filter) Active() bool {
	return f != nil && (len(f.include) > 0 || len(f.exclude) > 0)
}

// Allows reports whether the message passes. A message whose header cannot be
// parsed is allowed so the extractor can report the real problem.
func (f *Filter) Allows(raw []byte) bool {
	if !f.Active() {
		return true
	}

	fields, err := HeaderFields(raw)
	if err != nil {
		return true
	}

	if len(f.include) > 0 {
		return matchAny(f.include, fields)
	}
	return !matchAny(f.exclude, fields)
}

// HeaderFields returns the unfolded header fields of raw as "Key: value".
func HeaderFields(raw []byte) ([]string, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var fields []string
	for fi := h.Fields(); fi.Next(); {
		fields = append(fields, fi.Key()+": "+unfold(fi.Value()))
	}
	return fields, nil
}

func unfold(v string) string {
	return strings.Join(strings.Fields(v), " ")
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

func matchAny(patterns []*regexp.Regexp, fields []string) bool {
	for _, re := range patterns {
		for _, field := range fields {
			if re.MatchString(field) {
				return true
			}
		}
	}
	return false
}
