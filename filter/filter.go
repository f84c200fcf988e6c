package filter

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/dhcgn/mail-archive/model"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeFolder []string
	ExcludeFolder []string
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Filter holds compiled regex patterns for filtering folders and messages.
type Filter struct {
	includeFolder  []*regexp.Regexp
	excludeFolder  []*regexp.Regexp
	includeMode    bool
	excludeMode    bool
	includeHeader  []*regexp.Regexp
	includeBody    []*regexp.Regexp
	excludeHeader  []*regexp.Regexp
	excludeBody    []*regexp.Regexp
	needHeaderText bool
	needBodyText   bool
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeFolder, err := compilePatterns(opts.IncludeFolder)
	if err != nil {
		return nil, fmt.Errorf("compile include-folder pattern: %w", err)
	}
	excludeFolder, err := compilePatterns(opts.ExcludeFolder)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-folder pattern: %w", err)
	}
	includeHeader, err := compilePatterns(opts.IncludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile include-header pattern: %w", err)
	}
	includeBody, err := compilePatterns(opts.IncludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile include-body pattern: %w", err)
	}
	excludeHeader, err := compilePatterns(opts.ExcludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-header pattern: %w", err)
	}
	excludeBody, err := compilePatterns(opts.ExcludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-body pattern: %w", err)
	}

	includeActive := len(includeHeader) > 0 || len(includeBody) > 0
	excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		includeFolder:  includeFolder,
		excludeFolder:  excludeFolder,
		includeMode:    includeActive,
		excludeMode:    excludeActive,
		includeHeader:  includeHeader,
		includeBody:    includeBody,
		excludeHeader:  excludeHeader,
		excludeBody:    excludeBody,
		needHeaderText: len(includeHeader) > 0 || len(excludeHeader) > 0,
		needBodyText:   len(includeBody) > 0 || len(excludeBody) > 0,
	}, nil
}

// AllowsFolder reports whether a remote folder is synced. Exclusions win
// over inclusions; without include patterns every folder is included.
func (f *Filter) AllowsFolder(name string) bool {
	if f == nil {
		return true
	}
	if matchAny(f.excludeFolder, name) {
		return false
	}
	if len(f.includeFolder) > 0 {
		return matchAny(f.includeFolder, name)
	}
	return true
}

// NeedsBody reports whether message decisions depend on the message body.
func (f *Filter) NeedsBody() bool {
	return f != nil && f.needBodyText
}

// Active reports whether any message filter is configured.
func (f *Filter) Active() bool {
	return f != nil && (f.includeMode || f.excludeMode)
}

// Allows returns true if the message passes the filter criteria.
func (f *Filter) Allows(header, body []byte) bool {
	if f == nil {
		return true
	}

	var headerText, bodyText string
	if f.needHeaderText {
		headerText = string(header)
	}
	if f.needBodyText {
		bodyText = string(body)
	}

	if f.includeMode {
		matched := matchAny(f.includeHeader, headerText) || matchAny(f.includeBody, bodyText)
		return matched
	}

	if f.excludeMode {
		if matchAny(f.excludeHeader, headerText) || matchAny(f.excludeBody, bodyText) {
			return false
		}
	}

	return true
}

// EnvelopeHeader renders the envelope fields as header lines, so header
// patterns can be applied before the content is fetched.
func EnvelopeHeader(env model.Envelope) []byte {
	var b bytes.Buffer
	line := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s: %s\n", key, value)
		}
	}
	line("Message-Id", env.MessageID)
	line("Subject", env.Subject)
	line("From", env.From)
	line("Reply-To", env.ReplyTo)
	line("To", env.To)
	line("Cc", env.Cc)
	return b.Bytes()
}

// SplitRawMessage splits a raw email message into header and body parts.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
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
	if len(patterns) == 0 {
		return false
	}
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
