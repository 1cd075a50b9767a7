package content

import (
	"bytes"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const excerptLen = 120

var (
	policy        = bluemonday.UGCPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

	markdown = goldmark.New(
		goldmark.WithExtensions(extension.Strikethrough, extension.Linkify),
	)
)

// Sanitize removes unsafe HTML from user input such as message content and
// display names.
func Sanitize(input string) string {
	return strings.TrimSpace(policy.Sanitize(input))
}

// Render converts sanitized message text written in markdown to HTML. The
// rendered output is passed through the same policy again.
func Render(input string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return "", err
	}
	return strings.TrimSpace(policy.Sanitize(buf.String())), nil
}

// Excerpt returns the first runes of the text for reply previews.
func Excerpt(input string) string {
	input = strings.Join(strings.Fields(input), " ")
	if utf8.RuneCountInString(input) <= excerptLen {
		return input
	}
	runes := []rune(input)
	return string(runes[:excerptLen]) + "…"
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}
