package message

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

var (
	ErrMessageTooLong  = errors.New("message: text too long")
	ErrInvalidEncoding = errors.New("message: text contains invalid UTF-8")
)

// Normalize trims text and checks that it meets content requirements. The
// returned string is what a store persists.
func Normalize(text string) (string, error) {
	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return "", ErrEmptyMessage
	}
	if !utf8.ValidString(text) {
		return "", ErrInvalidEncoding
	}
	if len(text) > MaxMessageBytes {
		return "", fmt.Errorf("%w: exceeds %d byte limit", ErrMessageTooLong, MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return "", fmt.Errorf("%w: exceeds %d character limit", ErrMessageTooLong, MaxTextChars)
	}
	return text, nil
}
