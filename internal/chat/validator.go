package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxContentBytes = 4096
	MaxContentRunes = 2000
)

var (
	ErrEmptyContent   = errors.New("chat: message is empty")
	ErrContentTooLong = errors.New("chat: message is too long")
	ErrInvalidUTF8    = errors.New("chat: message is not valid UTF-8")
)

// ValidateContent checks a chat message before it is relayed. Content that
// is only whitespace counts as empty.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("%w: over %d bytes", ErrContentTooLong, MaxContentBytes)
	}
	if !utf8.ValidString(content) {
		return ErrInvalidUTF8
	}
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return fmt.Errorf("%w: over %d characters", ErrContentTooLong, MaxContentRunes)
	}
	return nil
}
