package relay

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/artlounge/chat-app/internal/apperr"
)

const (
	DefaultMaxContentBytes = 4096 // 4KB max frame size
	DefaultMaxContentChars = 2000 // max character count
)

// ValidateContent checks that message content meets the limits.
func ValidateContent(text string, maxBytes, maxChars int) error {
	if strings.TrimSpace(text) == "" {
		return apperr.Validation(apperr.CodeInvalidContent, "message content is empty")
	}
	if len(text) > maxBytes {
		return apperr.Validation(apperr.CodeInvalidContent, fmt.Sprintf("message exceeds %d byte limit", maxBytes))
	}
	if !utf8.ValidString(text) {
		return apperr.Validation(apperr.CodeInvalidContent, "message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > maxChars {
		return apperr.Validation(apperr.CodeInvalidContent, fmt.Sprintf("message exceeds %d character limit", maxChars))
	}
	return nil
}
