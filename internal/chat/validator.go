package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
	MaxNameChars    = 100  // max chat name length
)

// ValidateMessage checks that a chat message meets content requirements.
func ValidateMessage(text string) error {
	if len(strings.TrimSpace(text)) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}

// ValidateChatName checks that a chat name is non-blank and short enough.
func ValidateChatName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("chat name is empty")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("chat name contains invalid UTF-8")
	}
	if utf8.RuneCountInString(name) > MaxNameChars {
		return fmt.Errorf("chat name exceeds %d character limit", MaxNameChars)
	}
	return nil
}
