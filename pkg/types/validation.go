package types

import (
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// MaxMessageLength bounds the text of one chat message, in characters.
const MaxMessageLength = 4096

// Compiled once; these run on every handshake and request.
var (
	refRegex      = regexp.MustCompile(`^[0-9]+$`)
	usernameRegex = regexp.MustCompile(`^[\w.@+-]+$`)
	validate      = validator.New(validator.WithRequiredStructEnabled())
)

// ParseConversationRef parses the conversation segment of a connection
// target. Only positive decimal integers are accepted.
func ParseConversationRef(raw string) (ConversationRef, error) {
	if !refRegex.MatchString(raw) {
		return 0, ErrInvalidConversationRef
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, ErrInvalidConversationRef
	}
	return ConversationRef(n), nil
}

// ConversationRef recovers the conversation a room key was derived from.
func (k RoomKey) ConversationRef() (ConversationRef, error) {
	raw, ok := strings.CutPrefix(string(k), RoomKeyPrefix)
	if !ok {
		return 0, ErrInvalidRoomKey
	}
	ref, err := ParseConversationRef(raw)
	if err != nil {
		return 0, ErrInvalidRoomKey
	}
	return ref, nil
}

// IsValidUsername follows the user store's username rules.
func IsValidUsername(username string) bool {
	if len(username) < 1 || len(username) > 150 {
		return false
	}
	return usernameRegex.MatchString(username)
}

// ValidateMessageText checks the body of an inbound message.
func ValidateMessageText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return ErrMessageTooLarge
	}
	return nil
}

// DecodeInboundFrame parses and validates one client text frame.
// Any shape other than {"message": "<non-empty text>"} is rejected.
func DecodeInboundFrame(data []byte) (*InboundFrame, error) {
	var frame InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, ErrMalformedFrame
	}
	if err := validate.Struct(&frame); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Tag() == "max" {
			return nil, ErrMessageTooLarge
		}
		return nil, ErrEmptyMessage
	}
	if err := ValidateMessageText(frame.Message); err != nil {
		return nil, err
	}
	return &frame, nil
}

// TimestampLayout is the wire format of message timestamps: RFC 3339 in
// UTC with microsecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// NormalizeTimestamp truncates t to the precision the store and the wire
// format both keep.
func NormalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
