// Package delivery turns stored chat messages into their wire form. Live
// fan-out and the history listing both go through here, so a client sees
// the same bytes for a message however it obtained it.
package delivery

import (
	"encoding/json"
	"errors"

	"github.com/samber/lo"

	"chatline/pkg/types"
)

var ErrNilMessage = errors.New("cannot encode a nil message")

// ToOutbound converts a stored message to its wire shape.
func ToOutbound(msg *types.ChatMessage) types.OutboundMessage {
	return types.OutboundMessage{
		ID:                msg.ID,
		Author:            msg.AuthorID,
		AuthorDisplayName: msg.AuthorDisplayName,
		Content:           msg.Content,
		Timestamp:         types.NormalizeTimestamp(msg.Timestamp).Format(types.TimestampLayout),
	}
}

// ToOutboundAll converts a listing, keeping its order.
func ToOutboundAll(msgs []*types.ChatMessage) []types.OutboundMessage {
	return lo.Map(msgs, func(m *types.ChatMessage, _ int) types.OutboundMessage {
		return ToOutbound(m)
	})
}

// Encode returns the JSON frame of msg.
func Encode(msg *types.ChatMessage) ([]byte, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}
	return json.Marshal(ToOutbound(msg))
}

// EncodeAll returns the JSON array of msgs. An empty listing encodes as [].
func EncodeAll(msgs []*types.ChatMessage) ([]byte, error) {
	return json.Marshal(ToOutboundAll(msgs))
}

// Summarize builds the listing entry of a conversation.
func Summarize(c *types.Conversation, last *types.ChatMessage) types.ConversationSummary {
	summary := types.ConversationSummary{
		ID:                   c.ID,
		ParticipantUsernames: c.Participants,
		UpdatedAt:            c.UpdatedAt,
	}
	if summary.ParticipantUsernames == nil {
		summary.ParticipantUsernames = []string{}
	}
	if last != nil {
		out := ToOutbound(last)
		summary.LastMessage = &out
	}
	return summary
}
