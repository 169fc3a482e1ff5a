package types

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseConversationRef(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    ConversationRef
		wantErr error
	}{
		{name: "simple", raw: "42", want: 42},
		{name: "leading zeros", raw: "007", want: 7},
		{name: "zero", raw: "0", wantErr: ErrInvalidConversationRef},
		{name: "negative", raw: "-1", wantErr: ErrInvalidConversationRef},
		{name: "empty", raw: "", wantErr: ErrInvalidConversationRef},
		{name: "letters", raw: "abc", wantErr: ErrInvalidConversationRef},
		{name: "mixed", raw: "4a2", wantErr: ErrInvalidConversationRef},
		{name: "overflow", raw: "99999999999999999999", wantErr: ErrInvalidConversationRef},
		{name: "plus sign", raw: "+5", wantErr: ErrInvalidConversationRef},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConversationRef(tt.raw)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestRoomKey_RoundTrip(t *testing.T) {
	req := require.New(t)

	key := RoomKeyFor(42)
	req.Equal(RoomKey("chat_42"), key)

	ref, err := key.ConversationRef()
	req.NoError(err)
	req.Equal(ConversationRef(42), ref)

	_, err = RoomKey("room_42").ConversationRef()
	req.ErrorIs(err, ErrInvalidRoomKey)

	_, err = RoomKey("chat_").ConversationRef()
	req.ErrorIs(err, ErrInvalidRoomKey)
}

func TestIdentity_Anonymous(t *testing.T) {
	req := require.New(t)

	req.True(Anonymous().IsAnonymous())
	req.True(Identity{Username: "ghost"}.IsAnonymous())
	req.False(Identity{UserID: 1, Username: "ana"}.IsAnonymous())

	u := &User{ID: 3, Username: "bruno", DisplayName: "Bruno"}
	req.Equal(Identity{UserID: 3, Username: "bruno", DisplayName: "Bruno"}, u.Identity())
}

func TestDecodeInboundFrame(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr error
	}{
		{name: "valid", data: `{"message":"hi"}`, want: "hi"},
		{name: "extra fields ignored", data: `{"message":"hi","type":"x"}`, want: "hi"},
		{name: "not json", data: `hi`, wantErr: ErrMalformedFrame},
		{name: "array", data: `["hi"]`, wantErr: ErrMalformedFrame},
		{name: "number message", data: `{"message":5}`, wantErr: ErrMalformedFrame},
		{name: "missing message", data: `{"text":"hi"}`, wantErr: ErrEmptyMessage},
		{name: "null", data: `null`, wantErr: ErrEmptyMessage},
		{name: "blank", data: `{"message":"   "}`, wantErr: ErrEmptyMessage},
		{name: "too long", data: `{"message":"` + strings.Repeat("a", MaxMessageLength+1) + `"}`, wantErr: ErrMessageTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := DecodeInboundFrame([]byte(tt.data))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				require.Nil(t, frame)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, frame.Message)
		})
	}
}

func TestDecodeInboundFrame_MultibyteLimit(t *testing.T) {
	// The limit counts characters, not bytes.
	text := strings.Repeat("é", MaxMessageLength)
	frame, err := DecodeInboundFrame([]byte(`{"message":"` + text + `"}`))
	require.NoError(t, err)
	require.Equal(t, text, frame.Message)
}

func TestIsValidUsername(t *testing.T) {
	require.True(t, IsValidUsername("ana.souza"))
	require.True(t, IsValidUsername("user+tag@uni"))
	require.False(t, IsValidUsername(""))
	require.False(t, IsValidUsername("has space"))
	require.False(t, IsValidUsername(strings.Repeat("a", 151)))
}

func TestSubscriber_OfferNeverBlocks(t *testing.T) {
	req := require.New(t)
	sub := NewSubscriber("addr", 1)

	req.True(sub.Offer([]byte("one")))
	req.False(sub.Offer([]byte("two")))
	req.Equal([]byte("one"), <-sub.Deliveries)
}

func TestNormalizeTimestamp(t *testing.T) {
	loc := time.FixedZone("BRT", -3*60*60)
	ts := time.Date(2025, 3, 1, 9, 30, 0, 123456789, loc)

	got := NormalizeTimestamp(ts)
	require.Equal(t, time.UTC, got.Location())
	require.Equal(t, 123456000, got.Nanosecond())
	require.Equal(t, "2025-03-01T12:30:00.123456Z", got.Format(TimestampLayout))
}

func TestConversation_HasParticipant(t *testing.T) {
	c := &Conversation{ID: 1, ParticipantIDs: []int64{1, 2}}
	require.True(t, c.HasParticipant(2))
	require.False(t, c.HasParticipant(3))
}
