package interfaces

import (
	"context"

	"chatline/pkg/types"
)

// RoomRegistry is the pub/sub group abstraction sessions join.
//
// Implementations must keep these guarantees regardless of backing store:
// Join is idempotent, Leave of a non-member is a no-op, Publish reaches
// every current member including the publisher, payloads of one room reach
// each member in publish order, and a member that cannot take a delivery
// never delays or fails delivery to the others.
type RoomRegistry interface {
	// Join registers sub as a member of room. An address may belong to one
	// room at a time.
	Join(ctx context.Context, room types.RoomKey, sub *types.Subscriber) error

	// Leave removes the membership of address in room.
	Leave(ctx context.Context, room types.RoomKey, address string) error

	// Publish fans payload out to the current members of room.
	Publish(ctx context.Context, room types.RoomKey, payload []byte) error

	// Members returns the number of members currently joined to room.
	Members(room types.RoomKey) int
}
