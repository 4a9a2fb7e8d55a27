// Package repository owns the durable room model: membership, the name
// index, message history and room metadata. It is built only on the
// primitives of store.Store and keeps no in-process cache.
package repository

import (
	"context"

	"github.com/npezzotti/lobbyd/internal/types"
)

type Repository interface {
	Ping(ctx context.Context) error
	CreateRoomIfAbsent(ctx context.Context, roomCode string) (types.RoomInfo, error)
	AddUser(ctx context.Context, user types.User) error
	RemoveUser(ctx context.Context, connectionId string) (*types.User, error)
	GetUser(ctx context.Context, connectionId string) (*types.User, error)
	ListUsers(ctx context.Context, roomCode string) ([]types.User, error)
	UserNameTaken(ctx context.Context, roomCode, name string) (bool, error)
	AppendMessage(ctx context.Context, msg types.Message) error
	ListMessages(ctx context.Context, roomCode string, limit int) ([]types.Message, error)
	RemoveMessage(ctx context.Context, roomCode, messageId string) (bool, error)
	TouchRoomInfo(ctx context.Context, roomCode string) (types.RoomInfo, error)
	RoomInfo(ctx context.Context, roomCode string) (*types.RoomInfo, error)
	RoomKeys(ctx context.Context, roomCode string) ([]string, error)
	DeleteRoom(ctx context.Context, roomCode string) (int, error)
}
