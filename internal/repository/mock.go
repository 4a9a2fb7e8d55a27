package repository

import (
	"context"

	"github.com/npezzotti/lobbyd/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockRepository) CreateRoomIfAbsent(ctx context.Context, roomCode string) (types.RoomInfo, error) {
	args := m.Called(ctx, roomCode)
	return args.Get(0).(types.RoomInfo), args.Error(1)
}
func (m *MockRepository) AddUser(ctx context.Context, user types.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}
func (m *MockRepository) RemoveUser(ctx context.Context, connectionId string) (*types.User, error) {
	args := m.Called(ctx, connectionId)
	if u, ok := args.Get(0).(*types.User); ok {
		return u, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) GetUser(ctx context.Context, connectionId string) (*types.User, error) {
	args := m.Called(ctx, connectionId)
	if u, ok := args.Get(0).(*types.User); ok {
		return u, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) ListUsers(ctx context.Context, roomCode string) ([]types.User, error) {
	args := m.Called(ctx, roomCode)
	if users, ok := args.Get(0).([]types.User); ok {
		return users, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) UserNameTaken(ctx context.Context, roomCode, name string) (bool, error) {
	args := m.Called(ctx, roomCode, name)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) AppendMessage(ctx context.Context, msg types.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
func (m *MockRepository) ListMessages(ctx context.Context, roomCode string, limit int) ([]types.Message, error) {
	args := m.Called(ctx, roomCode, limit)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) RemoveMessage(ctx context.Context, roomCode, messageId string) (bool, error) {
	args := m.Called(ctx, roomCode, messageId)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) TouchRoomInfo(ctx context.Context, roomCode string) (types.RoomInfo, error) {
	args := m.Called(ctx, roomCode)
	return args.Get(0).(types.RoomInfo), args.Error(1)
}
func (m *MockRepository) RoomInfo(ctx context.Context, roomCode string) (*types.RoomInfo, error) {
	args := m.Called(ctx, roomCode)
	if info, ok := args.Get(0).(*types.RoomInfo); ok {
		return info, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) RoomKeys(ctx context.Context, roomCode string) ([]string, error) {
	args := m.Called(ctx, roomCode)
	if keys, ok := args.Get(0).([]string); ok {
		return keys, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) DeleteRoom(ctx context.Context, roomCode string) (int, error) {
	args := m.Called(ctx, roomCode)
	return args.Int(0), args.Error(1)
}
