package store

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockStore) Get(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}
func (m *MockStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	args := m.Called(ctx, key, value, ttl)
	return args.Error(0)
}
func (m *MockStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, key, value, ttl)
	return args.Bool(0), args.Error(1)
}
func (m *MockStore) HGet(ctx context.Context, key, field string) (string, error) {
	args := m.Called(ctx, key, field)
	return args.String(0), args.Error(1)
}
func (m *MockStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	args := m.Called(ctx, key)
	if h, ok := args.Get(0).(map[string]string); ok {
		return h, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockStore) HMGet(ctx context.Context, key string, fields ...string) ([]string, error) {
	args := m.Called(ctx, key, fields)
	if vals, ok := args.Get(0).([]string); ok {
		return vals, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockStore) HSet(ctx context.Context, key, field, value string) error {
	args := m.Called(ctx, key, field, value)
	return args.Error(0)
}
func (m *MockStore) HSetNXPair(ctx context.Context, guardKey, guardField, guardValue, key, field, value string) (bool, error) {
	args := m.Called(ctx, guardKey, guardField, guardValue, key, field, value)
	return args.Bool(0), args.Error(1)
}
func (m *MockStore) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	args := m.Called(ctx, key, fields)
	return int64(args.Int(0)), args.Error(1)
}
func (m *MockStore) HLen(ctx context.Context, key string) (int64, error) {
	args := m.Called(ctx, key)
	return int64(args.Int(0)), args.Error(1)
}
func (m *MockStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	args := m.Called(ctx, key, score, member)
	return args.Error(0)
}
func (m *MockStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	args := m.Called(ctx, key, start, stop)
	if vals, ok := args.Get(0).([]string); ok {
		return vals, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockStore) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	args := m.Called(ctx, key, members)
	return int64(args.Int(0)), args.Error(1)
}
func (m *MockStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	args := m.Called(ctx, pattern)
	if keys, ok := args.Get(0).([]string); ok {
		return keys, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockStore) Del(ctx context.Context, keys ...string) (int64, error) {
	args := m.Called(ctx, keys)
	return int64(args.Int(0)), args.Error(1)
}
