package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/npezzotti/lobbyd/internal/store"
	"github.com/npezzotti/lobbyd/internal/types"
	"github.com/rs/zerolog"
)

const (
	DefaultHistoryLimit = 50
	DefaultRetention    = 24 * time.Hour
	DefaultClaimTTL     = time.Minute
)

type Options struct {
	// Retention is the sliding expiry of room metadata.
	Retention time.Duration
	// ClaimTTL is how long a create_room claim blocks a second creator of an
	// empty room.
	ClaimTTL     time.Duration
	HistoryLimit int
}

func (o Options) withDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = DefaultClaimTTL
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = DefaultHistoryLimit
	}
	return o
}

func usersKey(code string) string     { return "room:" + code + ":users" }
func usernamesKey(code string) string { return "room:" + code + ":usernames" }
func messagesKey(code string) string  { return "room:" + code + ":messages" }
func timelineKey(code string) string  { return "room:" + code + ":timeline" }
func infoKey(code string) string      { return "room:" + code + ":info" }
func claimKey(code string) string     { return "room:" + code + ":claim" }
func connKey(connId string) string    { return "conn:" + connId }

// roomKeys is the complete namespace of a room. Codes may contain ':', so
// room keys are never addressed by a prefix glob alone.
func roomKeys(code string) []string {
	return []string{
		usersKey(code),
		usernamesKey(code),
		messagesKey(code),
		timelineKey(code),
		infoKey(code),
		claimKey(code),
	}
}

func roomPattern(code string) string {
	return "room:" + store.EscapePattern(code) + ":*"
}

// RoomRepository implements Repository on top of a store.Store using the
// key layout room:<code>:{users,usernames,messages,timeline,info,claim}
// plus a conn:<connectionId> index pointing at the member's room.
type RoomRepository struct {
	store store.Store
	log   zerolog.Logger
	opts  Options
	now   func() time.Time
}

func NewRoomRepository(s store.Store, logger zerolog.Logger, opts Options) *RoomRepository {
	return &RoomRepository{
		store: s,
		log:   logger.With().Str("module", "repository").Logger(),
		opts:  opts.withDefaults(),
		now:   time.Now,
	}
}

func unavailable(op string, err error) error {
	return types.NewUnavailableError(op, err)
}

func (r *RoomRepository) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

// CreateRoomIfAbsent fails with a conflict when the room already has members
// or another connection claimed the code within ClaimTTL. The claim is a
// conditional write so two concurrent creators cannot both succeed. It only
// covers the window before the first join; AddUser drops it.
func (r *RoomRepository) CreateRoomIfAbsent(ctx context.Context, roomCode string) (types.RoomInfo, error) {
	n, err := r.store.HLen(ctx, usersKey(roomCode))
	if err != nil {
		return types.RoomInfo{}, unavailable("create room", err)
	}
	if n > 0 {
		return types.RoomInfo{}, types.NewConflictError("Room code already exists")
	}

	claimed, err := r.store.SetNX(ctx, claimKey(roomCode), strconv.FormatInt(r.now().UnixMilli(), 10), r.opts.ClaimTTL)
	if err != nil {
		return types.RoomInfo{}, unavailable("create room", err)
	}
	if !claimed {
		return types.RoomInfo{}, types.NewConflictError("Room code already exists")
	}

	return r.touch(ctx, roomCode, true)
}

// AddUser writes the name index and the membership record in one
// conditional step, so a display name can be taken by one connection only.
func (r *RoomRepository) AddUser(ctx context.Context, user types.User) error {
	if user.RoomCode == "" || user.DisplayName == "" || user.ConnectionId == "" {
		return types.NewValidationError("User is required")
	}

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}

	ok, err := r.store.HSetNXPair(ctx,
		usernamesKey(user.RoomCode), user.DisplayName, user.ConnectionId,
		usersKey(user.RoomCode), user.ConnectionId, string(data),
	)
	if err != nil {
		return unavailable("add user", err)
	}
	if !ok {
		return types.NewConflictError("User already in this room")
	}

	if err := r.store.SetEx(ctx, connKey(user.ConnectionId), user.RoomCode, r.opts.Retention); err != nil {
		// RemoveUser falls back to scanning rooms when the index is missing
		r.log.Warn().Err(err).Str("conn", user.ConnectionId).Msg("write connection index")
	}

	// membership guards creation from here on
	if _, err := r.store.Del(ctx, claimKey(user.RoomCode)); err != nil {
		r.log.Warn().Err(err).Str("room", user.RoomCode).Msg("release create claim")
	}

	return nil
}

// locate finds the room and membership record owned by connectionId.
func (r *RoomRepository) locate(ctx context.Context, connectionId string) (string, *types.User, error) {
	code, err := r.store.Get(ctx, connKey(connectionId))
	switch {
	case errors.Is(err, store.ErrNil):
		code, err = r.scanForConnection(ctx, connectionId)
		if err != nil {
			return "", nil, err
		}
	case err != nil:
		return "", nil, unavailable("locate user", err)
	}

	if code == "" {
		return "", nil, types.NewNotFoundError("User not found")
	}

	raw, err := r.store.HGet(ctx, usersKey(code), connectionId)
	if errors.Is(err, store.ErrNil) {
		return code, nil, types.NewNotFoundError("User not found")
	} else if err != nil {
		return "", nil, unavailable("locate user", err)
	}

	var u types.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		r.log.Error().Err(err).Str("conn", connectionId).Str("room", code).Msg("parse user")
		return code, nil, nil
	}

	return code, &u, nil
}

func (r *RoomRepository) scanForConnection(ctx context.Context, connectionId string) (string, error) {
	keys, err := r.store.Keys(ctx, "room:*:users")
	if err != nil {
		return "", unavailable("locate user", err)
	}

	for _, k := range keys {
		if _, err := r.store.HGet(ctx, k, connectionId); err == nil {
			return strings.TrimSuffix(strings.TrimPrefix(k, "room:"), ":users"), nil
		}
	}

	return "", nil
}

func (r *RoomRepository) GetUser(ctx context.Context, connectionId string) (*types.User, error) {
	_, u, err := r.locate(ctx, connectionId)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, types.NewNotFoundError("User not found")
	}
	return u, nil
}

// RemoveUser deletes the membership, name index and connection index entries
// for connectionId and returns the removed user.
func (r *RoomRepository) RemoveUser(ctx context.Context, connectionId string) (*types.User, error) {
	code, u, err := r.locate(ctx, connectionId)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			r.store.Del(ctx, connKey(connectionId))
		}
		return nil, err
	}

	if _, err := r.store.HDel(ctx, usersKey(code), connectionId); err != nil {
		return nil, unavailable("remove user", err)
	}

	if u != nil {
		// only release the name if it still points at this connection
		owner, err := r.store.HGet(ctx, usernamesKey(code), u.DisplayName)
		if err == nil && owner == connectionId {
			if _, err := r.store.HDel(ctx, usernamesKey(code), u.DisplayName); err != nil {
				r.log.Error().Err(err).Str("room", code).Str("user", u.DisplayName).Msg("release display name")
			}
		}
	} else {
		r.releaseNamesOwnedBy(ctx, code, connectionId)
	}

	if _, err := r.store.Del(ctx, connKey(connectionId)); err != nil {
		r.log.Warn().Err(err).Str("conn", connectionId).Msg("delete connection index")
	}

	if u == nil {
		return nil, types.NewNotFoundError("User not found")
	}
	return u, nil
}

// releaseNamesOwnedBy frees every display name indexed to connectionId. It
// is used when the membership record is unreadable and the name is unknown.
func (r *RoomRepository) releaseNamesOwnedBy(ctx context.Context, code, connectionId string) {
	names, err := r.store.HGetAll(ctx, usernamesKey(code))
	if err != nil {
		r.log.Error().Err(err).Str("room", code).Str("conn", connectionId).Msg("list display names")
		return
	}

	for name, owner := range names {
		if owner != connectionId {
			continue
		}
		if _, err := r.store.HDel(ctx, usernamesKey(code), name); err != nil {
			r.log.Error().Err(err).Str("room", code).Str("user", name).Msg("release display name")
		}
	}
}

func (r *RoomRepository) ListUsers(ctx context.Context, roomCode string) ([]types.User, error) {
	all, err := r.store.HGetAll(ctx, usersKey(roomCode))
	if err != nil {
		return []types.User{}, unavailable("list users", err)
	}

	users := make([]types.User, 0, len(all))
	for connId, raw := range all {
		var u types.User
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			r.log.Error().Err(err).Str("conn", connId).Str("room", roomCode).Msg("parse user")
			continue
		}
		users = append(users, u)
	}

	sort.Slice(users, func(i, j int) bool {
		if users[i].JoinedAt != users[j].JoinedAt {
			return users[i].JoinedAt < users[j].JoinedAt
		}
		return users[i].DisplayName < users[j].DisplayName
	})

	return users, nil
}

func (r *RoomRepository) UserNameTaken(ctx context.Context, roomCode, name string) (bool, error) {
	_, err := r.store.HGet(ctx, usernamesKey(roomCode), name)
	if errors.Is(err, store.ErrNil) {
		return false, nil
	} else if err != nil {
		return false, unavailable("check display name", err)
	}
	return true, nil
}

func (r *RoomRepository) AppendMessage(ctx context.Context, msg types.Message) error {
	if msg.RoomCode == "" || msg.MessageId == "" {
		return types.NewValidationError("Message room is required")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if err := r.store.HSet(ctx, messagesKey(msg.RoomCode), msg.MessageId, string(data)); err != nil {
		return unavailable("append message", err)
	}

	if err := r.store.ZAdd(ctx, timelineKey(msg.RoomCode), float64(msg.Timestamp), msg.MessageId); err != nil {
		if _, delErr := r.store.HDel(ctx, messagesKey(msg.RoomCode), msg.MessageId); delErr != nil {
			r.log.Error().Err(delErr).Str("message", msg.MessageId).Msg("roll back message body")
		}
		return unavailable("append message", err)
	}

	return nil
}

// ListMessages returns the most recent limit messages of a room in ascending
// timestamp order. A limit <= 0 selects the configured history limit.
func (r *RoomRepository) ListMessages(ctx context.Context, roomCode string, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = r.opts.HistoryLimit
	}

	ids, err := r.store.ZRange(ctx, timelineKey(roomCode), -int64(limit), -1)
	if err != nil {
		return []types.Message{}, unavailable("list messages", err)
	}
	if len(ids) == 0 {
		return []types.Message{}, nil
	}

	vals, err := r.store.HMGet(ctx, messagesKey(roomCode), ids...)
	if err != nil {
		return []types.Message{}, unavailable("list messages", err)
	}

	messages := make([]types.Message, 0, len(ids))
	for i, raw := range vals {
		if raw == "" {
			continue
		}

		var m types.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			r.log.Error().Err(err).Str("message", ids[i]).Str("room", roomCode).Msg("parse message")
			continue
		}
		messages = append(messages, m)
	}

	return messages, nil
}

func (r *RoomRepository) RemoveMessage(ctx context.Context, roomCode, messageId string) (bool, error) {
	n, err := r.store.HDel(ctx, messagesKey(roomCode), messageId)
	if err != nil {
		return false, unavailable("remove message", err)
	}

	if _, err := r.store.ZRem(ctx, timelineKey(roomCode), messageId); err != nil {
		return false, unavailable("remove message", err)
	}

	r.log.Info().Str("room", roomCode).Str("message", messageId).Bool("found", n > 0).Msg("removed message")
	return n > 0, nil
}

// TouchRoomInfo recomputes the user count from the membership hash, refreshes
// lastActivity and re-persists the record with a sliding expiry. It is the
// only way room metadata changes.
func (r *RoomRepository) TouchRoomInfo(ctx context.Context, roomCode string) (types.RoomInfo, error) {
	return r.touch(ctx, roomCode, false)
}

func (r *RoomRepository) touch(ctx context.Context, roomCode string, fresh bool) (types.RoomInfo, error) {
	now := r.now().UnixMilli()
	info := types.RoomInfo{
		RoomCode:     roomCode,
		CreatedAt:    now,
		LastActivity: now,
	}

	n, err := r.store.HLen(ctx, usersKey(roomCode))
	if err != nil {
		return info, unavailable("touch room", err)
	}
	info.UserCount = int(n)

	if !fresh {
		if existing, err := r.RoomInfo(ctx, roomCode); err != nil {
			return info, err
		} else if existing != nil && existing.CreatedAt > 0 {
			info.CreatedAt = existing.CreatedAt
		}
	}

	data, err := json.Marshal(info)
	if err != nil {
		return info, fmt.Errorf("marshal room info: %w", err)
	}

	if err := r.store.SetEx(ctx, infoKey(roomCode), string(data), r.opts.Retention); err != nil {
		return info, unavailable("touch room", err)
	}

	return info, nil
}

// RoomInfo returns nil when the room has no metadata. Unparseable records
// are treated as missing.
func (r *RoomRepository) RoomInfo(ctx context.Context, roomCode string) (*types.RoomInfo, error) {
	raw, err := r.store.Get(ctx, infoKey(roomCode))
	if errors.Is(err, store.ErrNil) {
		return nil, nil
	} else if err != nil {
		return nil, unavailable("get room info", err)
	}

	var info types.RoomInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		r.log.Warn().Err(err).Str("room", roomCode).Msg("unparseable room info, treating as missing")
		return nil, nil
	}

	return &info, nil
}

// RoomKeys lists the keys that currently exist in the room namespace. Keys
// of other rooms whose code shares the prefix are filtered out.
func (r *RoomRepository) RoomKeys(ctx context.Context, roomCode string) ([]string, error) {
	found, err := r.store.Keys(ctx, roomPattern(roomCode))
	if err != nil {
		return nil, unavailable("list room keys", err)
	}

	owned := roomKeys(roomCode)
	keys := make([]string, 0, len(owned))
	for _, k := range found {
		if slices.Contains(owned, k) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// DeleteRoom removes the room namespace and the connection index entries of
// its members. It is not atomic: a failure part way leaves keys behind until
// their retention expires.
func (r *RoomRepository) DeleteRoom(ctx context.Context, roomCode string) (int, error) {
	members, err := r.store.HGetAll(ctx, usersKey(roomCode))
	if err != nil {
		r.log.Warn().Err(err).Str("room", roomCode).Msg("list members before delete")
	}

	n, err := r.store.Del(ctx, roomKeys(roomCode)...)
	if err != nil {
		return 0, types.NewPartialFailureError("delete room keys", err)
	}

	if n == 0 {
		r.log.Info().Str("room", roomCode).Msg("no keys found for room")
	}

	for connId := range members {
		// the connection may already belong to another room
		code, err := r.store.Get(ctx, connKey(connId))
		if err != nil || code != roomCode {
			continue
		}
		if _, err := r.store.Del(ctx, connKey(connId)); err != nil {
			r.log.Warn().Err(err).Str("conn", connId).Msg("delete connection index")
		}
	}

	r.log.Info().Str("room", roomCode).Int64("keys", n).Msg("deleted room")
	return int(n), nil
}
