package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/lobbyd/internal/types"
	"golang.org/x/sync/errgroup"
)

const statusTimeout = 3 * time.Second

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type StoreStatusResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

type DebugRoomResponse struct {
	RoomCode         string          `json:"roomCode"`
	Keys             []string        `json:"keys"`
	Users            []types.User    `json:"users"`
	UserCount        int             `json:"userCount"`
	MessageIds       []string        `json:"messageIds"`
	MessageCount     int             `json:"messageCount"`
	RoomInfo         *types.RoomInfo `json:"roomInfo"`
	Phase            types.Phase     `json:"phase"`
	BoundConnections int             `json:"boundConnections"`
	Timestamp        string          `json:"timestamp"`
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (s *LobbyApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *LobbyApp) healthCheck(w http.ResponseWriter, _ *http.Request) {
	s.writeJson(w, http.StatusOK, HealthResponse{Status: "ok", Timestamp: timestamp()})
}

func (s *LobbyApp) storeStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()

	if err := s.repo.Ping(ctx); err != nil {
		s.log.Error().Err(err).Msg("store ping")
		s.writeJson(w, http.StatusServiceUnavailable, StoreStatusResponse{
			Status:    "error",
			Message:   "store connection failed, user and message storage unavailable",
			Error:     err.Error(),
			Timestamp: timestamp(),
		})
		return
	}

	s.writeJson(w, http.StatusOK, StoreStatusResponse{
		Status:    "connected",
		Message:   "store connected, storing users and messages",
		Timestamp: timestamp(),
	})
}

func (s *LobbyApp) debugRoom(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(r.PathValue("roomCode"))
	if code == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	resp := DebugRoomResponse{RoomCode: code}

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		resp.Keys, err = s.repo.RoomKeys(ctx, code)
		return err
	})
	g.Go(func() error {
		var err error
		resp.Users, err = s.repo.ListUsers(ctx, code)
		return err
	})
	g.Go(func() error {
		messages, err := s.repo.ListMessages(ctx, code, 0)
		if err != nil {
			return err
		}
		resp.MessageIds = make([]string, 0, len(messages))
		for _, m := range messages {
			resp.MessageIds = append(resp.MessageIds, m.MessageId)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		resp.RoomInfo, err = s.repo.RoomInfo(ctx, code)
		return err
	})

	if err := g.Wait(); err != nil {
		s.log.Error().Err(err).Str("room", code).Msg("debug room")
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	resp.BoundConnections = s.cs.BoundConnections(code)
	if len(resp.Keys) == 0 && resp.BoundConnections == 0 {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if resp.Users == nil {
		resp.Users = []types.User{}
	}
	resp.UserCount = len(resp.Users)
	resp.MessageCount = len(resp.MessageIds)
	resp.Phase = s.cs.RoomPhase(code)
	resp.Timestamp = timestamp()

	w.Header().Set("Cache-Control", "no-store")
	s.writeJson(w, http.StatusOK, resp)
}

func (s *LobbyApp) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// non-browser clients send no origin
		return true
	}

	return slices.Contains(s.allowedOrigins, "*") || slices.Contains(s.allowedOrigins, origin)
}

func (s *LobbyApp) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("error upgrading connection")
		return
	}

	client := s.cs.NewClient(uuid.NewString(), conn)
	if err := s.cs.Register(client); err != nil {
		s.log.Error().Err(err).Str("conn", client.Id()).Msg("register connection")
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
