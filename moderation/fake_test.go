// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package moderation_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/warden-community/warden/lib/ref"
	"github.com/warden-community/warden/lib/store"
	"github.com/warden-community/warden/messaging"
)

// fakeSession is an in-memory homeserver model implementing
// messaging.Session. State is keyed by (event type, state key) per
// room; mutating calls (ban, kick, redact) are recorded and reflected
// back into the state map so that follow-up reads see the effect.
type fakeSession struct {
	userID ref.UserID

	mu            sync.Mutex
	state         map[ref.RoomID]map[stateKey]map[string]any
	timeline      map[ref.RoomID][]messaging.Event
	joinedRooms   map[ref.RoomID]bool
	joinedMembers map[ref.RoomID]map[ref.UserID]messaging.JoinedMember
	aliases       map[string]ref.RoomID

	bans       []memberCall
	kicks      []memberCall
	unbans     []memberCall
	redactions []redactCall
	messages   []messageCall
	invites    []memberCall
	left       []ref.RoomID
	created    []messaging.CreateRoomRequest
	counter    int

	// Injected failures.
	banErr     map[ref.RoomID]error
	redactErr  map[ref.EventID]error
	stateErr   map[ref.RoomID]error
	messageErr map[ref.RoomID]error
	createErr  error
}

// alice is the well-behaved user most tests act on.
var alice = ref.MustParseUserID("@alice:test.local")

// testTime is the fixed instant fake clocks start from.
func testTime() time.Time { return time.Unix(1700000000, 0) }

type stateKey struct {
	Type ref.EventType
	Key  string
}

type memberCall struct {
	Room ref.RoomID
	User ref.UserID
}

type redactCall struct {
	Room    ref.RoomID
	EventID ref.EventID
	Reason  string
}

type messageCall struct {
	Room    ref.RoomID
	Content messaging.MessageContent
}

func newFakeSession(userID string) *fakeSession {
	return &fakeSession{
		userID:        ref.MustParseUserID(userID),
		state:         make(map[ref.RoomID]map[stateKey]map[string]any),
		timeline:      make(map[ref.RoomID][]messaging.Event),
		joinedRooms:   make(map[ref.RoomID]bool),
		joinedMembers: make(map[ref.RoomID]map[ref.UserID]messaging.JoinedMember),
		aliases:       make(map[string]ref.RoomID),
		banErr:        make(map[ref.RoomID]error),
		redactErr:     make(map[ref.EventID]error),
		stateErr:      make(map[ref.RoomID]error),
		messageErr:    make(map[ref.RoomID]error),
	}
}

func notFoundErr() error {
	return &messaging.MatrixError{Code: messaging.ErrCodeNotFound, Message: "not found", StatusCode: 404}
}

func limitExceededErr() error {
	return &messaging.MatrixError{Code: messaging.ErrCodeLimitExceeded, Message: "slow down", RetryAfterMS: 1000, StatusCode: 429}
}

func forbiddenErr() error {
	return &messaging.MatrixError{Code: messaging.ErrCodeForbidden, Message: "forbidden", StatusCode: 403}
}

// timelineMessage builds an m.room.message timeline event for the fake
// session's message history.
func timelineMessage(eventID string, sender ref.UserID, body string) messaging.Event {
	return messaging.Event{
		EventID: ref.MustParseEventID(eventID),
		Type:    "m.room.message",
		Sender:  sender,
		Content: map[string]any{"msgtype": "m.text", "body": body},
	}
}

// setState installs state content, normalizing through JSON so that
// typed and raw content behave identically.
func (f *fakeSession) setState(room ref.RoomID, eventType ref.EventType, key string, content any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setStateLocked(room, eventType, key, content)
}

func (f *fakeSession) setStateLocked(room ref.RoomID, eventType ref.EventType, key string, content any) {
	raw, err := json.Marshal(content)
	if err != nil {
		panic(fmt.Sprintf("fakeSession.setState: %v", err))
	}
	var normalized map[string]any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		panic(fmt.Sprintf("fakeSession.setState: %v", err))
	}
	if f.state[room] == nil {
		f.state[room] = make(map[stateKey]map[string]any)
	}
	f.state[room][stateKey{eventType, key}] = normalized
}

// addSpaceChild links a child into a parent space with a routing
// server, as warden's topology resolution requires.
func (f *fakeSession) addSpaceChild(parent, child ref.RoomID) {
	f.setState(parent, "m.space.child", child.String(), map[string]any{
		"via": []string{"test.local"},
	})
}

func (f *fakeSession) setMembership(room ref.RoomID, user ref.UserID, membership string) {
	f.setState(room, "m.room.member", user.String(), map[string]any{
		"membership": membership,
	})
}

func (f *fakeSession) joinRoom(room ref.RoomID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joinedRooms[room] = true
}

func (f *fakeSession) stateContent(room ref.RoomID, eventType ref.EventType, key string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state[room][stateKey{eventType, key}]
}

func (f *fakeSession) UserID() ref.UserID { return f.userID }
func (f *fakeSession) Close() error       { return nil }

func (f *fakeSession) WhoAmI(ctx context.Context) (ref.UserID, error) {
	return f.userID, nil
}

func (f *fakeSession) ResolveAlias(ctx context.Context, alias ref.RoomAlias) (ref.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	roomID, ok := f.aliases[alias.String()]
	if !ok {
		return ref.RoomID{}, notFoundErr()
	}
	return roomID, nil
}

func (f *fakeSession) GetStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, key string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stateErr[roomID]; err != nil {
		return nil, err
	}
	content, ok := f.state[roomID][stateKey{eventType, key}]
	if !ok {
		return nil, notFoundErr()
	}
	return json.Marshal(content)
}

func (f *fakeSession) GetRoomState(ctx context.Context, roomID ref.RoomID) ([]messaging.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stateErr[roomID]; err != nil {
		return nil, err
	}
	var events []messaging.Event
	for key, content := range f.state[roomID] {
		key := key
		events = append(events, messaging.Event{
			Type:     key.Type,
			StateKey: &key.Key,
			Content:  content,
			RoomID:   roomID,
		})
	}
	return events, nil
}

func (f *fakeSession) SendStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, key string, content any) (ref.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setStateLocked(roomID, eventType, key, content)
	return f.nextEventIDLocked(), nil
}

func (f *fakeSession) SendEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (ref.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextEventIDLocked(), nil
}

func (f *fakeSession) SendMessage(ctx context.Context, roomID ref.RoomID, content messaging.MessageContent) (ref.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.messageErr[roomID]; err != nil {
		return ref.EventID{}, err
	}
	f.messages = append(f.messages, messageCall{Room: roomID, Content: content})
	return f.nextEventIDLocked(), nil
}

func (f *fakeSession) CreateRoom(ctx context.Context, request messaging.CreateRoomRequest) (*messaging.CreateRoomResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, request)
	f.counter++
	roomID := ref.MustParseRoomID(fmt.Sprintf("!dm%d:test.local", f.counter))
	f.joinedRooms[roomID] = true
	return &messaging.CreateRoomResponse{RoomID: roomID}, nil
}

func (f *fakeSession) InviteUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites = append(f.invites, memberCall{Room: roomID, User: userID})
	return nil
}

func (f *fakeSession) JoinRoom(ctx context.Context, roomID ref.RoomID) (ref.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joinedRooms[roomID] = true
	return roomID, nil
}

func (f *fakeSession) LeaveRoom(ctx context.Context, roomID ref.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, roomID)
	delete(f.joinedRooms, roomID)
	return nil
}

func (f *fakeSession) JoinedRooms(ctx context.Context) ([]ref.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rooms := make([]ref.RoomID, 0, len(f.joinedRooms))
	for roomID := range f.joinedRooms {
		rooms = append(rooms, roomID)
	}
	return rooms, nil
}

func (f *fakeSession) GetJoinedMembers(ctx context.Context, roomID ref.RoomID) (map[ref.UserID]messaging.JoinedMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	members := make(map[ref.UserID]messaging.JoinedMember, len(f.joinedMembers[roomID]))
	for user, member := range f.joinedMembers[roomID] {
		members[user] = member
	}
	return members, nil
}

func (f *fakeSession) GetRoomMembers(ctx context.Context, roomID ref.RoomID) ([]messaging.RoomMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var members []messaging.RoomMember
	for key, content := range f.state[roomID] {
		if key.Type != "m.room.member" {
			continue
		}
		user, err := ref.ParseUserID(key.Key)
		if err != nil {
			continue
		}
		membership, _ := content["membership"].(string)
		members = append(members, messaging.RoomMember{UserID: user, Membership: membership})
	}
	return members, nil
}

func (f *fakeSession) KickUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicks = append(f.kicks, memberCall{Room: roomID, User: userID})
	f.setStateLocked(roomID, "m.room.member", userID.String(), map[string]any{"membership": "leave"})
	return nil
}

func (f *fakeSession) BanUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.banErr[roomID]; err != nil {
		return err
	}
	f.bans = append(f.bans, memberCall{Room: roomID, User: userID})
	f.setStateLocked(roomID, "m.room.member", userID.String(), map[string]any{"membership": "ban"})
	return nil
}

func (f *fakeSession) UnbanUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unbans = append(f.unbans, memberCall{Room: roomID, User: userID})
	f.setStateLocked(roomID, "m.room.member", userID.String(), map[string]any{"membership": "leave"})
	return nil
}

func (f *fakeSession) RedactEvent(ctx context.Context, roomID ref.RoomID, eventID ref.EventID, reason string) (ref.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.redactErr[eventID]; err != nil {
		return ref.EventID{}, err
	}
	f.redactions = append(f.redactions, redactCall{Room: roomID, EventID: eventID, Reason: reason})
	return f.nextEventIDLocked(), nil
}

func (f *fakeSession) GetDisplayName(ctx context.Context, userID ref.UserID) (string, error) {
	return "", nil
}

func (f *fakeSession) RoomMessages(ctx context.Context, roomID ref.RoomID, options messaging.RoomMessagesOptions) (*messaging.RoomMessagesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chunk := f.timeline[roomID]
	if options.Limit > 0 && len(chunk) > options.Limit {
		chunk = chunk[:options.Limit]
	}
	return &messaging.RoomMessagesResponse{Chunk: chunk}, nil
}

func (f *fakeSession) Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error) {
	return &messaging.SyncResponse{}, nil
}

func (f *fakeSession) nextEventIDLocked() ref.EventID {
	f.counter++
	return ref.MustParseEventID(fmt.Sprintf("$event%d:test.local", f.counter))
}

var _ messaging.Session = (*fakeSession)(nil)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{
		Path:     filepath.Join(t.TempDir(), "warden.db"),
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}
