// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/warden-community/warden/lib/ref"
)

// newTestSession creates a DirectSession backed by an httptest server
// running the given handler. Both are torn down when the test completes.
func newTestSession(t *testing.T, handler http.HandlerFunc) *DirectSession {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	session, err := client.SessionFromToken(ref.MustParseUserID("@warden:test.local"), "syt_token")
	if err != nil {
		t.Fatalf("SessionFromToken failed: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func TestBanUser(t *testing.T) {
	room := ref.MustParseRoomID("!room:test.local")
	target := ref.MustParseUserID("@spammer:test.local")

	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", request.Method)
		}
		if request.URL.Path != "/_matrix/client/v3/rooms/!room:test.local/ban" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		if got := request.Header.Get("Authorization"); got != "Bearer syt_token" {
			t.Errorf("unexpected authorization header: %s", got)
		}

		var body BanRequest
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}
		if body.UserID != target {
			t.Errorf("unexpected user: %s", body.UserID)
		}
		if body.Reason != "policy match" {
			t.Errorf("unexpected reason: %s", body.Reason)
		}

		writer.Header().Set("Content-Type", "application/json")
		writer.Write([]byte("{}"))
	})

	if err := session.BanUser(context.Background(), room, target, "policy match"); err != nil {
		t.Fatalf("BanUser failed: %v", err)
	}
}

func TestUnbanUser(t *testing.T) {
	room := ref.MustParseRoomID("!room:test.local")
	target := ref.MustParseUserID("@pardoned:test.local")

	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/client/v3/rooms/!room:test.local/unban" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		var body UnbanRequest
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}
		if body.UserID != target {
			t.Errorf("unexpected user: %s", body.UserID)
		}
		writer.Header().Set("Content-Type", "application/json")
		writer.Write([]byte("{}"))
	})

	if err := session.UnbanUser(context.Background(), room, target); err != nil {
		t.Fatalf("UnbanUser failed: %v", err)
	}
}

func TestRedactEvent(t *testing.T) {
	room := ref.MustParseRoomID("!room:test.local")
	event := ref.MustParseEventID("$offending")

	var paths []string
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPut {
			t.Errorf("unexpected method: %s", request.Method)
		}
		paths = append(paths, request.URL.Path)

		var body RedactRequest
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}
		if body.Reason != "flagged" {
			t.Errorf("unexpected reason: %s", body.Reason)
		}

		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(SendEventResponse{EventID: ref.MustParseEventID("$redaction")})
	})

	redactionID, err := session.RedactEvent(context.Background(), room, event, "flagged")
	if err != nil {
		t.Fatalf("RedactEvent failed: %v", err)
	}
	if redactionID.String() != "$redaction" {
		t.Errorf("unexpected redaction event ID: %s", redactionID)
	}
	if _, err := session.RedactEvent(context.Background(), room, event, "flagged"); err != nil {
		t.Fatalf("RedactEvent (second) failed: %v", err)
	}

	prefix := "/_matrix/client/v3/rooms/!room:test.local/redact/$offending/warden-"
	for _, path := range paths {
		if !strings.HasPrefix(path, prefix) {
			t.Errorf("path %q does not have prefix %q", path, prefix)
		}
	}
	// Transaction IDs must differ across calls: each redaction is a
	// distinct idempotent operation.
	if len(paths) != 2 || paths[0] == paths[1] {
		t.Errorf("expected two distinct transaction paths, got %v", paths)
	}
}

func TestGetJoinedMembers(t *testing.T) {
	room := ref.MustParseRoomID("!room:test.local")

	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/client/v3/rooms/!room:test.local/joined_members" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		writer.Header().Set("Content-Type", "application/json")
		writer.Write([]byte(`{
			"joined": {
				"@alice:test.local": {"display_name": "Alice"},
				"@bob:test.local": {}
			}
		}`))
	})

	members, err := session.GetJoinedMembers(context.Background(), room)
	if err != nil {
		t.Fatalf("GetJoinedMembers failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("got %d members, want 2", len(members))
	}
	alice := ref.MustParseUserID("@alice:test.local")
	if members[alice].DisplayName != "Alice" {
		t.Errorf("unexpected display name: %q", members[alice].DisplayName)
	}
}

func TestSyncParsesRoomSections(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/client/v3/sync" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		if got := request.URL.Query().Get("since"); got != "batch-1" {
			t.Errorf("unexpected since token: %q", got)
		}
		if got := request.URL.Query().Get("timeout"); got != "30000" {
			t.Errorf("unexpected timeout: %q", got)
		}
		writer.Header().Set("Content-Type", "application/json")
		writer.Write([]byte(`{
			"next_batch": "batch-2",
			"rooms": {
				"join": {
					"!room:test.local": {
						"timeline": {
							"events": [{
								"event_id": "$msg",
								"type": "m.room.message",
								"sender": "@alice:test.local",
								"origin_server_ts": 1700000000000,
								"content": {"msgtype": "m.text", "body": "hello"}
							}]
						}
					}
				}
			}
		}`))
	})

	response, err := session.Sync(context.Background(), SyncOptions{
		Since:      "batch-1",
		Timeout:    30000,
		SetTimeout: true,
	})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if response.NextBatch != "batch-2" {
		t.Errorf("unexpected next_batch: %s", response.NextBatch)
	}

	room := ref.MustParseRoomID("!room:test.local")
	joined, ok := response.Rooms.Join[room]
	if !ok {
		t.Fatal("joined room missing from sync response")
	}
	if len(joined.Timeline.Events) != 1 {
		t.Fatalf("got %d timeline events, want 1", len(joined.Timeline.Events))
	}
	event := joined.Timeline.Events[0]
	if event.Type != "m.room.message" {
		t.Errorf("unexpected event type: %s", event.Type)
	}
	if event.Sender.String() != "@alice:test.local" {
		t.Errorf("unexpected sender: %s", event.Sender)
	}
}

func TestGetStateEventNotFound(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, _ *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusNotFound)
		json.NewEncoder(writer).Encode(MatrixError{
			Code:    ErrCodeNotFound,
			Message: "Event not found.",
		})
	})

	_, err := session.GetStateEvent(context.Background(),
		ref.MustParseRoomID("!room:test.local"), "m.room.power_levels", "")
	if err == nil {
		t.Fatal("expected error for missing state event")
	}
	if !IsMatrixError(err, ErrCodeNotFound) {
		t.Errorf("expected M_NOT_FOUND, got: %v", err)
	}
}

func TestRateLimitSurfacesRetryAfter(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, _ *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusTooManyRequests)
		writer.Write([]byte(`{
			"errcode": "M_LIMIT_EXCEEDED",
			"error": "Too Many Requests",
			"retry_after_ms": 1500
		}`))
	})

	err := session.BanUser(context.Background(),
		ref.MustParseRoomID("!room:test.local"),
		ref.MustParseUserID("@spammer:test.local"), "")
	if !IsMatrixError(err, ErrCodeLimitExceeded) {
		t.Fatalf("expected M_LIMIT_EXCEEDED, got: %v", err)
	}
	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) {
		t.Fatal("error is not a MatrixError")
	}
	if matrixErr.RetryAfterMS != 1500 {
		t.Errorf("RetryAfterMS = %d, want 1500", matrixErr.RetryAfterMS)
	}
	if matrixErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d, want 429", matrixErr.StatusCode)
	}
}

func TestGetState(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/client/v3/rooms/!room:test.local/state/m.room.power_levels/" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		writer.Header().Set("Content-Type", "application/json")
		writer.Write([]byte(`{
			"users": {"@warden:test.local": 100, "@alice:test.local": 50},
			"users_default": 0,
			"ban": 50
		}`))
	})

	levels, err := GetState[PowerLevelsContent](context.Background(), session,
		ref.MustParseRoomID("!room:test.local"), "m.room.power_levels", "")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if levels.Users["@warden:test.local"] != 100 {
		t.Errorf("unexpected warden level: %d", levels.Users["@warden:test.local"])
	}
	if levels.Ban != 50 {
		t.Errorf("unexpected ban level: %d", levels.Ban)
	}
}

func TestResolveRoom(t *testing.T) {
	t.Run("room ID passes through", func(t *testing.T) {
		session := newTestSession(t, func(http.ResponseWriter, *http.Request) {
			t.Error("no request expected for a room ID")
		})
		roomID, err := ResolveRoom(context.Background(), session, "!direct:test.local")
		if err != nil {
			t.Fatalf("ResolveRoom failed: %v", err)
		}
		if roomID.String() != "!direct:test.local" {
			t.Errorf("unexpected room ID: %s", roomID)
		}
	})

	t.Run("alias is resolved", func(t *testing.T) {
		session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
			if request.URL.Path != "/_matrix/client/v3/directory/room/#community:test.local" {
				t.Errorf("unexpected path: %s", request.URL.Path)
			}
			writer.Header().Set("Content-Type", "application/json")
			json.NewEncoder(writer).Encode(ResolveAliasResponse{
				RoomID: ref.MustParseRoomID("!resolved:test.local"),
			})
		})
		roomID, err := ResolveRoom(context.Background(), session, "#community:test.local")
		if err != nil {
			t.Fatalf("ResolveRoom failed: %v", err)
		}
		if roomID.String() != "!resolved:test.local" {
			t.Errorf("unexpected room ID: %s", roomID)
		}
	})

	t.Run("garbage is rejected", func(t *testing.T) {
		session := newTestSession(t, func(http.ResponseWriter, *http.Request) {})
		if _, err := ResolveRoom(context.Background(), session, "not-a-room"); err == nil {
			t.Error("expected error for malformed room reference")
		}
	})
}
