package internal

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func eventTypes(events []map[string]any) []string {
	types := make([]string, 0, len(events))
	for _, ev := range events {
		name, _ := ev["type"].(string)
		types = append(types, name)
	}
	return types
}

func TestCreateRoom(t *testing.T) {
	e := newTestEngine(t)
	alice, aliceID := connectUser(t, e, "alice")

	send(t, e, aliceID, map[string]any{"type": "create_room", "room": "dev"})
	require.Equal(t, []string{"room_created", "presence"}, eventTypes(alice.events(t)))

	created := alice.typed(t, "room_created")[0]
	require.Equal(t, "dev", created["room"])
	require.Equal(t, "dev", created["title"])
	require.Equal(t, "alice", created["owner"])
	require.Equal(t, true, created["public"])
	require.Equal(t, false, created["dm"])

	send(t, e, aliceID, map[string]any{"type": "create_room", "room": "dev"})
	require.Equal(t, "room already exists", alice.lastError(t))

	send(t, e, aliceID, map[string]any{"type": "create_room", "room": "   "})
	require.Equal(t, "room name is required", alice.lastError(t))
}

func TestJoinEventOrder(t *testing.T) {
	e := newTestEngine(t)
	_, aliceID := connectUser(t, e, "alice")
	bob, bobID := connectUser(t, e, "bob")

	send(t, e, aliceID, map[string]any{"type": "create_room", "room": "dev"})
	bob.reset()
	send(t, e, bobID, map[string]any{"type": "join", "room": "dev"})

	events := bob.events(t)
	require.Equal(t, []string{"joined", "history", "room_info", "presence"}, eventTypes(events))
	require.Equal(t, "dev", events[0]["room"])
	require.Empty(t, events[1]["items"])
	require.Equal(t, "dev", events[2]["title"])
	require.Equal(t, "dev", events[3]["room"])

	send(t, e, bobID, map[string]any{"type": "join", "room": "nowhere"})
	require.Equal(t, "no such room", bob.lastError(t))
}

func TestTextFanout(t *testing.T) {
	e := newTestEngine(t)
	alice, aliceID := connectUser(t, e, "alice")
	bob, bobID := connectUser(t, e, "bob")

	send(t, e, aliceID, map[string]any{"type": "create_room", "room": "dev"})
	send(t, e, bobID, map[string]any{"type": "join", "room": "dev"})
	alice.reset()
	bob.reset()

	send(t, e, aliceID, map[string]any{"type": "text", "room": "dev", "text": "hello there"})

	for _, conn := range []*fakeConn{alice, bob} {
		msgs := conn.typed(t, "text")
		require.Len(t, msgs, 1)
		m := msgs[0]
		require.Equal(t, float64(1), m["id"])
		require.Equal(t, "dev", m["room"])
		require.Equal(t, "alice", m["from"])
		require.Equal(t, "hello there", m["text"])
		require.Equal(t, map[string]any{}, m["reactions"])
	}

	send(t, e, bobID, map[string]any{"type": "text", "room": "dev", "text": "hi"})
	msgs := alice.typed(t, "text")
	require.Len(t, msgs, 2)
	require.Equal(t, float64(2), msgs[1]["id"])

	send(t, e, aliceID, map[string]any{"type": "text", "room": "dev", "text": "   "})
	require.Equal(t, "room and text are required", alice.lastError(t))
}

func TestPrivateRoomInviteFlow(t *testing.T) {
	e := newTestEngine(t)
	alice, aliceID := connectUser(t, e, "alice")
	bob, bobID := connectUser(t, e, "bob")
	carol, carolID := connectUser(t, e, "carol")

	send(t, e, aliceID, map[string]any{"type": "create_room", "room": "secret", "public": false})

	send(t, e, bobID, map[string]any{"type": "join", "room": "secret"})
	require.Equal(t, "room is private, invite required", bob.lastError(t))

	send(t, e, bobID, map[string]any{"type": "invite", "room": "secret", "user": "carol"})
	require.Equal(t, "only the room owner can invite", bob.lastError(t))

	send(t, e, aliceID, map[string]any{"type": "invite", "room": "secret", "user": ""})
	require.Equal(t, "no user to invite", alice.lastError(t))

	send(t, e, aliceID, map[string]any{"type": "invite", "room": "nowhere", "user": "bob"})
	require.Equal(t, "no such room", alice.lastError(t))

	send(t, e, aliceID, map[string]any{"type": "invite", "room": "secret", "user": "bob"})
	invites := alice.typed(t, "invited")
	require.Len(t, invites, 1)
	require.Equal(t, "secret", invites[0]["room"])
	require.Equal(t, "bob", invites[0]["user"])

	bob.reset()
	send(t, e, bobID, map[string]any{"type": "join", "room": "secret"})
	require.Equal(t, []string{"joined", "history", "room_info", "presence"}, eventTypes(bob.events(t)))

	send(t, e, carolID, map[string]any{"type": "join", "room": "secret"})
	require.Equal(t, "room is private, invite required", carol.lastError(t))
}

func TestJoinPrivateRoomAsOwner(t *testing.T) {
	e := newTestEngine(t)
	alice, aliceID := connectUser(t, e, "alice")
	e.SeedRoom("ops", "alice", false)

	send(t, e, aliceID, map[string]any{"type": "join", "room": "ops"})
	require.NotEmpty(t, alice.typed(t, "joined"), "the owner joins without an invite")
}

func TestListRoomsVisibility(t *testing.T) {
	e := newTestEngine(t)
	alice, aliceID := connectUser(t, e, "alice")
	bob, bobID := connectUser(t, e, "bob")
	carol, carolID := connectUser(t, e, "carol")

	send(t, e, aliceID, map[string]any{"type": "create_room", "room": "dev"})
	send(t, e, aliceID, map[string]any{"type": "create_room", "room": "secret", "public": false})
	send(t, e, aliceID, map[string]any{"type": "dm_open", "user": "bob"})

	carol.reset()
	send(t, e, carolID, map[string]any{"type": "list_rooms"})
	listing := carol.typed(t, "rooms")
	require.Len(t, listing, 1)
	items := listing[0]["items"].([]any)
	require.Len(t, items, 1, "strangers see public rooms only")
	require.Equal(t, "dev", items[0].(map[string]any)["room"])

	send(t, e, aliceID, map[string]any{"type": "invite", "room": "secret", "user": "carol"})
	carol.reset()
	send(t, e, carolID, map[string]any{"type": "list_rooms"})
	items = carol.typed(t, "rooms")[0]["items"].([]any)
	require.Len(t, items, 2, "an invite makes the private room visible")

	alice.reset()
	send(t, e, aliceID, map[string]any{"type": "list_rooms"})
	items = alice.typed(t, "rooms")[0]["items"].([]any)
	require.Len(t, items, 3)

	// sorted by room key, dm:* entries after the plain names
	var names []string
	var dmTitle string
	for _, item := range items {
		entry := item.(map[string]any)
		names = append(names, entry["room"].(string))
		if entry["dm"] == true {
			dmTitle = entry["title"].(string)
		}
	}
	require.Equal(t, []string{"dev", dmID("alice", "bob"), "secret"}, names)
	require.Equal(t, "bob", dmTitle)

	// the other participant sees the same DM under their own title
	bob.reset()
	send(t, e, bobID, map[string]any{"type": "list_rooms"})
	items = bob.typed(t, "rooms")[0]["items"].([]any)
	require.Len(t, items, 2)
	for _, item := range items {
		entry := item.(map[string]any)
		if entry["dm"] == true {
			require.Equal(t, "alice", entry["title"])
		}
	}
}

func TestDMOpen(t *testing.T) {
	e := newTestEngine(t)
	alice, aliceID := connectUser(t, e, "alice")
	bob, _ := connectUser(t, e, "bob")
	alice.reset()

	send(t, e, aliceID, map[string]any{"type": "dm_open", "user": "bob"})

	events := alice.events(t)
	require.Equal(t, []string{"room_created", "joined", "history", "room_info", "presence"}, eventTypes(events))
	created := events[0]
	require.Equal(t, dmID("alice", "bob"), created["room"])
	require.Equal(t, "bob", created["title"], "the caller sees the counterpart as title")
	require.Equal(t, true, created["dm"])
	require.Equal(t, false, created["public"])

	// both participants count as members straight away
	presence := events[4]
	statuses := map[string]string{}
	for _, u := range presence["users"].([]any) {
		entry := u.(map[string]any)
		statuses[entry["name"].(string)] = entry["status"].(string)
	}
	require.Equal(t, map[string]string{"alice": "online", "bob": "online"}, statuses)

	// the target hears the room presence and its own view of the new room
	require.Equal(t, []string{"presence", "room_created"}, eventTypes(bob.events(t)))
	targetView := bob.typed(t, "room_created")[0]
	require.Equal(t, "alice", targetView["title"])
	require.Equal(t, true, targetView["dm"])

	send(t, e, aliceID, map[string]any{"type": "dm_open", "user": "alice"})
	require.Equal(t, "cannot message yourself", alice.lastError(t))

	send(t, e, aliceID, map[string]any{"type": "dm_open"})
	require.Equal(t, "no user specified", alice.lastError(t))
}

func TestDMOpenOfflineTarget(t *testing.T) {
	e := newTestEngine(t)
	alice, aliceID := connectUser(t, e, "alice")

	// the target does not have to exist yet
	send(t, e, aliceID, map[string]any{"type": "dm_open", "user": "ghost"})
	require.Empty(t, alice.typed(t, "error"))

	presence := alice.typed(t, "presence")
	require.NotEmpty(t, presence)
	statuses := map[string]string{}
	for _, u := range presence[len(presence)-1]["users"].([]any) {
		entry := u.(map[string]any)
		statuses[entry["name"].(string)] = entry["status"].(string)
	}
	require.Equal(t, map[string]string{"alice": "online", "ghost": "offline"}, statuses)
}

func TestLegacyBareUsernameOpensDM(t *testing.T) {
	e := newTestEngine(t)
	alice, aliceID := connectUser(t, e, "alice")
	bob, _ := connectUser(t, e, "bob")
	alice.reset()

	send(t, e, aliceID, map[string]any{"type": "text", "room": "bob", "text": "psst"})

	require.Equal(t, []string{"room_created", "text"}, eventTypes(alice.events(t)))
	require.Equal(t, "bob", alice.typed(t, "room_created")[0]["title"])

	// the counterpart is notified when the room appears and again when
	// membership is re-established for the send itself
	require.Equal(t, []string{"room_created", "room_created", "text"}, eventTypes(bob.events(t)))
	require.Equal(t, "alice", bob.typed(t, "room_created")[0]["title"])

	msg := bob.typed(t, "text")[0]
	require.Equal(t, float64(1), msg["id"])
	require.Equal(t, dmID("alice", "bob"), msg["room"])
	require.Equal(t, "psst", msg["text"])
}

func TestDMRoomAccess(t *testing.T) {
	e := newTestEngine(t)
	alice, aliceID := connectUser(t, e, "alice")
	connectUser(t, e, "bob")
	carol, carolID := connectUser(t, e, "carol")

	send(t, e, aliceID, map[string]any{"type": "dm_open", "user": "bob"})
	name := dmID("alice", "bob")

	send(t, e, carolID, map[string]any{"type": "join", "room": name})
	require.Equal(t, "no access to this chat", carol.lastError(t))

	send(t, e, carolID, map[string]any{"type": "room_info", "room": name})
	require.Equal(t, "no access to this chat", carol.lastError(t))

	alice.reset()
	send(t, e, carolID, map[string]any{"type": "text", "room": name, "text": "let me in"})
	require.Equal(t, "no access to room", carol.lastError(t))
	require.Empty(t, alice.events(t), "the participants hear nothing")

	// the refused send did not make carol a member either
	send(t, e, carolID, map[string]any{"type": "typing", "room": name})
	require.Equal(t, "no access to room", carol.lastError(t))

	carol.reset()
	send(t, e, carolID, map[string]any{"type": "list_rooms"})
	require.Empty(t, carol.typed(t, "rooms")[0]["items"], "the chat stays invisible to outsiders")
}

func TestDMRoomNotCreatedForOutsider(t *testing.T) {
	e := newTestEngine(t)
	carol, carolID := connectUser(t, e, "carol")

	name := dmID("alice", "bob")
	send(t, e, carolID, map[string]any{"type": "text", "room": name, "text": "anyone here"})
	require.Equal(t, "no access to room", carol.lastError(t))

	e.mu.Lock()
	_, exists := e.rooms[name]
	e.mu.Unlock()
	require.False(t, exists, "a refused send leaves no room behind")
}

func TestRoomInfoAccess(t *testing.T) {
	e := newTestEngine(t)
	alice, aliceID := connectUser(t, e, "alice")
	bob, bobID := connectUser(t, e, "bob")

	send(t, e, aliceID, map[string]any{"type": "create_room", "room": "secret", "public": false})

	send(t, e, bobID, map[string]any{"type": "room_info", "room": "secret"})
	require.Equal(t, "no access to room", bob.lastError(t))

	send(t, e, aliceID, map[string]any{"type": "invite", "room": "secret", "user": "bob"})
	bob.reset()
	send(t, e, bobID, map[string]any{"type": "room_info", "room": "secret"})
	info := bob.typed(t, "room_info")
	require.Len(t, info, 1)
	require.Equal(t, false, info[0]["public"])

	send(t, e, aliceID, map[string]any{"type": "room_info", "room": "nowhere"})
	require.Equal(t, "no such room", alice.lastError(t))
}

func TestRenameRoom(t *testing.T) {
	e := newTestEngine(t)
	alice, aliceID := connectUser(t, e, "alice")
	bob, bobID := connectUser(t, e, "bob")

	send(t, e, aliceID, map[string]any{"type": "create_room", "room": "dev"})
	send(t, e, aliceID, map[string]any{"type": "create_room", "room": "ops"})
	send(t, e, bobID, map[string]any{"type": "join", "room": "dev"})
	send(t, e, aliceID, map[string]any{"type": "text", "room": "dev", "text": "before the rename"})

	// the name clash is checked before ownership
	send(t, e, bobID, map[string]any{"type": "rename_room", "room": "dev", "title": "ops"})
	require.Equal(t, "a room with that name already exists", bob.lastError(t))

	send(t, e, bobID, map[string]any{"type": "rename_room", "room": "dev", "title": "platform"})
	require.Equal(t, "only the room owner can rename", bob.lastError(t))

	send(t, e, aliceID, map[string]any{"type": "rename_room", "room": "dev"})
	require.Equal(t, "room and title are required", alice.lastError(t))

	send(t, e, aliceID, map[string]any{"type": "rename_room", "room": "nowhere", "title": "x"})
	require.Equal(t, "no such room", alice.lastError(t))

	alice.reset()
	bob.reset()
	send(t, e, aliceID, map[string]any{"type": "rename_room", "room": "dev", "new_name": "platform"})

	for _, conn := range []*fakeConn{alice, bob} {
		renames := conn.typed(t, "room_renamed")
		require.Len(t, renames, 1)
		require.Equal(t, "dev", renames[0]["old"])
		require.Equal(t, "platform", renames[0]["new"])
		require.Equal(t, "platform", renames[0]["room"])
	}

	send(t, e, bobID, map[string]any{"type": "join", "room": "dev"})
	require.Equal(t, "no such room", bob.lastError(t))

	bob.reset()
	send(t, e, bobID, map[string]any{"type": "join", "room": "platform"})
	histories := bob.typed(t, "history")
	require.Len(t, histories, 1)
	items := histories[0]["items"].([]any)
	require.Len(t, items, 1)
	require.Equal(t, "platform", items[0].(map[string]any)["room"], "stored history follows the new name")
}

func TestRenameDMRejected(t *testing.T) {
	e := newTestEngine(t)
	alice, aliceID := connectUser(t, e, "alice")
	connectUser(t, e, "bob")

	send(t, e, aliceID, map[string]any{"type": "dm_open", "user": "bob"})
	send(t, e, aliceID, map[string]any{"type": "rename_room", "room": dmID("alice", "bob"), "title": "buddies"})
	require.Equal(t, "cannot rename a direct chat", alice.lastError(t))
}

func TestRoomNamesCannotUseDMPrefix(t *testing.T) {
	e := newTestEngine(t)
	alice, aliceID := connectUser(t, e, "alice")
	bob, _ := connectUser(t, e, "bob")
	carol, carolID := connectUser(t, e, "carol")

	// nobody can claim a pair's chat by creating its derived name
	name := dmID("alice", "bob")
	send(t, e, carolID, map[string]any{"type": "create_room", "room": name})
	require.Equal(t, "room name is reserved for direct chats", carol.lastError(t))

	send(t, e, carolID, map[string]any{"type": "create_room", "room": "lounge"})
	send(t, e, carolID, map[string]any{"type": "rename_room", "room": "lounge", "title": "dm:x|y"})
	require.Equal(t, "room name is reserved for direct chats", carol.lastError(t))

	// the pair's chat opens fresh, untouched by the squat attempt
	carol.reset()
	bob.reset()
	send(t, e, aliceID, map[string]any{"type": "dm_open", "user": "bob"})
	created := alice.typed(t, "room_created")
	require.NotEmpty(t, created)
	require.Equal(t, "bob", created[len(created)-1]["title"])
	require.Equal(t, []string{"presence", "room_created"}, eventTypes(bob.events(t)))
	require.Empty(t, carol.events(t), "outsiders hear nothing when the chat opens")
}

func TestRoomAvatar(t *testing.T) {
	e := newTestEngine(t)
	alice, aliceID := connectUser(t, e, "alice")
	bob, bobID := connectUser(t, e, "bob")

	send(t, e, aliceID, map[string]any{"type": "create_room", "room": "dev"})
	send(t, e, bobID, map[string]any{"type": "join", "room": "dev"})

	// ownership is checked before the value, so a non-owner with a bad
	// avatar hears about ownership
	send(t, e, bobID, map[string]any{"type": "set_room_avatar", "room": "dev", "avatar": "not-a-data-url"})
	require.Equal(t, "only the room owner can change the avatar", bob.lastError(t))

	send(t, e, aliceID, map[string]any{"type": "set_room_avatar", "room": "dev", "avatar": "https://example.com/x.png"})
	require.Equal(t, "avatar must be a data URL or null", alice.lastError(t))

	bob.reset()
	avatar := "data:image/png;base64,iVBORw0KGgo="
	send(t, e, aliceID, map[string]any{"type": "set_room_avatar", "room": "dev", "avatar": avatar})
	changes := bob.typed(t, "room_avatar")
	require.Len(t, changes, 1)
	require.Equal(t, avatar, changes[0]["avatar"])

	send(t, e, bobID, map[string]any{"type": "room_info", "room": "dev"})
	info := bob.typed(t, "room_info")
	require.Equal(t, avatar, info[len(info)-1]["avatar"])

	bob.reset()
	send(t, e, aliceID, map[string]any{"type": "set_room_avatar", "room": "dev", "avatar": nil})
	changes = bob.typed(t, "room_avatar")
	require.Len(t, changes, 1)
	require.Nil(t, changes[0]["avatar"])
}

func TestAvatarOnDMRejected(t *testing.T) {
	e := newTestEngine(t)
	alice, aliceID := connectUser(t, e, "alice")
	connectUser(t, e, "bob")

	send(t, e, aliceID, map[string]any{"type": "dm_open", "user": "bob"})
	send(t, e, aliceID, map[string]any{"type": "set_room_avatar", "room": dmID("alice", "bob"), "avatar": nil})
	require.Equal(t, "a direct chat has no avatar", alice.lastError(t))
}

func TestDeleteRoom(t *testing.T) {
	e := newTestEngine(t)
	alice, aliceID := connectUser(t, e, "alice")
	bob, bobID := connectUser(t, e, "bob")

	send(t, e, aliceID, map[string]any{"type": "create_room", "room": "dev"})
	send(t, e, bobID, map[string]any{"type": "join", "room": "dev"})

	send(t, e, bobID, map[string]any{"type": "delete_room", "room": "dev"})
	require.Equal(t, "only the room owner can delete it", bob.lastError(t))

	bob.reset()
	send(t, e, aliceID, map[string]any{"type": "delete_room", "room": "dev"})
	require.Equal(t, []string{"room_deleted"}, eventTypes(bob.events(t)))
	require.Equal(t, "dev", bob.typed(t, "room_deleted")[0]["room"])

	send(t, e, bobID, map[string]any{"type": "join", "room": "dev"})
	require.Equal(t, "no such room", bob.lastError(t))

	send(t, e, aliceID, map[string]any{"type": "delete_room", "room": "dev"})
	require.Equal(t, "no such room", alice.lastError(t))
}

func TestDeleteDMRejected(t *testing.T) {
	e := newTestEngine(t)
	alice, aliceID := connectUser(t, e, "alice")
	connectUser(t, e, "bob")

	send(t, e, aliceID, map[string]any{"type": "dm_open", "user": "bob"})
	send(t, e, aliceID, map[string]any{"type": "delete_room", "room": dmID("alice", "bob")})
	require.Equal(t, "a direct chat cannot be deleted", alice.lastError(t))
}

func TestMarkRead(t *testing.T) {
	e := newTestEngine(t)
	alice, aliceID := connectUser(t, e, "alice")
	bob, bobID := connectUser(t, e, "bob")
	carol, carolID := connectUser(t, e, "carol")

	send(t, e, aliceID, map[string]any{"type": "create_room", "room": "dev"})
	send(t, e, bobID, map[string]any{"type": "join", "room": "dev"})
	send(t, e, aliceID, map[string]any{"type": "text", "room": "dev", "text": "one"})
	send(t, e, aliceID, map[string]any{"type": "text", "room": "dev", "text": "two"})
	alice.reset()
	bob.reset()

	send(t, e, bobID, map[string]any{"type": "mark_read", "room": "dev", "up_to": 2})
	reads := alice.typed(t, "read")
	require.Len(t, reads, 1)
	require.Equal(t, "dev", reads[0]["room"])
	require.Equal(t, "bob", reads[0]["user"])
	require.Equal(t, float64(2), reads[0]["up_to"])

	// the watermark never moves backwards and repeats are dropped silently
	alice.reset()
	bob.reset()
	send(t, e, bobID, map[string]any{"type": "mark_read", "room": "dev", "up_to": 1})
	send(t, e, bobID, map[string]any{"type": "mark_read", "room": "dev", "up_to": 2})
	require.Empty(t, alice.events(t))
	require.Empty(t, bob.events(t))

	send(t, e, carolID, map[string]any{"type": "mark_read", "room": "dev", "up_to": 1})
	require.Equal(t, "no access to room", carol.lastError(t))

	send(t, e, bobID, map[string]any{"type": "mark_read", "room": "nowhere", "up_to": 1})
	require.Equal(t, "no such room", bob.lastError(t))
}

func TestEditMessage(t *testing.T) {
	e := newTestEngine(t)
	alice, aliceID := connectUser(t, e, "alice")
	bob, bobID := connectUser(t, e, "bob")
	carol, carolID := connectUser(t, e, "carol")

	send(t, e, aliceID, map[string]any{"type": "create_room", "room": "dev"})
	send(t, e, bobID, map[string]any{"type": "join", "room": "dev"})
	send(t, e, aliceID, map[string]any{"type": "text", "room": "dev", "text": "helo"})

	send(t, e, bobID, map[string]any{"type": "edit_msg", "room": "dev", "id": 1, "text": "hijack"})
	require.Equal(t, "you can only edit your own messages", bob.lastError(t))

	send(t, e, carolID, map[string]any{"type": "edit_msg", "room": "dev", "id": 1, "text": "x"})
	require.Equal(t, "no access to room", carol.lastError(t))

	send(t, e, aliceID, map[string]any{"type": "edit_msg", "room": "dev", "id": 99, "text": "x"})
	require.Equal(t, "message not found", alice.lastError(t))

	send(t, e, aliceID, map[string]any{"type": "edit_msg", "room": "dev", "text": "x"})
	require.Equal(t, "room or id missing", alice.lastError(t))

	bob.reset()
	send(t, e, aliceID, map[string]any{"type": "edit_msg", "room": "dev", "id": 1, "text": "hello"})
	edits := bob.typed(t, "edited")
	require.Len(t, edits, 1)
	require.Equal(t, float64(1), edits[0]["id"])
	require.Equal(t, "hello", edits[0]["text"])
	require.Equal(t, true, edits[0]["edited"])

	bob.reset()
	send(t, e, bobID, map[string]any{"type": "join", "room": "dev"})
	items := bob.typed(t, "history")[0]["items"].([]any)
	require.Len(t, items, 1)
	replay := items[0].(map[string]any)
	require.Equal(t, "hello", replay["text"])
	require.Equal(t, true, replay["edited"])
}

func TestEditRejectsFilesAndTombstones(t *testing.T) {
	e := newTestEngine(t)
	alice, aliceID := connectUser(t, e, "alice")

	send(t, e, aliceID, map[string]any{"type": "create_room", "room": "dev"})
	send(t, e, aliceID, map[string]any{"type": "text", "room": "dev", "text": "soon gone"})
	send(t, e, aliceID, map[string]any{
		"type": "file", "room": "dev", "name": "cat.png", "mime": "image/png", "data": "aGVsbG8=",
	})

	send(t, e, aliceID, map[string]any{"type": "edit_msg", "room": "dev", "id": 2, "text": "x"})
	require.Equal(t, "only text messages can be edited", alice.lastError(t))

	send(t, e, aliceID, map[string]any{"type": "delete_msg", "room": "dev", "id": 1})
	send(t, e, aliceID, map[string]any{"type": "edit_msg", "room": "dev", "id": 1, "text": "x"})
	require.Equal(t, "cannot edit a deleted message", alice.lastError(t))
}

func TestDeleteMessage(t *testing.T) {
	e := newTestEngine(t)
	alice, aliceID := connectUser(t, e, "alice")
	bob, bobID := connectUser(t, e, "bob")

	send(t, e, aliceID, map[string]any{"type": "create_room", "room": "dev"})
	send(t, e, bobID, map[string]any{"type": "join", "room": "dev"})
	send(t, e, bobID, map[string]any{"type": "text", "room": "dev", "text": "mine"})
	send(t, e, aliceID, map[string]any{"type": "text", "room": "dev", "text": "owners speaking"})

	// the sender may always remove their own message
	alice.reset()
	send(t, e, bobID, map[string]any{"type": "delete_msg", "room": "dev", "id": 1})
	deletions := alice.typed(t, "deleted")
	require.Len(t, deletions, 1)
	require.Equal(t, float64(1), deletions[0]["id"])

	// a plain member cannot remove somebody else's
	send(t, e, bobID, map[string]any{"type": "delete_msg", "room": "dev", "id": 2})
	require.Equal(t, "you can only delete your own messages", bob.lastError(t))

	// the room owner moderates anything
	bob.reset()
	send(t, e, aliceID, map[string]any{"type": "delete_msg", "room": "dev", "id": 2})
	require.Len(t, bob.typed(t, "deleted"), 1)

	send(t, e, aliceID, map[string]any{"type": "delete_msg", "room": "dev", "id": 99})
	require.Equal(t, "message not found", alice.lastError(t))

	// replay shows tombstones, not gaps
	bob.reset()
	send(t, e, bobID, map[string]any{"type": "join", "room": "dev"})
	items := bob.typed(t, "history")[0]["items"].([]any)
	require.Len(t, items, 2)
	for _, item := range items {
		replay := item.(map[string]any)
		require.Equal(t, true, replay["deleted"])
		require.Equal(t, "", replay["text"])
	}
}

func TestFileMessage(t *testing.T) {
	e := newTestEngine(t)
	alice, aliceID := connectUser(t, e, "alice")
	bob, bobID := connectUser(t, e, "bob")

	send(t, e, aliceID, map[string]any{"type": "create_room", "room": "dev"})
	send(t, e, bobID, map[string]any{"type": "join", "room": "dev"})
	bob.reset()

	send(t, e, aliceID, map[string]any{
		"type": "file", "room": "dev", "name": "cat.png", "mime": "image/png", "data": "aGVsbG8=",
	})
	files := bob.typed(t, "file")
	require.Len(t, files, 1)
	f := files[0]
	require.Equal(t, float64(1), f["id"])
	require.Equal(t, "cat.png", f["name"])
	require.Equal(t, "image/png", f["mime"])
	require.Equal(t, "aGVsbG8=", f["data"])
	// no declared size, so it is derived from the encoding
	require.Equal(t, float64(6), f["size"])

	// the sender hears the same fanout frame
	require.Equal(t, f, alice.typed(t, "file")[0])

	send(t, e, aliceID, map[string]any{
		"type": "file", "room": "dev", "name": "clip.mp4", "mime": "video/mp4", "data": "aGVsbG8=", "size": 5,
	})
	files = bob.typed(t, "file")
	require.Equal(t, float64(5), files[1]["size"], "a declared size wins over the estimate")
}

func TestFileValidation(t *testing.T) {
	e := newTestEngine(t)
	alice, aliceID := connectUser(t, e, "alice")

	send(t, e, aliceID, map[string]any{"type": "create_room", "room": "dev"})

	send(t, e, aliceID, map[string]any{
		"type": "file", "room": "dev", "mime": "application/pdf", "data": "aGVsbG8=",
	})
	require.Equal(t, "only images and videos are allowed", alice.lastError(t))

	send(t, e, aliceID, map[string]any{
		"type": "file", "room": "dev", "mime": "image/png", "data": "aGVsbG8=", "size": maxFileBytes + 1,
	})
	require.Equal(t, "file is larger than 100 MB", alice.lastError(t))

	// without a declared size the encoded length is what catches it
	oversized := strings.Repeat("A", (maxFileBytes/3+1)*4)
	send(t, e, aliceID, map[string]any{
		"type": "file", "room": "dev", "mime": "image/png", "data": oversized,
	})
	require.Equal(t, "file is larger than 100 MB", alice.lastError(t))

	send(t, e, aliceID, map[string]any{
		"type": "file", "room": "dev", "mime": "image/png", "data": "!!!not base64!!!",
	})
	require.Equal(t, "file data is not valid base64", alice.lastError(t))

	send(t, e, aliceID, map[string]any{"type": "file", "room": "dev", "mime": "image/png"})
	require.Equal(t, "room, mime and data are required for a file", alice.lastError(t))

	// none of the rejects touched history
	alice.reset()
	send(t, e, aliceID, map[string]any{"type": "join", "room": "dev"})
	require.Empty(t, alice.typed(t, "history")[0]["items"])
}

func TestTypingBroadcast(t *testing.T) {
	e := newTestEngine(t)
	alice, aliceID := connectUser(t, e, "alice")
	bob, bobID := connectUser(t, e, "bob")
	carol, carolID := connectUser(t, e, "carol")

	send(t, e, aliceID, map[string]any{"type": "create_room", "room": "dev"})
	send(t, e, bobID, map[string]any{"type": "join", "room": "dev"})
	alice.reset()

	send(t, e, bobID, map[string]any{"type": "typing", "room": "dev"})
	typings := alice.typed(t, "typing")
	require.Len(t, typings, 1)
	require.Equal(t, "dev", typings[0]["room"])
	require.Equal(t, "bob", typings[0]["from"])

	send(t, e, carolID, map[string]any{"type": "typing", "room": "dev"})
	require.Equal(t, "no access to room", carol.lastError(t))

	send(t, e, bobID, map[string]any{"type": "typing", "room": "nowhere"})
	require.Equal(t, "no such room", bob.lastError(t))
}

func TestHistoryEvictionThroughDispatch(t *testing.T) {
	e := newTestEngine(t)
	alice, aliceID := connectUser(t, e, "alice")

	send(t, e, aliceID, map[string]any{"type": "create_room", "room": "solo"})
	for i := 0; i < historyLimit+1; i++ {
		send(t, e, aliceID, map[string]any{"type": "text", "room": "solo", "text": fmt.Sprintf("msg %d", i)})
	}

	alice.reset()
	send(t, e, aliceID, map[string]any{"type": "join", "room": "solo"})
	items := alice.typed(t, "history")[0]["items"].([]any)
	require.Len(t, items, historyLimit)
	require.Equal(t, float64(2), items[0].(map[string]any)["id"])
	require.Equal(t, float64(historyLimit+1), items[len(items)-1].(map[string]any)["id"])

	// ids keep counting past evicted entries
	alice.reset()
	send(t, e, aliceID, map[string]any{"type": "text", "room": "solo", "text": "one more"})
	require.Equal(t, float64(historyLimit+2), alice.typed(t, "text")[0]["id"])
}
