package internal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"

	"clinchat/internal/identity"
)

// maxFileBytes caps the decoded size of a file message at 100 MB.
const maxFileBytes = 100 << 20

var allowedMimePrefixes = []string{"image/", "video/"}

// Dispatch handles one inbound frame for the given session. Anything that
// goes wrong is reported back to that session as an error event; the
// connection itself is never torn down from here.
func (e *Engine) Dispatch(ctx context.Context, sessionID string, raw []byte) {
	e.mu.Lock()
	sess, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return
	}

	var header envelopeHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		e.reply(sess, header.Type, &Error{Kind: KindValidation, Text: "invalid JSON"})
		return
	}
	if err := e.handle(ctx, sess, header.Type, raw); err != nil {
		e.reply(sess, header.Type, err)
	}
}

// reply turns a handler error into an error event. Non-protocol errors,
// identity store failures mostly, are logged and masked as a generic server
// error so one bad envelope never kills the session loop.
func (e *Engine) reply(sess *session, msgType string, err error) {
	var perr *Error
	if !errors.As(err, &perr) {
		e.log.Error("handler failed", "type", msgType, "user", sess.username, "err", err)
		perr = &Error{Kind: KindInternal, Text: "server error"}
	}
	e.metrics.IncError()
	e.mu.Lock()
	e.pushLocked(sess, errorEvent{Type: "error", Text: perr.Text})
	e.mu.Unlock()
}

func (e *Engine) handle(ctx context.Context, sess *session, msgType string, raw []byte) error {
	switch msgType {
	case "register", "login":
		return e.handleAuth(ctx, sess, msgType, raw)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if current, ok := e.sessions[sess.id]; !ok || current != sess {
		return nil
	}
	if !sess.authenticated() {
		return &Error{Kind: KindAuthRequired, Text: "log in or register first"}
	}

	switch msgType {
	case "list_rooms":
		return e.handleListRooms(sess)
	case "dm_open":
		return e.handleDMOpen(sess, raw)
	case "create_room":
		return e.handleCreateRoom(sess, raw)
	case "join":
		return e.handleJoin(sess, raw)
	case "room_info":
		return e.handleRoomInfo(sess, raw)
	case "invite":
		return e.handleInvite(sess, raw)
	case "rename_room":
		return e.handleRename(sess, raw)
	case "set_room_avatar":
		return e.handleAvatar(sess, raw)
	case "delete_room":
		return e.handleDeleteRoom(sess, raw)
	case "mark_read":
		return e.handleMarkRead(sess, raw)
	case "text":
		return e.handleText(sess, raw)
	case "file":
		return e.handleFile(sess, raw)
	case "typing":
		return e.handleTyping(sess, raw)
	case "edit_msg":
		return e.handleEdit(sess, raw)
	case "delete_msg":
		return e.handleDelete(sess, raw)
	}
	return &Error{Kind: KindUnknownType, Text: "unknown message type"}
}

// handleAuth runs register and login. The identity store is consulted with
// the engine unlocked so other sessions keep moving during a slow
// credential check; afterwards the session is re-checked under the lock
// before its auth state mutates.
func (e *Engine) handleAuth(ctx context.Context, sess *session, msgType string, raw []byte) error {
	var env authEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Error{Kind: KindValidation, Text: "username and password are required"}
	}
	env.normalize()
	if err := validate.Struct(&env); err != nil {
		return &Error{Kind: KindValidation, Text: "username and password are required"}
	}

	e.mu.Lock()
	if current, ok := e.sessions[sess.id]; !ok || current != sess {
		e.mu.Unlock()
		return nil
	}
	if sess.authenticated() {
		e.mu.Unlock()
		return &Error{Kind: KindValidation, Text: "already authenticated"}
	}
	e.mu.Unlock()

	switch msgType {
	case "register":
		existing, err := e.identity.Lookup(ctx, env.Username)
		if err != nil {
			return err
		}
		if existing != nil {
			return &Error{Kind: KindValidation, Text: "name is taken"}
		}
		if err := e.identity.Register(ctx, env.Username, env.Password); err != nil {
			if errors.Is(err, identity.ErrExists) {
				return &Error{Kind: KindValidation, Text: "name is taken"}
			}
			return err
		}
		e.metrics.IncSignup()
	default:
		ok, err := e.identity.Verify(ctx, env.Username, env.Password)
		if err != nil {
			return err
		}
		if !ok {
			return &Error{Kind: KindValidation, Text: "invalid username or password"}
		}
		e.metrics.IncLogin()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if current, ok := e.sessions[sess.id]; !ok || current != sess {
		return nil
	}
	if sess.authenticated() {
		// Another frame won the auth race while the lock was released.
		return &Error{Kind: KindValidation, Text: "already authenticated"}
	}
	sess.username = env.Username
	e.presence.add(sess)
	e.pushLocked(sess, authOKEvent{Type: "auth_ok", User: env.Username})
	e.pushGlobalPresenceLocked()
	e.log.Info("session authenticated", "user", env.Username, "session", sess.id)
	return nil
}

func (e *Engine) handleListRooms(sess *session) error {
	items := make([]roomSummary, 0, len(e.rooms))
	for name, r := range e.rooms {
		if !r.public && !r.isMember(sess.username) && !r.isInvited(sess.username) {
			continue
		}
		if isDMRoom(name) && !r.isMember(sess.username) {
			continue
		}
		items = append(items, summaryFor(sess.username, r))
	}
	slices.SortFunc(items, func(a, b roomSummary) int {
		return strings.Compare(a.Room, b.Room)
	})
	e.pushLocked(sess, roomsEvent{Type: "rooms", Items: items})
	return nil
}

func (e *Engine) handleDMOpen(sess *session, raw []byte) error {
	var env dmOpenEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Error{Kind: KindValidation, Text: "no user specified"}
	}
	target := env.target()
	if target == "" {
		return &Error{Kind: KindValidation, Text: "no user specified"}
	}
	if target == sess.username {
		return &Error{Kind: KindValidation, Text: "cannot message yourself"}
	}

	name := dmID(sess.username, target)
	r, ok := e.rooms[name]
	if !ok {
		r = newRoom(name, dmOwner)
		r.public = false
		e.rooms[name] = r
	}
	r.addMember(sess.username)
	r.addMember(target)

	sess.currentRoom = name
	e.pushLocked(sess, roomCreatedEvent{Type: "room_created", roomSummary: summaryFor(sess.username, r)})
	e.pushLocked(sess, joinedEvent{Type: "joined", Room: name})
	e.pushLocked(sess, historyEvent{Type: "history", Room: name, Items: historyItems(r)})
	e.pushLocked(sess, roomInfoEvent{Type: "room_info", roomSummary: summaryFor(sess.username, r)})
	e.pushPresenceLocked(name)

	e.sendToUserLocked(target, encode(roomCreatedEvent{Type: "room_created", roomSummary: summaryFor(target, r)}))
	return nil
}

func (e *Engine) handleCreateRoom(sess *session, raw []byte) error {
	var env createRoomEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Error{Kind: KindValidation, Text: "room name is required"}
	}
	env.normalize()
	if err := validate.Struct(&env); err != nil {
		return &Error{Kind: KindValidation, Text: "room name is required"}
	}
	// DM names are derived from the participant pair, never chosen.
	if isDMRoom(env.Room) {
		return &Error{Kind: KindValidation, Text: "room name is reserved for direct chats"}
	}
	if _, ok := e.rooms[env.Room]; ok {
		return &Error{Kind: KindValidation, Text: "room already exists"}
	}

	r := newRoom(env.Room, sess.username)
	if env.Public != nil {
		r.public = *env.Public
	}
	e.rooms[env.Room] = r
	r.addMember(sess.username)

	e.pushLocked(sess, roomCreatedEvent{Type: "room_created", roomSummary: summaryFor(sess.username, r)})
	e.pushPresenceLocked(env.Room)
	e.log.Info("room created", "room", env.Room, "owner", sess.username, "public", r.public)
	return nil
}

func (e *Engine) handleJoin(sess *session, raw []byte) error {
	var env roomEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Error{Kind: KindNotFound, Text: "no such room"}
	}
	name := strings.TrimSpace(env.Room)
	r, ok := e.rooms[name]
	if !ok {
		return &Error{Kind: KindNotFound, Text: "no such room"}
	}

	if isDMRoom(name) {
		other := dmOther(name, sess.username)
		if other == "" {
			return &Error{Kind: KindPermission, Text: "no access to this chat"}
		}
		r.addMember(sess.username)
		r.addMember(other)
	} else {
		if !r.public && !r.isInvited(sess.username) && r.owner != sess.username {
			return &Error{Kind: KindPermission, Text: "room is private, invite required"}
		}
		r.addMember(sess.username)
	}

	sess.currentRoom = name
	e.pushLocked(sess, joinedEvent{Type: "joined", Room: name})
	e.pushLocked(sess, historyEvent{Type: "history", Room: name, Items: historyItems(r)})
	e.pushLocked(sess, roomInfoEvent{Type: "room_info", roomSummary: summaryFor(sess.username, r)})
	e.pushPresenceLocked(name)
	return nil
}

func (e *Engine) handleRoomInfo(sess *session, raw []byte) error {
	var env roomEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Error{Kind: KindNotFound, Text: "no such room"}
	}
	name := strings.TrimSpace(env.Room)
	r, ok := e.rooms[name]
	if !ok {
		return &Error{Kind: KindNotFound, Text: "no such room"}
	}
	if isDMRoom(name) {
		if dmOther(name, sess.username) == "" {
			return &Error{Kind: KindPermission, Text: "no access to this chat"}
		}
	} else if !r.public && !r.isMember(sess.username) && !r.isInvited(sess.username) {
		return &Error{Kind: KindPermission, Text: "no access to room"}
	}
	e.pushLocked(sess, roomInfoEvent{Type: "room_info", roomSummary: summaryFor(sess.username, r)})
	return nil
}

func (e *Engine) handleInvite(sess *session, raw []byte) error {
	var env inviteEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Error{Kind: KindNotFound, Text: "no such room"}
	}
	name := strings.TrimSpace(env.Room)
	r, ok := e.rooms[name]
	if !ok {
		return &Error{Kind: KindNotFound, Text: "no such room"}
	}
	if isDMRoom(name) {
		return &Error{Kind: KindPermission, Text: "cannot invite to a direct chat"}
	}
	if r.owner != sess.username {
		return &Error{Kind: KindPermission, Text: "only the room owner can invite"}
	}
	target := env.target()
	if target == "" {
		return &Error{Kind: KindValidation, Text: "no user to invite"}
	}
	r.invited[target] = struct{}{}
	e.pushLocked(sess, invitedEvent{Type: "invited", Room: name, User: target})
	return nil
}

func (e *Engine) handleRename(sess *session, raw []byte) error {
	var env renameEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Error{Kind: KindValidation, Text: "room and title are required"}
	}
	name := strings.TrimSpace(env.Room)
	title := env.title()
	if name == "" || title == "" {
		return &Error{Kind: KindValidation, Text: "room and title are required"}
	}
	if isDMRoom(title) {
		return &Error{Kind: KindValidation, Text: "room name is reserved for direct chats"}
	}
	r, ok := e.rooms[name]
	if !ok {
		return &Error{Kind: KindNotFound, Text: "no such room"}
	}
	if isDMRoom(name) {
		return &Error{Kind: KindPermission, Text: "cannot rename a direct chat"}
	}
	if _, taken := e.rooms[title]; taken {
		return &Error{Kind: KindValidation, Text: "a room with that name already exists"}
	}
	if r.owner != sess.username {
		return &Error{Kind: KindPermission, Text: "only the room owner can rename"}
	}

	delete(e.rooms, name)
	e.rooms[title] = r
	r.name = title
	for _, m := range r.history {
		m.room = title
	}
	e.broadcastRoomLocked(r, encode(roomRenamedEvent{
		Type:        "room_renamed",
		Old:         name,
		New:         title,
		roomSummary: summaryFor(sess.username, r),
	}), nil)
	e.log.Info("room renamed", "old", name, "new", title)
	return nil
}

func (e *Engine) handleAvatar(sess *session, raw []byte) error {
	var env avatarEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Error{Kind: KindValidation, Text: "avatar must be a data URL or null"}
	}
	name := strings.TrimSpace(env.Room)
	r, ok := e.rooms[name]
	if !ok {
		return &Error{Kind: KindNotFound, Text: "no such room"}
	}
	if isDMRoom(name) {
		return &Error{Kind: KindPermission, Text: "a direct chat has no avatar"}
	}
	if r.owner != sess.username {
		return &Error{Kind: KindPermission, Text: "only the room owner can change the avatar"}
	}
	if env.Avatar != nil && !strings.HasPrefix(*env.Avatar, "data:") {
		return &Error{Kind: KindValidation, Text: "avatar must be a data URL or null"}
	}
	r.avatar = env.Avatar
	e.broadcastRoomLocked(r, encode(roomAvatarEvent{Type: "room_avatar", Room: name, Avatar: r.avatar}), nil)
	return nil
}

func (e *Engine) handleDeleteRoom(sess *session, raw []byte) error {
	var env roomEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Error{Kind: KindNotFound, Text: "no such room"}
	}
	name := strings.TrimSpace(env.Room)
	r, ok := e.rooms[name]
	if !ok {
		return &Error{Kind: KindNotFound, Text: "no such room"}
	}
	if isDMRoom(name) {
		return &Error{Kind: KindPermission, Text: "a direct chat cannot be deleted"}
	}
	if r.owner != sess.username {
		return &Error{Kind: KindPermission, Text: "only the room owner can delete it"}
	}
	// Members hear about the deletion while the room still exists, then it
	// is dropped in the same handling pass.
	e.broadcastRoomLocked(r, encode(roomDeletedEvent{Type: "room_deleted", Room: name}), nil)
	delete(e.rooms, name)
	e.log.Info("room deleted", "room", name, "owner", sess.username)
	return nil
}

func (e *Engine) handleMarkRead(sess *session, raw []byte) error {
	var env markReadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Error{Kind: KindNotFound, Text: "no such room"}
	}
	name := strings.TrimSpace(env.Room)
	r, ok := e.rooms[name]
	if !ok {
		return &Error{Kind: KindNotFound, Text: "no such room"}
	}
	if !r.isMember(sess.username) {
		return &Error{Kind: KindPermission, Text: "no access to room"}
	}
	// Watermarks only move forward; a stale acknowledgement is dropped
	// without an event.
	if env.UpTo <= r.lastRead[sess.username] {
		return nil
	}
	r.lastRead[sess.username] = env.UpTo
	e.broadcastRoomLocked(r, encode(readEvent{Type: "read", Room: name, User: sess.username, UpTo: env.UpTo}), nil)
	return nil
}

func (e *Engine) handleText(sess *session, raw []byte) error {
	var env textEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Error{Kind: KindValidation, Text: "room and text are required"}
	}
	env.normalize()
	if err := validate.Struct(&env); err != nil {
		return &Error{Kind: KindValidation, Text: "room and text are required"}
	}

	name := e.resolveTargetLocked(sess, env.Room)
	r := e.rooms[name]
	if r == nil || !r.isMember(sess.username) {
		return &Error{Kind: KindPermission, Text: "no access to room"}
	}

	m := &message{
		id:      r.nextID(),
		room:    name,
		from:    sess.username,
		kind:    kindText,
		text:    env.Text,
		ts:      time.Now().Unix(),
		replyTo: env.replyRef(),
	}
	r.appendHistory(m)
	e.metrics.IncMessage()
	e.broadcastRoomLocked(r, encode(m.event()), nil)
	return nil
}

func (e *Engine) handleFile(sess *session, raw []byte) error {
	var env fileEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Error{Kind: KindValidation, Text: "room, mime and data are required for a file"}
	}
	env.normalize()
	if err := validate.Struct(&env); err != nil {
		return &Error{Kind: KindValidation, Text: "room, mime and data are required for a file"}
	}

	name := e.resolveTargetLocked(sess, env.Room)
	r := e.rooms[name]
	if r == nil || !r.isMember(sess.username) {
		return &Error{Kind: KindPermission, Text: "no access to room"}
	}

	allowed := lo.SomeBy(allowedMimePrefixes, func(prefix string) bool {
		return strings.HasPrefix(env.Mime, prefix)
	})
	if !allowed {
		return &Error{Kind: KindValidation, Text: "only images and videos are allowed"}
	}

	// The declared size and the size implied by the encoding must both fit;
	// trusting either alone would let the other smuggle an oversized payload.
	estimated := int64(len(env.Data)) * 3 / 4
	size := estimated
	if env.Size != nil {
		size = *env.Size
	}
	if size > maxFileBytes || estimated > maxFileBytes {
		return &Error{Kind: KindTooLarge, Text: "file is larger than 100 MB"}
	}
	if _, err := base64.StdEncoding.Strict().DecodeString(env.Data); err != nil {
		return &Error{Kind: KindBadEncoding, Text: "file data is not valid base64"}
	}

	m := &message{
		id:      r.nextID(),
		room:    name,
		from:    sess.username,
		kind:    kindFile,
		name:    env.fileName(),
		mime:    env.Mime,
		size:    size,
		data:    env.Data,
		ts:      time.Now().Unix(),
		replyTo: env.replyRef(),
	}
	r.appendHistory(m)
	e.metrics.IncMessage()
	e.broadcastRoomLocked(r, encode(m.event()), nil)
	return nil
}

func (e *Engine) handleTyping(sess *session, raw []byte) error {
	var env roomEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Error{Kind: KindNotFound, Text: "no such room"}
	}
	name := strings.TrimSpace(env.Room)
	r, ok := e.rooms[name]
	if !ok {
		return &Error{Kind: KindNotFound, Text: "no such room"}
	}
	if !r.isMember(sess.username) {
		return &Error{Kind: KindPermission, Text: "no access to room"}
	}
	e.broadcastRoomLocked(r, encode(typingEvent{Type: "typing", Room: name, From: sess.username}), nil)
	return nil
}

func (e *Engine) handleEdit(sess *session, raw []byte) error {
	var env editEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Error{Kind: KindValidation, Text: "room or id missing"}
	}
	env.normalize()
	if err := validate.Struct(&env); err != nil {
		return &Error{Kind: KindValidation, Text: "room or id missing"}
	}

	r := e.rooms[env.Room]
	if r == nil || !r.isMember(sess.username) {
		return &Error{Kind: KindPermission, Text: "no access to room"}
	}
	m := r.findMessage(*env.ID)
	if m == nil {
		return &Error{Kind: KindNotFound, Text: "message not found"}
	}
	if m.from != sess.username {
		return &Error{Kind: KindPermission, Text: "you can only edit your own messages"}
	}
	if m.deleted {
		return &Error{Kind: KindValidation, Text: "cannot edit a deleted message"}
	}
	if m.kind != kindText {
		return &Error{Kind: KindValidation, Text: "only text messages can be edited"}
	}

	m.text = env.text()
	m.edited = true
	e.broadcastRoomLocked(r, encode(editedEvent{Type: "edited", Room: env.Room, ID: m.id, Text: m.text, Edited: true}), nil)
	return nil
}

func (e *Engine) handleDelete(sess *session, raw []byte) error {
	var env deleteEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Error{Kind: KindValidation, Text: "room or id missing"}
	}
	env.normalize()
	if err := validate.Struct(&env); err != nil {
		return &Error{Kind: KindValidation, Text: "room or id missing"}
	}

	r := e.rooms[env.Room]
	if r == nil || !r.isMember(sess.username) {
		return &Error{Kind: KindPermission, Text: "no access to room"}
	}
	m := r.findMessage(*env.ID)
	if m == nil {
		return &Error{Kind: KindNotFound, Text: "message not found"}
	}
	if m.from != sess.username && r.owner != sess.username {
		return &Error{Kind: KindPermission, Text: "you can only delete your own messages"}
	}

	// The record stays in history as a tombstone; event() hides the payload
	// from everything broadcast or replayed past this point. Deleting twice
	// repeats the same observable event.
	m.deleted = true
	e.broadcastRoomLocked(r, encode(deletedEvent{Type: "deleted", Room: env.Room, ID: m.id}), nil)
	return nil
}

// resolveTargetLocked maps the room field of a chat message onto a real
// room, applying the legacy shorthand where a bare username means "DM that
// user". DM sends re-establish membership for both participants on every
// message so the counterpart always learns the room exists.
func (e *Engine) resolveTargetLocked(sess *session, name string) string {
	if !isDMRoom(name) {
		if _, ok := e.rooms[name]; !ok && name != sess.username {
			name = dmID(sess.username, name)
			e.ensureDMLocked(name, sess.username)
			if r, ok := e.rooms[name]; ok {
				e.pushLocked(sess, roomCreatedEvent{Type: "room_created", roomSummary: summaryFor(sess.username, r)})
			}
		}
	}
	if isDMRoom(name) {
		e.ensureDMLocked(name, sess.username)
	}
	return name
}

// ensureDMLocked lazily creates a DM room and keeps both participants in
// its member set. A sender outside the pair changes nothing; the membership
// gate in the caller rejects them.
func (e *Engine) ensureDMLocked(name, sender string) {
	if !isDMRoom(name) {
		return
	}
	other := dmOther(name, sender)
	if other == "" {
		return
	}
	r, ok := e.rooms[name]
	if !ok {
		r = newRoom(name, dmOwner)
		r.public = false
		e.rooms[name] = r
	}
	r.addMember(sender)
	r.addMember(other)
	e.sendToUserLocked(other, encode(roomCreatedEvent{Type: "room_created", roomSummary: summaryFor(other, r)}))
}
