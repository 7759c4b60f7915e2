package internal

import (
	"encoding/json"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

var validate = validator.New()

// envelopeHeader is decoded first to pick the handler; the full envelope is
// decoded again into the matching variant below.
type envelopeHeader struct {
	Type string `json:"type"`
}

type authEnvelope struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (e *authEnvelope) normalize() {
	e.Username = strings.TrimSpace(e.Username)
	e.Password = strings.TrimSpace(e.Password)
}

// dmOpenEnvelope accepts the target under three historical field names.
type dmOpenEnvelope struct {
	User     string `json:"user"`
	Username string `json:"username"`
	To       string `json:"to"`
}

func (e *dmOpenEnvelope) target() string {
	v := e.User
	if v == "" {
		v = e.Username
	}
	if v == "" {
		v = e.To
	}
	return strings.TrimSpace(v)
}

type createRoomEnvelope struct {
	Room   string `json:"room" validate:"required"`
	Public *bool  `json:"public"`
}

func (e *createRoomEnvelope) normalize() {
	e.Room = strings.TrimSpace(e.Room)
}

// roomEnvelope covers every operation that only names a room: join,
// room_info, typing, set_room_avatar (with avatar), delete_room.
type roomEnvelope struct {
	Room string `json:"room"`
}

type inviteEnvelope struct {
	Room     string `json:"room"`
	User     string `json:"user"`
	Username string `json:"username"`
}

func (e *inviteEnvelope) target() string {
	v := e.User
	if v == "" {
		v = e.Username
	}
	return strings.TrimSpace(v)
}

// renameEnvelope accepts the new name as either title or new_name.
type renameEnvelope struct {
	Room    string `json:"room"`
	Title   string `json:"title"`
	NewName string `json:"new_name"`
}

func (e *renameEnvelope) title() string {
	v := e.Title
	if v == "" {
		v = e.NewName
	}
	return strings.TrimSpace(v)
}

type avatarEnvelope struct {
	Room   string  `json:"room"`
	Avatar *string `json:"avatar"`
}

type markReadEnvelope struct {
	Room string `json:"room"`
	UpTo int64  `json:"up_to"`
}

type textEnvelope struct {
	Room       string `json:"room" validate:"required"`
	Text       string `json:"text" validate:"required"`
	ReplyTo    *int64 `json:"reply_to"`
	ReplyAlias *int64 `json:"replyTo"`
}

func (e *textEnvelope) normalize() {
	e.Room = strings.TrimSpace(e.Room)
	e.Text = strings.TrimSpace(e.Text)
}

func (e *textEnvelope) replyRef() *int64 {
	if e.ReplyTo != nil {
		return e.ReplyTo
	}
	return e.ReplyAlias
}

type fileEnvelope struct {
	Room       string `json:"room" validate:"required"`
	Name       string `json:"name"`
	Mime       string `json:"mime" validate:"required"`
	Size       *int64 `json:"size"`
	Data       string `json:"data" validate:"required"`
	ReplyTo    *int64 `json:"reply_to"`
	ReplyAlias *int64 `json:"replyTo"`
}

func (e *fileEnvelope) normalize() {
	e.Room = strings.TrimSpace(e.Room)
	e.Mime = strings.TrimSpace(e.Mime)
}

// fileName falls back to "file" only when the field is absent or empty; a
// whitespace-only name deliberately trims down to "".
func (e *fileEnvelope) fileName() string {
	if e.Name == "" {
		return "file"
	}
	return strings.TrimSpace(e.Name)
}

func (e *fileEnvelope) replyRef() *int64 {
	if e.ReplyTo != nil {
		return e.ReplyTo
	}
	return e.ReplyAlias
}

type editEnvelope struct {
	Room string `json:"room" validate:"required"`
	ID   *int64 `json:"id" validate:"required"`
	Text string `json:"text"`
}

func (e *editEnvelope) normalize() {
	e.Room = strings.TrimSpace(e.Room)
}

func (e *editEnvelope) text() string {
	return strings.TrimSpace(e.Text)
}

type deleteEnvelope struct {
	Room string `json:"room" validate:"required"`
	ID   *int64 `json:"id" validate:"required"`
}

func (e *deleteEnvelope) normalize() {
	e.Room = strings.TrimSpace(e.Room)
}

// Outbound events. Each struct carries its own type discriminant so encode
// produces a complete frame.

type authOKEvent struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type errorEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type roomsEvent struct {
	Type  string        `json:"type"`
	Items []roomSummary `json:"items"`
}

type roomCreatedEvent struct {
	Type string `json:"type"`
	roomSummary
}

type joinedEvent struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

type historyEvent struct {
	Type  string         `json:"type"`
	Room  string         `json:"room"`
	Items []messageEvent `json:"items"`
}

type roomInfoEvent struct {
	Type string `json:"type"`
	roomSummary
}

type presenceEntry struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// presenceEvent with a nil Room is the global online roster; with a room it
// lists every member with an online/offline status.
type presenceEvent struct {
	Type  string          `json:"type"`
	Room  *string         `json:"room"`
	Users []presenceEntry `json:"users"`
}

type invitedEvent struct {
	Type string `json:"type"`
	Room string `json:"room"`
	User string `json:"user"`
}

type roomRenamedEvent struct {
	Type string `json:"type"`
	Old  string `json:"old"`
	New  string `json:"new"`
	roomSummary
}

type roomAvatarEvent struct {
	Type   string  `json:"type"`
	Room   string  `json:"room"`
	Avatar *string `json:"avatar"`
}

type roomDeletedEvent struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

type readEvent struct {
	Type string `json:"type"`
	Room string `json:"room"`
	User string `json:"user"`
	UpTo int64  `json:"up_to"`
}

type typingEvent struct {
	Type string `json:"type"`
	Room string `json:"room"`
	From string `json:"from"`
}

type editedEvent struct {
	Type   string `json:"type"`
	Room   string `json:"room"`
	ID     int64  `json:"id"`
	Text   string `json:"text"`
	Edited bool   `json:"edited"`
}

type deletedEvent struct {
	Type string `json:"type"`
	Room string `json:"room"`
	ID   int64  `json:"id"`
}

// messageEvent is the normalized chat record sent on broadcast and in
// history replays. reply_to and replyTo always mirror each other; pointer
// payload fields distinguish "absent" from "present but empty".
type messageEvent struct {
	Type       string         `json:"type"`
	Kind       string         `json:"kind"`
	ID         int64          `json:"id"`
	Room       string         `json:"room"`
	From       string         `json:"from"`
	Text       *string        `json:"text,omitempty"`
	Name       *string        `json:"name,omitempty"`
	Mime       string         `json:"mime,omitempty"`
	Size       *int64         `json:"size,omitempty"`
	Data       *string        `json:"data,omitempty"`
	Ts         int64          `json:"ts"`
	ReplyTo    *int64         `json:"reply_to"`
	ReplyAlias *int64         `json:"replyTo"`
	Edited     bool           `json:"edited"`
	Deleted    bool           `json:"deleted"`
	Reactions  map[string]int `json:"reactions"`
}

// event renders the wire view of a stored message. Tombstoned records keep
// their stored payload but present empty text, name and data; a file's mime
// and size stay visible so clients can still label the redacted entry.
func (m *message) event() messageEvent {
	ev := messageEvent{
		Type:       m.kind,
		Kind:       m.kind,
		ID:         m.id,
		Room:       m.room,
		From:       m.from,
		Ts:         m.ts,
		ReplyTo:    m.replyTo,
		ReplyAlias: m.replyTo,
		Edited:     m.edited,
		Deleted:    m.deleted,
		Reactions:  map[string]int{},
	}
	switch m.kind {
	case kindText:
		ev.Text = &m.text
	case kindFile:
		ev.Name = &m.name
		ev.Mime = m.mime
		ev.Size = &m.size
		ev.Data = &m.data
	}
	if m.deleted {
		empty := ""
		ev.Text = &empty
		ev.Name = &empty
		ev.Data = &empty
	}
	return ev
}

func historyItems(r *room) []messageEvent {
	return lo.Map(r.history, func(m *message, _ int) messageEvent {
		return m.event()
	})
}

func encode(event any) []byte {
	payload, _ := json.Marshal(event)
	return payload
}
