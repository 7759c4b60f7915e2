package internal

import (
	"slices"

	"github.com/samber/lo"
)

// historyLimit caps how many messages a room keeps in memory. Older entries
// are evicted, their ids are never handed out again.
const historyLimit = 400

const (
	kindText = "text"
	kindFile = "file"
)

// room is everything the engine knows about one conversation. Fields are
// guarded by the engine mutex; nothing in here locks on its own.
type room struct {
	name     string
	owner    string
	public   bool
	avatar   *string
	members  map[string]struct{}
	invited  map[string]struct{}
	history  []*message
	seq      int64
	lastRead map[string]int64
}

func newRoom(name, owner string) *room {
	return &room{
		name:     name,
		owner:    owner,
		public:   true,
		members:  make(map[string]struct{}),
		invited:  make(map[string]struct{}),
		lastRead: make(map[string]int64),
	}
}

// nextID hands out the next room-local message id, starting at 1.
func (r *room) nextID() int64 {
	r.seq++
	return r.seq
}

// appendHistory keeps the ring of recent messages bounded. The slice is
// recreated on eviction so dropped records can actually be collected.
func (r *room) appendHistory(m *message) {
	r.history = append(r.history, m)
	if excess := len(r.history) - historyLimit; excess > 0 {
		r.history = append(r.history[:0:0], r.history[excess:]...)
	}
}

func (r *room) findMessage(id int64) *message {
	for _, m := range r.history {
		if m.id == id {
			return m
		}
	}
	return nil
}

func (r *room) isMember(user string) bool {
	_, ok := r.members[user]
	return ok
}

func (r *room) isInvited(user string) bool {
	_, ok := r.invited[user]
	return ok
}

// addMember records membership and seeds the read watermark. Watermarks
// survive rejoins, so an existing entry stays put.
func (r *room) addMember(user string) {
	r.members[user] = struct{}{}
	if _, ok := r.lastRead[user]; !ok {
		r.lastRead[user] = 0
	}
}

func (r *room) memberNames() []string {
	names := lo.Keys(r.members)
	slices.Sort(names)
	return names
}

// message is the stored history record. Payload fields survive deletion so
// the record stays auditable; the wire view in event() redacts them once the
// tombstone flag is set.
type message struct {
	id      int64
	room    string
	from    string
	kind    string
	text    string
	name    string
	mime    string
	size    int64
	data    string
	ts      int64
	replyTo *int64
	edited  bool
	deleted bool
}

// roomSummary is the client-facing room shape shared by the rooms,
// room_created, room_info and room_renamed payloads.
type roomSummary struct {
	Name   string  `json:"name"`
	Room   string  `json:"room"`
	Public bool    `json:"public"`
	Owner  string  `json:"owner"`
	Avatar *string `json:"avatar"`
	Title  string  `json:"title"`
	DM     bool    `json:"dm"`
}

// summaryFor renders a room from one user's point of view. DM rooms title
// themselves after the other participant and always read as private.
func summaryFor(requester string, r *room) roomSummary {
	s := roomSummary{
		Name:   r.name,
		Room:   r.name,
		Public: r.public,
		Owner:  r.owner,
		Avatar: r.avatar,
		Title:  r.name,
	}
	if isDMRoom(r.name) {
		s.DM = true
		s.Public = false
		if other := dmOther(r.name, requester); other != "" {
			s.Title = other
		}
	}
	return s
}
