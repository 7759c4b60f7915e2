package internal

import "github.com/samber/lo"

// deliverRoomLocked pushes payload to every authenticated session whose user
// is a member of r and returns the sessions whose connection failed. Callers
// decide when to reap, which keeps presence refreshes from recursing.
func (e *Engine) deliverRoomLocked(r *room, payload []byte, exclude *session) []*session {
	var dead []*session
	for _, sess := range e.sessions {
		if sess == exclude || !sess.authenticated() {
			continue
		}
		if !r.isMember(sess.username) {
			continue
		}
		if err := sess.conn.Push(payload); err != nil {
			dead = append(dead, sess)
		}
	}
	return dead
}

// broadcastRoomLocked delivers to the room and cleans up any connection
// that failed along the way.
func (e *Engine) broadcastRoomLocked(r *room, payload []byte, exclude *session) {
	e.reapLocked(e.deliverRoomLocked(r, payload, exclude))
}

// sendToUserLocked delivers to all of one user's live connections.
func (e *Engine) sendToUserLocked(user string, payload []byte) {
	var dead []*session
	for _, sess := range e.presence.sessionsFor(user) {
		if err := sess.conn.Push(payload); err != nil {
			dead = append(dead, sess)
		}
	}
	e.reapLocked(dead)
}

// pushLocked replies to a single session. A session reaped earlier in the
// same handling pass is skipped; a failed push reaps it now.
func (e *Engine) pushLocked(sess *session, event any) {
	current, ok := e.sessions[sess.id]
	if !ok || current != sess {
		return
	}
	if err := sess.conn.Push(encode(event)); err != nil {
		e.reapLocked([]*session{sess})
	}
}

// reapLocked removes sessions whose connection died mid-delivery. Removing
// one triggers a presence refresh for its room, which can surface more dead
// connections, so this works through a queue until it stops growing. Each
// session can be removed at most once, bounding the loop.
func (e *Engine) reapLocked(dead []*session) {
	for len(dead) > 0 {
		sess := dead[0]
		dead = dead[1:]
		lastRoom, removed := e.removeSessionLocked(sess)
		if !removed {
			continue
		}
		sess.conn.Close()
		if lastRoom == "" {
			continue
		}
		r, ok := e.rooms[lastRoom]
		if !ok {
			continue
		}
		dead = append(dead, e.deliverRoomLocked(r, e.roomPresenceLocked(r), nil)...)
	}
}

// roomPresenceLocked builds the presence frame for one room: every member,
// sorted, tagged online or offline.
func (e *Engine) roomPresenceLocked(r *room) []byte {
	users := lo.Map(r.memberNames(), func(name string, _ int) presenceEntry {
		status := "offline"
		if e.presence.online(name) {
			status = "online"
		}
		return presenceEntry{Name: name, Status: status}
	})
	return encode(presenceEvent{Type: "presence", Room: &r.name, Users: users})
}

func (e *Engine) pushPresenceLocked(roomName string) {
	r, ok := e.rooms[roomName]
	if !ok {
		return
	}
	e.broadcastRoomLocked(r, e.roomPresenceLocked(r), nil)
}

// pushGlobalPresenceLocked unicasts the full online roster to every
// authenticated session. The room field is null so clients can tell it
// apart from a per-room refresh.
func (e *Engine) pushGlobalPresenceLocked() {
	users := lo.Map(e.presence.onlineUsers(), func(name string, _ int) presenceEntry {
		return presenceEntry{Name: name, Status: "online"}
	})
	payload := encode(presenceEvent{Type: "presence", Room: nil, Users: users})
	var dead []*session
	for _, sess := range e.sessions {
		if !sess.authenticated() {
			continue
		}
		if err := sess.conn.Push(payload); err != nil {
			dead = append(dead, sess)
		}
	}
	e.reapLocked(dead)
}
