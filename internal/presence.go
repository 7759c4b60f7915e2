package internal

import (
	"slices"

	"github.com/samber/lo"
)

// presenceIndex answers "which live sessions belong to this user" and the
// inverse "who is online at all". Online is derived from session liveness,
// never stored as its own flag. No lock of its own: the engine mutex guards
// every call.
type presenceIndex struct {
	byUser map[string]map[*session]struct{}
}

func newPresenceIndex() *presenceIndex {
	return &presenceIndex{byUser: make(map[string]map[*session]struct{})}
}

func (p *presenceIndex) add(sess *session) {
	conns, ok := p.byUser[sess.username]
	if !ok {
		conns = make(map[*session]struct{})
		p.byUser[sess.username] = conns
	}
	conns[sess] = struct{}{}
}

func (p *presenceIndex) remove(sess *session) {
	conns, ok := p.byUser[sess.username]
	if !ok {
		return
	}
	delete(conns, sess)
	if len(conns) == 0 {
		delete(p.byUser, sess.username)
	}
}

func (p *presenceIndex) online(user string) bool {
	return len(p.byUser[user]) > 0
}

// onlineUsers lists every username with at least one live session, sorted.
func (p *presenceIndex) onlineUsers() []string {
	users := lo.Keys(p.byUser)
	slices.Sort(users)
	return users
}

func (p *presenceIndex) sessionsFor(user string) []*session {
	return lo.Keys(p.byUser[user])
}
