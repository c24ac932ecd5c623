package session

import (
	"sort"
	"time"

	"pkt.systems/harmonyd/internal/history"
	"pkt.systems/harmonyd/internal/space"
)

// State is a client's position in the fetch/report cycle.
type State uint8

const (
	StateUnregistered State = iota
	StateRegistered
	StateBound
	StateTesting
	StateConverged
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateBound:
		return "bound"
	case StateTesting:
		return "testing"
	case StateConverged:
		return "converged"
	default:
		return "unknown"
	}
}

// ConnID identifies a mux connection.
type ConnID uint64

// Client is one registered protocol client.
type Client struct {
	ID         int64
	Conn       ConnID
	State      State
	UseSignals bool
	Session    *Session
	// Current is the last point handed out, NoPoint when none.
	Current    space.Point
	LastReport time.Time
	Registered time.Time
	// History accumulates the client's measurements until it leaves.
	History []history.Entry
}

// Registry maps client ids and connections onto clients. Ids start at 1
// and the lowest free id is handed out first. It is owned by the dispatch
// loop.
type Registry struct {
	byID   map[int64]*Client
	byConn map[ConnID]*Client
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[int64]*Client), byConn: make(map[ConnID]*Client)}
}

// Len counts live clients.
func (r *Registry) Len() int { return len(r.byID) }

// Get returns the live client with id.
func (r *Registry) Get(id int64) (*Client, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// ByConn returns the client registered on conn.
func (r *Registry) ByConn(conn ConnID) (*Client, bool) {
	c, ok := r.byConn[conn]
	return c, ok
}

func (r *Registry) lowestFree() int64 {
	for id := int64(1); ; id++ {
		if _, live := r.byID[id]; !live {
			return id
		}
	}
}

// Register binds a client to conn. A positive prior id that is live is
// re-homed onto conn with its state intact (migrated is true); a prior id
// that is free is granted as is. Otherwise the lowest free id is used.
func (r *Registry) Register(conn ConnID, prior int64, now time.Time) (c *Client, migrated bool) {
	if prior > 0 {
		if live, ok := r.byID[prior]; ok {
			delete(r.byConn, live.Conn)
			live.Conn = conn
			r.byConn[conn] = live
			return live, true
		}
	}
	id := prior
	if id <= 0 {
		id = r.lowestFree()
	}
	c = &Client{ID: id, Conn: conn, State: StateRegistered, Current: space.NoPoint(), Registered: now}
	r.byID[id] = c
	r.byConn[conn] = c
	return c, false
}

// Remove forgets c and frees its id.
func (r *Registry) Remove(c *Client) {
	if cur, ok := r.byID[c.ID]; ok && cur == c {
		delete(r.byID, c.ID)
	}
	if cur, ok := r.byConn[c.Conn]; ok && cur == c {
		delete(r.byConn, c.Conn)
	}
	c.State = StateUnregistered
}

// Clients lists live clients ordered by id.
func (r *Registry) Clients() []*Client {
	out := make([]*Client, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
