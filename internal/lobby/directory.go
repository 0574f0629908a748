// Package lobby owns the mapping from lobby code to ordered membership and is
// the sole source of truth for who is in which lobby.
package lobby

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cory-johannsen/cardlobby/internal/config"
)

var (
	// ErrLobbyNotFound is returned when a code does not name a live lobby.
	ErrLobbyNotFound = errors.New("lobby not found")
	// ErrNotMember is returned when a connection belongs to no lobby.
	ErrNotMember = errors.New("connection is not a lobby member")
	// ErrCodeSpaceExhausted is returned when no unused code was found within the attempt budget.
	ErrCodeSpaceExhausted = errors.New("lobby code space exhausted")
	// ErrAlreadyMember is returned when single-lobby membership is enforced and the
	// connection already belongs to a lobby.
	ErrAlreadyMember = errors.New("connection is already a lobby member")
	// ErrLobbyFull is returned when a lobby has reached its member cap.
	ErrLobbyFull = errors.New("lobby is full")
)

// Member records one connection's participation in a lobby.
type Member struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// Departure describes the result of removing a member from a lobby.
type Departure struct {
	// Code is the lobby the member left.
	Code string
	// Member is the removed member.
	Member Member
	// Remaining is the lobby's membership after removal, in join order.
	Remaining []Member
	// Closed reports whether the lobby was deleted because it became empty.
	Closed bool
}

// Directory tracks all live lobbies and which connection is in which lobby.
// All methods are safe for concurrent use.
type Directory struct {
	mu      sync.RWMutex
	lobbies map[string][]Member // code → members in join order
	byConn  map[string][]string // conn id → codes in join order

	codes       CodeGenerator
	maxAttempts int
	maxMembers  int
	multi       bool
}

// NewDirectory creates an empty Directory governed by cfg.
// A nil codes generator defaults to UUIDCodeGenerator{Length: cfg.CodeLength}.
//
// Precondition: cfg must have passed config validation.
// Postcondition: Returns a Directory with no lobbies.
func NewDirectory(cfg config.LobbyConfig, codes CodeGenerator) *Directory {
	if codes == nil {
		codes = UUIDCodeGenerator{Length: cfg.CodeLength}
	}
	attempts := cfg.MaxCodeAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Directory{
		lobbies:     make(map[string][]Member),
		byConn:      make(map[string][]string),
		codes:       codes,
		maxAttempts: attempts,
		maxMembers:  cfg.MaxMembers,
		multi:       cfg.AllowMultiMembership,
	}
}

// Create allocates a fresh lobby code and registers a lobby whose only member is
// the creator.
//
// Precondition: connID must be non-empty.
// Postcondition: Returns a code that was absent before the call and now names a
// lobby with exactly one member, or an error with no mutation.
func (d *Directory) Create(connID, creatorName string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.multi && len(d.byConn[connID]) > 0 {
		return "", fmt.Errorf("creating lobby for %q: %w", connID, ErrAlreadyMember)
	}

	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		code := d.codes.Generate()
		if code == "" {
			continue
		}
		if _, taken := d.lobbies[code]; taken {
			continue
		}
		d.lobbies[code] = []Member{{Name: creatorName, ID: connID}}
		d.byConn[connID] = append(d.byConn[connID], code)
		return code, nil
	}
	return "", fmt.Errorf("creating lobby after %d attempts: %w", d.maxAttempts, ErrCodeSpaceExhausted)
}

// Join appends a member to an existing lobby.
//
// Precondition: connID must be non-empty.
// Postcondition: Returns the updated member list in join order, or an error with no mutation.
func (d *Directory) Join(code, connID, playerName string) ([]Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	members, ok := d.lobbies[code]
	if !ok {
		return nil, fmt.Errorf("joining %q: %w", code, ErrLobbyNotFound)
	}
	if !d.multi && len(d.byConn[connID]) > 0 {
		return nil, fmt.Errorf("joining %q: %w", code, ErrAlreadyMember)
	}
	if d.maxMembers > 0 && len(members) >= d.maxMembers {
		return nil, fmt.Errorf("joining %q: %w", code, ErrLobbyFull)
	}

	members = append(members, Member{Name: playerName, ID: connID})
	d.lobbies[code] = members
	d.byConn[connID] = append(d.byConn[connID], code)
	return cloneMembers(members), nil
}

// Leave removes the connection from the earliest lobby it joined, deleting that
// lobby if it becomes empty.
//
// Postcondition: Returns the departure, or ErrNotMember with no mutation.
func (d *Directory) Leave(connID string) (Departure, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	codes := d.byConn[connID]
	if len(codes) == 0 {
		return Departure{}, ErrNotMember
	}
	code := codes[0]
	if len(codes) == 1 {
		delete(d.byConn, connID)
	} else {
		d.byConn[connID] = codes[1:]
	}

	members := d.lobbies[code]
	idx := indexOf(members, connID)
	if idx < 0 {
		// Reverse index and lobby disagree; drop the stale index entry.
		return Departure{}, fmt.Errorf("leaving %q: %w", code, ErrNotMember)
	}
	gone := members[idx]
	members = append(members[:idx:idx], members[idx+1:]...)

	dep := Departure{Code: code, Member: gone}
	if len(members) == 0 {
		delete(d.lobbies, code)
		dep.Closed = true
		dep.Remaining = []Member{}
		return dep, nil
	}
	d.lobbies[code] = members
	dep.Remaining = cloneMembers(members)
	return dep, nil
}

// Members returns a copy of the lobby's member list.
//
// Postcondition: Returns (members, true) if the lobby exists, or (nil, false).
func (d *Directory) Members(code string) ([]Member, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	members, ok := d.lobbies[code]
	if !ok {
		return nil, false
	}
	return cloneMembers(members), true
}

// Exists reports whether code names a live lobby.
func (d *Directory) Exists(code string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.lobbies[code]
	return ok
}

// Lookup returns the codes of the lobbies the connection belongs to, in join order.
func (d *Directory) Lookup(connID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	codes := d.byConn[connID]
	if len(codes) == 0 {
		return nil
	}
	out := make([]string, len(codes))
	copy(out, codes)
	return out
}

// Codes returns all live lobby codes in sorted order.
func (d *Directory) Codes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.lobbies))
	for code := range d.lobbies {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of live lobbies.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.lobbies)
}

func indexOf(members []Member, connID string) int {
	for i, m := range members {
		if m.ID == connID {
			return i
		}
	}
	return -1
}

func cloneMembers(members []Member) []Member {
	out := make([]Member, len(members))
	copy(out, members)
	return out
}
