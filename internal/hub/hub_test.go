package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/cardlobby/internal/broadcast"
	"github.com/cory-johannsen/cardlobby/internal/config"
	"github.com/cory-johannsen/cardlobby/internal/lobby"
	"github.com/cory-johannsen/cardlobby/internal/protocol"
	"github.com/cory-johannsen/cardlobby/internal/session"
)

type fixture struct {
	hub *Hub
	dir *lobby.Directory
	reg *session.Registry
}

func newFixture(t *testing.T, cfg config.LobbyConfig, codes lobby.CodeGenerator) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	dir := lobby.NewDirectory(cfg, codes)
	reg := session.NewRegistry(64)
	gw := broadcast.NewGateway(reg, logger)
	h := New(dir, reg, gw, logger, 16)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("hub did not stop in time")
		}
	})
	return &fixture{hub: h, dir: dir, reg: reg}
}

func lobbyConfig() config.LobbyConfig {
	return config.LobbyConfig{CodeLength: 4, MaxCodeAttempts: 8, EventBuffer: 16}
}

func constCode(code string) lobby.CodeGenerator {
	return lobby.CodeGeneratorFunc(func() string { return code })
}

func (f *fixture) connect(t *testing.T, id string) {
	t.Helper()
	_, err := f.reg.Register(id, "test")
	require.NoError(t, err)
}

func (f *fixture) submit(t *testing.T, evs ...Event) {
	t.Helper()
	for _, ev := range evs {
		require.NoError(t, f.hub.Submit(ev))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.hub.Flush(ctx))
}

// frames drains every queued envelope for id.
func (f *fixture) frames(t *testing.T, id string) []protocol.Envelope {
	t.Helper()
	conn, ok := f.reg.Get(id)
	require.True(t, ok, "connection %s not registered", id)
	var out []protocol.Envelope
	for {
		select {
		case frame, ok := <-conn.Outbox.Frames():
			if !ok {
				return out
			}
			env, err := protocol.Decode(frame)
			require.NoError(t, err)
			out = append(out, env)
		default:
			return out
		}
	}
}

func lastUpdate(t *testing.T, envs []protocol.Envelope) []string {
	t.Helper()
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Type != protocol.MsgLobbyUpdate {
			continue
		}
		var body protocol.LobbyUpdate
		require.NoError(t, envs[i].DecodePayload(&body))
		out := make([]string, len(body.Members))
		for j, m := range body.Members {
			out[j] = m.Name
		}
		return out
	}
	t.Fatalf("no lobby_update among %d frames", len(envs))
	return nil
}

func types(envs []protocol.Envelope) []string {
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = e.Type
	}
	return out
}

func TestHub_ConnectSendsID(t *testing.T) {
	f := newFixture(t, lobbyConfig(), nil)
	f.connect(t, "a")
	f.submit(t, Event{Kind: KindConnect, ConnID: "a"})

	got := f.frames(t, "a")
	require.Len(t, got, 1)
	assert.Equal(t, protocol.MsgConnected, got[0].Type)
}

func TestHub_CreateSendsCodeThenUpdate(t *testing.T) {
	f := newFixture(t, lobbyConfig(), constCode("7Qa1"))
	f.connect(t, "alice")
	f.submit(t, Event{Kind: KindCreate, ConnID: "alice", Name: "Alice"})

	got := f.frames(t, "alice")
	assert.Equal(t, []string{protocol.MsgLobbyCode, protocol.MsgLobbyUpdate}, types(got))
	var code protocol.LobbyCode
	require.NoError(t, got[0].DecodePayload(&code))
	assert.Equal(t, "7Qa1", code.Code)
	assert.Equal(t, []string{"Alice"}, lastUpdate(t, got))

	conn, _ := f.reg.Get("alice")
	assert.Equal(t, "Alice", conn.Name())
}

func TestHub_JoinUnknownLobby(t *testing.T) {
	f := newFixture(t, lobbyConfig(), constCode("7Qa1"))
	f.connect(t, "alice")
	f.connect(t, "bob")
	f.submit(t,
		Event{Kind: KindCreate, ConnID: "alice", Name: "Alice"},
		Event{Kind: KindJoin, ConnID: "bob", Code: "zzzz", Name: "Bob"},
	)

	got := f.frames(t, "bob")
	require.Len(t, got, 1)
	assert.Equal(t, protocol.MsgError, got[0].Type)
	var body protocol.ErrorMessage
	require.NoError(t, got[0].DecodePayload(&body))
	assert.Equal(t, "Lobby not found!", body.Message)

	assert.Len(t, f.frames(t, "alice"), 2, "no broadcast on failed join")
	members, _ := f.dir.Members("7Qa1")
	assert.Len(t, members, 1)
}

func TestHub_Scenario(t *testing.T) {
	f := newFixture(t, lobbyConfig(), constCode("7Qa1"))
	f.connect(t, "alice")
	f.connect(t, "bob")

	f.submit(t, Event{Kind: KindCreate, ConnID: "alice", Name: "Alice"})
	_ = f.frames(t, "alice")

	f.submit(t, Event{Kind: KindJoin, ConnID: "bob", Code: "7Qa1", Name: "Bob"})
	assert.Equal(t, []string{"Alice", "Bob"}, lastUpdate(t, f.frames(t, "alice")))
	assert.Equal(t, []string{"Alice", "Bob"}, lastUpdate(t, f.frames(t, "bob")))

	f.submit(t, Event{Kind: KindDisconnect, ConnID: "bob"})
	assert.Equal(t, []string{"Alice"}, lastUpdate(t, f.frames(t, "alice")))
	_, ok := f.reg.Get("bob")
	assert.False(t, ok)

	f.submit(t, Event{Kind: KindDisconnect, ConnID: "alice"})
	assert.False(t, f.dir.Exists("7Qa1"))
	assert.Equal(t, 0, f.reg.Count())
}

func TestHub_DisconnectIsIdempotent(t *testing.T) {
	f := newFixture(t, lobbyConfig(), constCode("7Qa1"))
	f.connect(t, "alice")
	f.connect(t, "bob")
	f.connect(t, "carol")
	f.submit(t,
		Event{Kind: KindCreate, ConnID: "alice", Name: "Alice"},
		Event{Kind: KindJoin, ConnID: "bob", Code: "7Qa1", Name: "Bob"},
		Event{Kind: KindJoin, ConnID: "carol", Code: "7Qa1", Name: "Carol"},
	)
	_ = f.frames(t, "alice")

	f.submit(t, Event{Kind: KindDisconnect, ConnID: "bob"})
	once := f.frames(t, "alice")
	f.submit(t, Event{Kind: KindDisconnect, ConnID: "bob"})
	twice := f.frames(t, "alice")

	assert.Len(t, once, 1)
	assert.Empty(t, twice, "duplicate disconnect must not broadcast again")
	members, _ := f.dir.Members("7Qa1")
	assert.Equal(t, []lobby.Member{{Name: "Alice", ID: "alice"}, {Name: "Carol", ID: "carol"}}, members)
}

func TestHub_DisconnectUnassociated(t *testing.T) {
	f := newFixture(t, lobbyConfig(), nil)
	f.connect(t, "a")
	f.submit(t, Event{Kind: KindDisconnect, ConnID: "a"})
	assert.Equal(t, 0, f.reg.Count())
	assert.Equal(t, 0, f.dir.Len())
}

func TestHub_ExplicitLeave(t *testing.T) {
	f := newFixture(t, lobbyConfig(), constCode("7Qa1"))
	f.connect(t, "alice")
	f.connect(t, "bob")
	f.submit(t,
		Event{Kind: KindCreate, ConnID: "alice", Name: "Alice"},
		Event{Kind: KindJoin, ConnID: "bob", Code: "7Qa1", Name: "Bob"},
	)
	_ = f.frames(t, "alice")
	_ = f.frames(t, "bob")

	f.submit(t, Event{Kind: KindLeave, ConnID: "bob"})
	assert.Equal(t, []string{"Alice"}, lastUpdate(t, f.frames(t, "alice")))
	assert.Equal(t, []string{"Alice"}, lastUpdate(t, f.frames(t, "bob")), "leaver sees the reduced list")
	_, ok := f.reg.Get("bob")
	assert.True(t, ok, "leaving does not disconnect")

	f.submit(t, Event{Kind: KindLeave, ConnID: "alice"})
	got := f.frames(t, "alice")
	require.Len(t, got, 1)
	assert.Equal(t, protocol.MsgLobbyClosed, got[0].Type)
	var body protocol.LobbyClosed
	require.NoError(t, got[0].DecodePayload(&body))
	assert.Equal(t, "7Qa1", body.Code)
	assert.False(t, f.dir.Exists("7Qa1"))

	f.submit(t, Event{Kind: KindLeave, ConnID: "alice"})
	got = f.frames(t, "alice")
	require.Len(t, got, 1)
	assert.Equal(t, protocol.MsgError, got[0].Type)
}

func TestHub_AlreadyMemberRejected(t *testing.T) {
	f := newFixture(t, lobbyConfig(), nil)
	f.connect(t, "alice")
	f.submit(t,
		Event{Kind: KindCreate, ConnID: "alice", Name: "Alice"},
		Event{Kind: KindCreate, ConnID: "alice", Name: "Alice"},
	)
	got := f.frames(t, "alice")
	require.Len(t, got, 3)
	assert.Equal(t, protocol.MsgError, got[2].Type)
	assert.Equal(t, 1, f.dir.Len())
}

func TestHub_MultiMembershipDisconnectLeavesAll(t *testing.T) {
	cfg := lobbyConfig()
	cfg.AllowMultiMembership = true
	f := newFixture(t, cfg, nil)
	f.connect(t, "alice")
	f.connect(t, "bob")
	f.submit(t,
		Event{Kind: KindCreate, ConnID: "alice", Name: "Alice"},
		Event{Kind: KindCreate, ConnID: "bob", Name: "Bob"},
	)
	codes := f.dir.Lookup("bob")
	require.Len(t, codes, 1)
	f.submit(t, Event{Kind: KindJoin, ConnID: "alice", Code: codes[0], Name: "Alice"})
	require.Len(t, f.dir.Lookup("alice"), 2)

	f.submit(t, Event{Kind: KindDisconnect, ConnID: "alice"})
	assert.Nil(t, f.dir.Lookup("alice"))
	assert.Equal(t, 1, f.dir.Len())
	assert.Equal(t, []string{"Bob"}, lastUpdate(t, f.frames(t, "bob")))
}

func TestHub_CodeExhaustionReported(t *testing.T) {
	f := newFixture(t, lobbyConfig(), constCode("aaaa"))
	f.connect(t, "a")
	f.connect(t, "b")
	f.submit(t,
		Event{Kind: KindCreate, ConnID: "a", Name: "A"},
		Event{Kind: KindCreate, ConnID: "b", Name: "B"},
	)
	got := f.frames(t, "b")
	require.Len(t, got, 1)
	var body protocol.ErrorMessage
	require.NoError(t, got[0].DecodePayload(&body))
	assert.Equal(t, protocol.TextCodeExhausted, body.Message)
}

func TestHub_SubmitAfterStop(t *testing.T) {
	logger := zaptest.NewLogger(t)
	reg := session.NewRegistry(4)
	h := New(lobby.NewDirectory(lobbyConfig(), nil), reg, broadcast.NewGateway(reg, logger), logger, 1)
	h.Stop()
	h.Stop()

	assert.True(t, errors.Is(h.Submit(Event{Kind: KindConnect, ConnID: "a"}), ErrStopped))
	assert.True(t, errors.Is(h.Flush(context.Background()), ErrStopped))
	assert.NoError(t, h.Run(context.Background()))
}

func TestHub_ConcurrentClients(t *testing.T) {
	f := newFixture(t, lobbyConfig(), constCode("7Qa1"))
	f.connect(t, "host")
	f.submit(t, Event{Kind: KindCreate, ConnID: "host", Name: "Host"})

	const n = 50
	for i := 0; i < n; i++ {
		f.connect(t, fmt.Sprintf("c%d", i))
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			// Each client joins then immediately drops, from its own goroutine.
			_ = f.hub.Submit(Event{Kind: KindJoin, ConnID: id, Code: "7Qa1", Name: id})
			_ = f.hub.Submit(Event{Kind: KindDisconnect, ConnID: id})
		}(i)
	}
	wg.Wait()
	f.submit(t)

	members, ok := f.dir.Members("7Qa1")
	require.True(t, ok)
	assert.Equal(t, []lobby.Member{{Name: "Host", ID: "host"}}, members)
	assert.Equal(t, 1, f.reg.Count())
}

func TestErrorText(t *testing.T) {
	assert.Equal(t, "Lobby not found!", errorText(fmt.Errorf("x: %w", lobby.ErrLobbyNotFound)))
	assert.Equal(t, protocol.TextLobbyFull, errorText(lobby.ErrLobbyFull))
	assert.Equal(t, protocol.TextAlreadyMember, errorText(lobby.ErrAlreadyMember))
	assert.Equal(t, protocol.TextNotInLobby, errorText(lobby.ErrNotMember))
	assert.Equal(t, "boom", errorText(errors.New("boom")))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "join", KindJoin.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestPropertyHubNeverLeavesEmptyLobby(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		logger := zaptest.NewLogger(t)
		dir := lobby.NewDirectory(lobbyConfig(), nil)
		reg := session.NewRegistry(256)
		h := New(dir, reg, broadcast.NewGateway(reg, logger), logger, 1)

		ids := []string{"a", "b", "c", "d"}
		for _, id := range ids {
			_, _ = reg.Register(id, "")
		}

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			id := rapid.SampledFrom(ids).Draw(rt, "conn")
			ev := Event{ConnID: id, Name: id}
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				ev.Kind = KindCreate
			case 1:
				ev.Kind = KindJoin
				if codes := dir.Codes(); len(codes) > 0 {
					ev.Code = rapid.SampledFrom(codes).Draw(rt, "code")
				}
			case 2:
				ev.Kind = KindLeave
			case 3:
				ev.Kind = KindDisconnect
			}
			// Handle synchronously; ordering is what Run would give.
			h.handle(ev)

			for _, code := range dir.Codes() {
				members, ok := dir.Members(code)
				if !ok || len(members) == 0 {
					rt.Fatalf("lobby %q present with no members", code)
				}
			}
		}
	})
}
