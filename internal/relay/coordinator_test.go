package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/dkoval/hallway/internal/domain"
	"github.com/dkoval/hallway/internal/protocol"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func (f *fakeConn) TrySend(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("buffer full")
	}
	f.frames = append(f.frames, b)
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) events(t *testing.T) []protocol.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(f.frames))
	for _, fr := range f.frames {
		env, err := protocol.Decode(fr)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		out = append(out, env)
	}
	return out
}

func (f *fakeConn) lastEvent(t *testing.T, event string) (protocol.Envelope, bool) {
	t.Helper()
	evs := f.events(t)
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Event == event {
			return evs[i], true
		}
	}
	return protocol.Envelope{}, false
}

func (f *fakeConn) countEvent(t *testing.T, event string) int {
	t.Helper()
	n := 0
	for _, e := range f.events(t) {
		if e.Event == event {
			n++
		}
	}
	return n
}

func join(t *testing.T, c *Coordinator, sid domain.SessionID, name string) *fakeConn {
	t.Helper()
	conn := &fakeConn{}
	c.Registry.Bind(sid, conn, nil)
	if err := c.Register(sid, name); err != nil {
		t.Fatalf("register %s: %v", sid, err)
	}
	return conn
}

func TestRegisterBootstrap(t *testing.T) {
	c := NewCoordinator()
	alice := join(t, c, "a", "Alice")

	env, ok := alice.lastEvent(t, protocol.EventRegistered)
	if !ok {
		t.Fatalf("no registered ack")
	}
	var reg protocol.RegisteredPayload
	if err := json.Unmarshal(env.Data, &reg); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if reg.ID != "a" || reg.Count != 1 {
		t.Fatalf("ack = %+v, want id a count 1", reg)
	}

	env, ok = alice.lastEvent(t, protocol.EventCurrentPlayers)
	if !ok {
		t.Fatalf("no currentPlayers snapshot")
	}
	var snap protocol.CurrentPlayersPayload
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if len(snap.Players) != 0 {
		t.Fatalf("first joiner snapshot has %d players, want 0", len(snap.Players))
	}

	bob := join(t, c, "b", "Bob")

	env, ok = bob.lastEvent(t, protocol.EventCurrentPlayers)
	if !ok {
		t.Fatalf("no snapshot for second joiner")
	}
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if len(snap.Players) != 1 || snap.Players[0].ID != "a" {
		t.Fatalf("second joiner snapshot = %+v, want just Alice", snap.Players)
	}

	env, ok = alice.lastEvent(t, protocol.EventNewPlayer)
	if !ok {
		t.Fatalf("Alice never heard about Bob")
	}
	var np protocol.NewPlayerPayload
	if err := json.Unmarshal(env.Data, &np); err != nil {
		t.Fatalf("unmarshal newPlayer: %v", err)
	}
	if np.Player.ID != "b" || np.Player.Name != "Bob" || np.Count != 2 {
		t.Fatalf("newPlayer = %+v, want Bob count 2", np)
	}
	if bob.countEvent(t, protocol.EventNewPlayer) != 0 {
		t.Fatalf("joiner received its own newPlayer")
	}
}

func TestRegisterUnknownSession(t *testing.T) {
	c := NewCoordinator()
	if err := c.Register("ghost", "Ghost"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("register unbound session: err = %v, want ErrUnknownSession", err)
	}
}

func TestRegisterInvalidName(t *testing.T) {
	c := NewCoordinator()
	c.Registry.Bind("a", &fakeConn{}, nil)
	if err := c.Register("a", ""); !errors.Is(err, domain.ErrNameEmpty) {
		t.Fatalf("empty name: err = %v, want ErrNameEmpty", err)
	}
}

func TestMovementFanOut(t *testing.T) {
	c := NewCoordinator()
	alice := join(t, c, "a", "Alice")
	bob := join(t, c, "b", "Bob")
	carol := join(t, c, "c", "Carol")

	pos := &domain.Position{X: 10, Y: 20}
	c.OnMovement("a", protocol.MovementPayload{Position: pos, Direction: domain.FacingLeft, Moving: true})

	for _, peer := range []*fakeConn{bob, carol} {
		env, ok := peer.lastEvent(t, protocol.EventPlayerMoved)
		if !ok {
			t.Fatalf("peer missed playerMoved")
		}
		var mv protocol.PlayerMovedPayload
		if err := json.Unmarshal(env.Data, &mv); err != nil {
			t.Fatalf("unmarshal playerMoved: %v", err)
		}
		if mv.ID != "a" || mv.Name != "Alice" || mv.Position == nil || mv.Position.X != 10 {
			t.Fatalf("playerMoved = %+v", mv)
		}
	}
	if alice.countEvent(t, protocol.EventPlayerMoved) != 0 {
		t.Fatalf("sender received its own movement")
	}

	got, ok := c.Registry.Participant("a")
	if !ok || got.Position.X != 10 || got.Facing != domain.FacingLeft || !got.Moving {
		t.Fatalf("registry state = %+v", got)
	}
}

func TestMovementBeforeRegisterDropped(t *testing.T) {
	c := NewCoordinator()
	bob := join(t, c, "b", "Bob")
	c.Registry.Bind("anon", &fakeConn{}, nil)

	c.OnMovement("anon", protocol.MovementPayload{Position: &domain.Position{X: 1}, Direction: domain.FacingUp})
	if bob.countEvent(t, protocol.EventPlayerMoved) != 0 {
		t.Fatalf("unregistered movement fanned out")
	}
}

func TestMovementWithoutPositionDropped(t *testing.T) {
	c := NewCoordinator()
	join(t, c, "a", "Alice")
	bob := join(t, c, "b", "Bob")

	c.OnMovement("a", protocol.MovementPayload{Direction: domain.FacingUp, Moving: true})
	if bob.countEvent(t, protocol.EventPlayerMoved) != 0 {
		t.Fatalf("positionless movement fanned out")
	}
}

func TestCallUserRouting(t *testing.T) {
	c := NewCoordinator()
	join(t, c, "a", "Alice")
	bob := join(t, c, "b", "Bob")

	c.OnCallUser("a", protocol.CallUserPayload{TargetID: "b", CallerName: "Alice"})

	env, ok := bob.lastEvent(t, protocol.EventReceiveCall)
	if !ok {
		t.Fatalf("target never rang")
	}
	var rc protocol.ReceiveCallPayload
	if err := json.Unmarshal(env.Data, &rc); err != nil {
		t.Fatalf("unmarshal receiveCall: %v", err)
	}
	if rc.CallerID != "a" || rc.CallerName != "Alice" {
		t.Fatalf("receiveCall = %+v", rc)
	}
}

func TestSignalRewritesFrom(t *testing.T) {
	c := NewCoordinator()
	alice := join(t, c, "a", "Alice")
	join(t, c, "b", "Bob")

	// Bob accepts; the relay stamps the true sender regardless of what
	// the payload claimed.
	c.OnSignal("b", protocol.EventAcceptCall, protocol.SignalPayload{To: "a", From: "spoofed"})

	env, ok := alice.lastEvent(t, protocol.EventAcceptCall)
	if !ok {
		t.Fatalf("caller never saw the accept")
	}
	var sig protocol.SignalPayload
	if err := json.Unmarshal(env.Data, &sig); err != nil {
		t.Fatalf("unmarshal signal: %v", err)
	}
	if sig.From != "b" {
		t.Fatalf("From = %q, want b", sig.From)
	}
}

func TestOfferAnswerCandidateRouting(t *testing.T) {
	c := NewCoordinator()
	alice := join(t, c, "a", "Alice")
	bob := join(t, c, "b", "Bob")

	c.OnOffer("a", protocol.OfferPayload{To: "b"})
	if _, ok := bob.lastEvent(t, protocol.EventOffer); !ok {
		t.Fatalf("offer not routed")
	}
	c.OnAnswer("b", protocol.AnswerPayload{To: "a"})
	if _, ok := alice.lastEvent(t, protocol.EventAnswer); !ok {
		t.Fatalf("answer not routed")
	}
	c.OnCandidate("a", protocol.CandidatePayload{To: "b"})
	env, ok := bob.lastEvent(t, protocol.EventICECandidate)
	if !ok {
		t.Fatalf("candidate not routed")
	}
	var cp protocol.CandidatePayload
	if err := json.Unmarshal(env.Data, &cp); err != nil {
		t.Fatalf("unmarshal candidate: %v", err)
	}
	if cp.From != "a" {
		t.Fatalf("candidate From = %q, want a", cp.From)
	}
}

func TestBackpressureEvictsMember(t *testing.T) {
	c := NewCoordinator()
	join(t, c, "a", "Alice")

	canceled := false
	slow := &fakeConn{fail: true}
	c.Registry.Bind("b", slow, func() { canceled = true })
	if err := c.Register("b", "Bob"); err != nil {
		t.Fatalf("register: %v", err)
	}

	c.OnMovement("a", protocol.MovementPayload{Position: &domain.Position{X: 1}, Direction: domain.FacingUp, Moving: true})
	if !canceled {
		t.Fatalf("slow member was not evicted")
	}
}

func TestDisconnectFanOut(t *testing.T) {
	c := NewCoordinator()
	join(t, c, "a", "Alice")
	bob := join(t, c, "b", "Bob")

	c.OnDisconnect("a")

	env, ok := bob.lastEvent(t, protocol.EventPlayerDisconnected)
	if !ok {
		t.Fatalf("no playerDisconnected fan-out")
	}
	var pd protocol.PlayerDisconnectedPayload
	if err := json.Unmarshal(env.Data, &pd); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if pd.ID != "a" || pd.Count != 1 {
		t.Fatalf("playerDisconnected = %+v, want id a count 1", pd)
	}
	if c.Registry.IsRegistered("a") {
		t.Fatalf("departed session still registered")
	}
}

func TestAnonymousDisconnectSilent(t *testing.T) {
	c := NewCoordinator()
	bob := join(t, c, "b", "Bob")
	c.Registry.Bind("anon", &fakeConn{}, nil)

	c.OnDisconnect("anon")
	if bob.countEvent(t, protocol.EventPlayerDisconnected) != 0 {
		t.Fatalf("anonymous disconnect announced")
	}
}

func TestMeetingNamesLifecycle(t *testing.T) {
	c := NewCoordinator()
	alice := join(t, c, "a", "Alice")
	bob := join(t, c, "b", "Bob")

	c.OnAnnounceMeetingName("a", protocol.AnnounceMeetingNamePayload{Name: "Alice"})
	c.OnAnnounceMeetingName("b", protocol.AnnounceMeetingNamePayload{Name: "Bob"})

	env, ok := alice.lastEvent(t, protocol.EventMeetingNames)
	if !ok {
		t.Fatalf("member missed the names broadcast")
	}
	var names protocol.MeetingNamesPayload
	if err := json.Unmarshal(env.Data, &names); err != nil {
		t.Fatalf("unmarshal names: %v", err)
	}
	if len(names.Names) != 2 || names.Names["b"] != "Bob" {
		t.Fatalf("names = %+v", names.Names)
	}

	// Empty announce falls back to the registered display name.
	c.OnLeaveMeeting("b")
	c.OnAnnounceMeetingName("b", protocol.AnnounceMeetingNamePayload{})
	env, _ = alice.lastEvent(t, protocol.EventMeetingNames)
	if err := json.Unmarshal(env.Data, &names); err != nil {
		t.Fatalf("unmarshal names: %v", err)
	}
	if names.Names["b"] != "Bob" {
		t.Fatalf("empty announce: names = %+v, want display-name fallback", names.Names)
	}

	c.OnLeaveMeeting("a")
	env, ok = bob.lastEvent(t, protocol.EventMeetingNames)
	if !ok {
		t.Fatalf("remaining member missed the leave broadcast")
	}
	// Reset before reuse: Unmarshal merges into a non-nil map.
	names = protocol.MeetingNamesPayload{}
	if err := json.Unmarshal(env.Data, &names); err != nil {
		t.Fatalf("unmarshal names: %v", err)
	}
	if _, stillThere := names.Names["a"]; stillThere {
		t.Fatalf("departed member still in names: %+v", names.Names)
	}

	// Leaving twice does not re-broadcast.
	before := bob.countEvent(t, protocol.EventMeetingNames)
	c.OnLeaveMeeting("a")
	if bob.countEvent(t, protocol.EventMeetingNames) != before {
		t.Fatalf("idempotent leave broadcast again")
	}
}

func TestRequestMeetingNames(t *testing.T) {
	c := NewCoordinator()
	join(t, c, "a", "Alice")
	bob := join(t, c, "b", "Bob")

	c.OnAnnounceMeetingName("a", protocol.AnnounceMeetingNamePayload{Name: "Alice"})
	c.OnRequestMeetingNames("b")

	env, ok := bob.lastEvent(t, protocol.EventMeetingNames)
	if !ok {
		t.Fatalf("no names reply")
	}
	var names protocol.MeetingNamesPayload
	if err := json.Unmarshal(env.Data, &names); err != nil {
		t.Fatalf("unmarshal names: %v", err)
	}
	if names.Names["a"] != "Alice" {
		t.Fatalf("names = %+v", names.Names)
	}
}

func TestDisconnectPrunesMeeting(t *testing.T) {
	c := NewCoordinator()
	alice := join(t, c, "a", "Alice")
	join(t, c, "b", "Bob")

	c.OnAnnounceMeetingName("a", protocol.AnnounceMeetingNamePayload{Name: "Alice"})
	c.OnAnnounceMeetingName("b", protocol.AnnounceMeetingNamePayload{Name: "Bob"})
	c.OnDisconnect("b")

	env, _ := alice.lastEvent(t, protocol.EventMeetingNames)
	var names protocol.MeetingNamesPayload
	if err := json.Unmarshal(env.Data, &names); err != nil {
		t.Fatalf("unmarshal names: %v", err)
	}
	if _, there := names.Names["b"]; there {
		t.Fatalf("dead session still in meeting names")
	}
}
