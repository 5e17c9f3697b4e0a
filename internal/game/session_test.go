package game

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/park285/reversi-bot/internal/reversi"
)

type putCall struct {
	pos int
	id  string
}

type fakeChannel struct {
	mu    sync.Mutex
	puts  chan putCall
	ended int
}

func newFakeChannel() *fakeChannel { return &fakeChannel{puts: make(chan putCall, 16)} }

func (f *fakeChannel) PutStone(_ context.Context, pos int, id string) error {
	f.puts <- putCall{pos: pos, id: id}
	return nil
}

func (f *fakeChannel) End(context.Context) error {
	f.mu.Lock()
	f.ended++
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) endCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ended
}

type post struct {
	text, replyTo string
}

type fakeAnnouncer struct {
	mu    sync.Mutex
	posts []post
	fail  bool

	onAnnounce func()
}

func (f *fakeAnnouncer) Announce(_ context.Context, text, replyTo string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onAnnounce != nil {
		f.onAnnounce()
	}
	if f.fail {
		return "", errors.New("feed down")
	}
	f.posts = append(f.posts, post{text: text, replyTo: replyTo})
	return "post-" + text, nil
}

func (f *fakeAnnouncer) all() []post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]post(nil), f.posts...)
}

type catNarrator struct{}

func (catNarrator) Narrate(cat Category, _ NarrationData) (string, error) { return string(cat), nil }

var smallSeed = []string{"----", "-wb-", "-bw-", "----"}

type harness struct {
	s      *Session
	ch     *fakeChannel
	ann    *fakeAnnouncer
	events chan Event
	done   chan error
}

func startSession(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		ch:     newFakeChannel(),
		ann:    &fakeAnnouncer{},
		events: make(chan Event, 16),
		done:   make(chan error, 1),
	}
	h.s = NewSession(cfg, h.ch, h.ann, catNarrator{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { h.done <- h.s.Run(ctx, h.events) }()
	h.events <- InitEvent{MatchID: "m1", BotID: "bot", Opponent: "alice", URL: "https://example.test/reversi/g/m1"}
	return h
}

func (h *harness) waitPut(t *testing.T) putCall {
	t.Helper()
	select {
	case p := <-h.ch.puts:
		return p
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a move")
		return putCall{}
	}
}

func (h *harness) waitDone(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for the session to end")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFreePlacementIsRejected(t *testing.T) {
	h := startSession(t, Config{Strength: 2, AllowPost: true})
	endedAtPost := -1
	h.ann.mu.Lock()
	h.ann.onAnnounce = func() { endedAtPost = h.ch.endCount() }
	h.ann.mu.Unlock()
	h.events <- StartedEvent{Map: smallSeed, Options: reversi.Options{FreePlacement: true}, BotColor: reversi.Black}

	if err := h.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.ch.endCount() != 1 {
		t.Fatalf("expected one ended emission, got %d", h.ch.endCount())
	}
	select {
	case p := <-h.ch.puts:
		t.Fatalf("unexpected move %d", p.pos)
	default:
	}
	posts := h.ann.all()
	if len(posts) != 1 || posts[0].text != string(CatUnsupported) {
		t.Fatalf("posts=%v", posts)
	}
	h.ann.mu.Lock()
	defer h.ann.mu.Unlock()
	if endedAtPost != 1 {
		t.Fatalf("unsupported post went out before ended (ended=%d)", endedAtPost)
	}
}

func TestSessionPlaysAndSkipsOwnEcho(t *testing.T) {
	h := startSession(t, Config{Strength: 2, AllowPost: true})
	h.events <- StartedEvent{Map: smallSeed, BotColor: reversi.Black}

	first := h.waitPut(t)
	if first.pos != 1 {
		t.Fatalf("first move=%d, want 1 (first of equal options)", first.pos)
	}
	if first.id == "" {
		t.Fatalf("missing idempotency id")
	}

	// The echo must not be applied a second time.
	h.events <- LogEvent{Operation: OperationPut, Pos: first.pos, ID: first.id}
	h.events <- LogEvent{Operation: OperationPut, Pos: 2}

	second := h.waitPut(t)
	if second.id == first.id {
		t.Fatalf("idempotency id reused")
	}
	waitFor(t, "ply 3", func() bool { return h.s.Snapshot().Ply == 3 })
	snap := h.s.Snapshot()
	if snap.BotColor != reversi.Black || snap.MaxTurn != 12 || snap.MatchID != "m1" {
		t.Fatalf("snapshot=%+v", snap)
	}

	h.events <- EndedEvent{WinnerID: "bot"}
	if err := h.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st := h.s.Snapshot().State; st != StateEnded {
		t.Fatalf("state=%v", st)
	}
	posts := h.ann.all()
	if len(posts) != 2 {
		t.Fatalf("posts=%v", posts)
	}
	if posts[0].text != string(CatStarted) || posts[1].text != string(CatWon) {
		t.Fatalf("posts=%v", posts)
	}
	if posts[1].replyTo != "post-"+string(CatStarted) {
		t.Fatalf("end post should reply to the start post, got %q", posts[1].replyTo)
	}
	if h.ch.endCount() != 0 {
		t.Fatalf("session should not emit ended on a normal finish")
	}
}

func TestEventsQueuedWhileThinking(t *testing.T) {
	h := startSession(t, Config{Strength: 2, SettleDelay: 150 * time.Millisecond})
	h.events <- StartedEvent{Map: smallSeed, BotColor: reversi.Black}

	waitFor(t, "thinking", func() bool { return h.s.Snapshot().State == StateThinking })
	// Arrives before the bot has emitted; it is only legal after the bot's move at 1.
	h.events <- LogEvent{Operation: OperationPut, Pos: 2}

	first := h.waitPut(t)
	if first.pos != 1 {
		t.Fatalf("first move=%d", first.pos)
	}
	h.waitPut(t)
	waitFor(t, "ply 3", func() bool { return h.s.Snapshot().Ply == 3 })
	if h.ch.endCount() != 0 {
		t.Fatalf("queued move caused an abort")
	}

	h.events <- EndedEvent{WinnerID: "alice"}
	if err := h.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if posts := h.ann.all(); len(posts) != 0 {
		t.Fatalf("posting disabled but got %v", posts)
	}
}

func TestEndedInterruptsSettleDelay(t *testing.T) {
	h := startSession(t, Config{Strength: 3, SettleDelay: time.Hour, AllowPost: true})
	h.events <- StartedEvent{Map: smallSeed, BotColor: reversi.Black}
	waitFor(t, "thinking", func() bool { return h.s.Snapshot().State == StateThinking })

	h.events <- EndedEvent{WinnerID: "alice", Surrendered: false}
	if err := h.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	select {
	case p := <-h.ch.puts:
		t.Fatalf("move %d emitted after end", p.pos)
	default:
	}
	posts := h.ann.all()
	if len(posts) != 2 || posts[1].text != string(CatLost) {
		t.Fatalf("posts=%v", posts)
	}
}

func TestMalformedMoveAborts(t *testing.T) {
	h := startSession(t, Config{Strength: 2})
	h.events <- StartedEvent{Map: smallSeed, BotColor: reversi.White}
	waitFor(t, "waiting", func() bool { return h.s.Snapshot().State == StateWaitingOpponent })

	h.events <- LogEvent{Operation: OperationPut, Pos: 0}
	err := h.waitDone(t)
	if !errors.Is(err, ErrMalformedMove) || !errors.Is(err, reversi.ErrIllegalMove) {
		t.Fatalf("err=%v", err)
	}
	if h.ch.endCount() != 1 {
		t.Fatalf("expected ended emission on abort")
	}
}

func TestMalformedMapAborts(t *testing.T) {
	h := startSession(t, Config{Strength: 2})
	h.events <- StartedEvent{Map: []string{"---", "--"}, BotColor: reversi.Black}
	if err := h.waitDone(t); !errors.Is(err, ErrMalformedMap) {
		t.Fatalf("err=%v", err)
	}
}

func TestFormOverridesStrength(t *testing.T) {
	h := startSession(t, Config{Strength: 4})
	h.events <- StartedEvent{Map: smallSeed, BotColor: reversi.Black, Form: &Form{Strength: 1}}
	if err := h.waitDone(t); !errors.Is(err, ErrInvalidStrength) {
		t.Fatalf("err=%v", err)
	}
}

func TestAnnounceFailureIsSwallowed(t *testing.T) {
	h := startSession(t, Config{Strength: 0, AllowPost: true})
	h.ann.mu.Lock()
	h.ann.fail = true
	h.ann.mu.Unlock()
	h.events <- StartedEvent{Map: smallSeed, BotColor: reversi.White}
	waitFor(t, "waiting", func() bool { return h.s.Snapshot().State == StateWaitingOpponent })
	h.events <- EndedEvent{WinnerID: "bot"}
	if err := h.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestEndCategory(t *testing.T) {
	cases := []struct {
		ev     EndedEvent
		settai bool
		want   Category
	}{
		{EndedEvent{WinnerID: "bot"}, false, CatWon},
		{EndedEvent{WinnerID: "bot"}, true, CatWonSettai},
		{EndedEvent{WinnerID: "u2"}, false, CatLost},
		{EndedEvent{WinnerID: "u2"}, true, CatLostSettai},
		{EndedEvent{}, false, CatDrew},
		{EndedEvent{}, true, CatDrewSettai},
		{EndedEvent{WinnerID: "bot", Surrendered: true}, false, CatSurrendered},
		{EndedEvent{WinnerID: "bot", Surrendered: true}, true, CatSurrenderedSettai},
	}
	for _, c := range cases {
		if got := EndCategory(c.ev, "bot", c.settai); got != c.want {
			t.Fatalf("EndCategory(%+v, settai=%v)=%s want %s", c.ev, c.settai, got, c.want)
		}
	}
}
