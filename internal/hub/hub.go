package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/park285/reversi-bot/internal/game"
	"github.com/park285/reversi-bot/internal/matchreg"
	"github.com/park285/reversi-bot/internal/obslog"
	"github.com/park285/reversi-bot/internal/stream"
)

const (
	lobbyChannel = "reversi"
	mainChannel  = "main"
	gameChannel  = "reversiGame"
	eventBuffer  = 64
)

var ErrClosed = errors.New("hub: closed")

// Conn is one channel connection on the duplex stream.
type Conn interface {
	Events() <-chan stream.Message
	Done() <-chan struct{}
	Send(ctx context.Context, typ string, body any) error
	Dispose(ctx context.Context) error
}

// Connector opens channel connections.
type Connector interface {
	Open(ctx context.Context, channel string, params any) (Conn, error)
}

// Matcher accepts invitations.
type Matcher interface {
	AcceptMatch(ctx context.Context, userID string) (json.RawMessage, error)
}

type streamConnector struct{ c *stream.Client }

func (s streamConnector) Open(ctx context.Context, channel string, params any) (Conn, error) {
	cn, err := s.c.Connect(ctx, channel, params)
	if err != nil {
		return nil, err
	}
	return cn, nil
}

// FromStream adapts a stream client to Connector.
func FromStream(c *stream.Client) Connector { return streamConnector{c: c} }

type Config struct {
	BotID      string
	Host       string
	ReadyDelay time.Duration
	Session    game.Config
}

type Deps struct {
	Conn      Connector
	Matcher   Matcher
	Announcer game.Announcer // nil disables posting
	Narrator  game.Narrator
	Registry  matchreg.Registry
}

type match struct {
	id      string
	session *game.Session
	cancel  context.CancelFunc
}

// Hub routes the lobby channel into matches and runs one session
// goroutine per match.
type Hub struct {
	cfg   Config
	deps  Deps
	owner string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	matches map[string]*match
	closed  bool
	wg      sync.WaitGroup
}

func New(cfg Config, deps Deps) *Hub {
	if deps.Registry == nil {
		deps.Registry = matchreg.NewMemory()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:     cfg,
		deps:    deps,
		owner:   uuid.NewString(),
		ctx:     ctx,
		cancel:  cancel,
		matches: make(map[string]*match),
	}
}

// Run listens on the lobby and main channels until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	lobby, err := h.deps.Conn.Open(ctx, lobbyChannel, nil)
	if err != nil {
		return fmt.Errorf("open lobby: %w", err)
	}
	defer dispose(lobby)
	home, err := h.deps.Conn.Open(ctx, mainChannel, nil)
	if err != nil {
		return fmt.Errorf("open main: %w", err)
	}
	defer dispose(home)
	obslog.L().Info("hub_lobby_open", zap.String("owner", h.owner))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.ctx.Done():
			return nil
		case <-lobby.Done():
			return nil
		case <-home.Done():
			return nil
		case m := <-lobby.Events():
			h.onLobby(ctx, m)
		case m := <-home.Events():
			h.onMain(ctx, m)
		}
	}
}

func dispose(c Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.Dispose(ctx)
}

func (h *Hub) onLobby(ctx context.Context, m stream.Message) {
	switch m.Type {
	case "matched":
		var b matchedBody
		if err := json.Unmarshal(m.Body, &b); err != nil {
			obslog.L().Warn("hub_bad_matched", zap.Error(err))
			return
		}
		if err := h.Start(b.Game); err != nil {
			obslog.L().Warn("hub_start_failed", zap.String("match_id", b.Game.ID), zap.Error(err))
		}

	case "invited":
		var b invitedBody
		if err := json.Unmarshal(m.Body, &b); err != nil {
			obslog.L().Warn("hub_bad_invited", zap.Error(err))
			return
		}
		obslog.L().Info("hub_invited", zap.String("user", b.User.Username))
		h.accept(ctx, b.User)

	default:
		obslog.L().Debug("hub_lobby_ignored", zap.String("type", m.Type))
	}
}

// onMain handles page events; an inviteReversi page event asks the bot to
// match the sender.
func (h *Hub) onMain(ctx context.Context, m stream.Message) {
	if m.Type != "pageEvent" {
		return
	}
	var b pageEventBody
	if err := json.Unmarshal(m.Body, &b); err != nil {
		obslog.L().Warn("hub_bad_page_event", zap.Error(err))
		return
	}
	if b.Event != "inviteReversi" || b.User.ID == "" {
		return
	}
	obslog.L().Info("hub_page_invite", zap.String("user", b.User.Username))
	h.accept(ctx, b.User)
}

// accept answers an invitation from u and starts the match the server
// returns, if any.
func (h *Hub) accept(ctx context.Context, u User) {
	if h.deps.Matcher == nil {
		return
	}
	raw, err := h.deps.Matcher.AcceptMatch(ctx, u.ID)
	if err != nil {
		obslog.L().Warn("hub_accept_failed", zap.String("user_id", u.ID), zap.Error(err))
		return
	}
	var g Match
	if err := json.Unmarshal(raw, &g); err != nil || g.ID == "" {
		// the server may answer with a pending invitation; matched follows on the lobby
		obslog.L().Debug("hub_accept_no_match", zap.String("user_id", u.ID), zap.Error(err))
		return
	}
	if err := h.Start(g); err != nil {
		obslog.L().Warn("hub_start_failed", zap.String("match_id", g.ID), zap.Error(err))
	}
}

// Start claims m and spawns its session. Starting a match this hub already
// plays is a no-op.
func (h *Hub) Start(m Match) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if _, dup := h.matches[m.ID]; dup {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	ok, err := h.deps.Registry.Claim(h.ctx, m.ID, h.owner)
	if err != nil {
		return err
	}
	if !ok {
		obslog.L().Info("hub_match_claimed_elsewhere", zap.String("match_id", m.ID))
		return nil
	}

	gw, err := h.deps.Conn.Open(h.ctx, gameChannel, map[string]string{"gameId": m.ID})
	if err != nil {
		_ = h.deps.Registry.Release(h.ctx, m.ID, h.owner)
		return fmt.Errorf("open game channel: %w", err)
	}

	sctx, cancel := context.WithCancel(h.ctx)
	sess := game.NewSession(h.cfg.Session, sessionChannel{gw: gw}, h.deps.Announcer, h.deps.Narrator)
	mt := &match{id: m.ID, session: sess, cancel: cancel}

	h.mu.Lock()
	if _, dup := h.matches[m.ID]; dup || h.closed {
		h.mu.Unlock()
		cancel()
		_ = gw.Dispose(h.ctx)
		if dup {
			return nil
		}
		return ErrClosed
	}
	h.matches[m.ID] = mt
	h.mu.Unlock()

	opp := m.Opponent(h.cfg.BotID)
	obslog.L().Info("hub_match_start", zap.String("match_id", m.ID), zap.String("opponent", opp.Username))

	events := make(chan game.Event, eventBuffer)
	events <- game.InitEvent{
		MatchID:  m.ID,
		BotID:    h.cfg.BotID,
		Opponent: OpponentLabel(opp, h.cfg.Host),
		URL:      GameURL(h.cfg.Host, m.ID),
	}

	h.wg.Add(2)
	go h.pump(sctx, m.ID, gw, events)
	go func() {
		defer h.wg.Done()
		err := sess.Run(sctx, events)
		cancel()
		h.finish(m.ID, gw, err)
	}()
	return nil
}

// pump forwards game-channel traffic into the session and answers the
// readiness handshake.
func (h *Hub) pump(ctx context.Context, matchID string, gw Conn, events chan<- game.Event) {
	defer h.wg.Done()
	ready := time.NewTimer(h.cfg.ReadyDelay)
	defer ready.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gw.Done():
			return
		case <-ready.C:
			h.sendReady(ctx, matchID, gw, true)
		case m := <-gw.Events():
			if m.Type == "updateSettings" {
				var b updateSettingsBody
				if err := json.Unmarshal(m.Body, &b); err == nil && b.Key == "canPutEverywhere" {
					h.sendReady(ctx, matchID, gw, !truthy(b.Value))
				}
				continue
			}
			ev, ok, err := translate(m.Type, m.Body, h.cfg.BotID)
			if err != nil {
				obslog.L().Warn("hub_bad_game_message", zap.String("match_id", matchID), zap.String("type", m.Type), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (h *Hub) sendReady(ctx context.Context, matchID string, gw Conn, ready bool) {
	if err := gw.Send(ctx, "ready", ready); err != nil {
		obslog.L().Warn("hub_ready_failed", zap.String("match_id", matchID), zap.Error(err))
	}
}

func (h *Hub) finish(matchID string, gw Conn, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := gw.Dispose(ctx); err != nil {
		obslog.L().Debug("hub_game_dispose_failed", zap.String("match_id", matchID), zap.Error(err))
	}
	if err := h.deps.Registry.Release(ctx, matchID, h.owner); err != nil {
		obslog.L().Warn("hub_release_failed", zap.String("match_id", matchID), zap.Error(err))
	}
	h.mu.Lock()
	delete(h.matches, matchID)
	h.mu.Unlock()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		obslog.L().Warn("hub_match_aborted", zap.String("match_id", matchID), zap.Error(runErr))
		return
	}
	obslog.L().Info("hub_match_done", zap.String("match_id", matchID))
}

// Active returns snapshots of running sessions ordered by match id.
func (h *Hub) Active() []game.Snapshot {
	h.mu.Lock()
	out := make([]game.Snapshot, 0, len(h.matches))
	for _, m := range h.matches {
		out = append(out, m.session.Snapshot())
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].MatchID < out[j].MatchID })
	return out
}

// Close stops every session, waits for them, and closes the registry.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()

	var errs error
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = multierror.Append(errs, fmt.Errorf("wait sessions: %w", ctx.Err()))
	}
	if err := h.deps.Registry.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close registry: %w", err))
	}
	return errs
}

// sessionChannel is the session's outbound side of a game connection.
type sessionChannel struct{ gw Conn }

func (c sessionChannel) PutStone(ctx context.Context, pos int, id string) error {
	return c.gw.Send(ctx, "putStone", putStoneBody{Pos: pos, ID: id})
}

func (c sessionChannel) End(ctx context.Context) error {
	return c.gw.Dispose(ctx)
}
