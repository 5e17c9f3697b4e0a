package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/reversi-bot/internal/ai"
	"github.com/park285/reversi-bot/internal/obslog"
	"github.com/park285/reversi-bot/internal/reversi"
)

// State is the session lifecycle position.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateThinking
	StateWaitingOpponent
	StateGameOver
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateThinking:
		return "thinking"
	case StateWaitingOpponent:
		return "waiting_opponent"
	case StateGameOver:
		return "game_over"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	DefaultSettleDelay = 500 * time.Millisecond

	// bound on how long the closing post waits for the opening one
	startedPostWait = 10 * time.Second
)

var (
	ErrEventsClosed     = errors.New("game: event stream closed")
	ErrUnsupportedRules = errors.New("game: free placement is not supported")
	ErrMalformedMap     = errors.New("game: malformed map")
	ErrMalformedMove    = errors.New("game: malformed move")
	ErrInvalidStrength  = errors.New("game: invalid strength")
	ErrMoveEmitFailed   = errors.New("game: move emit failed")
	ErrSearchFailed     = errors.New("game: search failed")
)

// Config holds session defaults; a StartedEvent form overrides them.
type Config struct {
	Strength    int
	AllowPost   bool
	SettleDelay time.Duration
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	MatchID  string
	State    State
	BotColor reversi.Color
	Ply      int
	MaxTurn  int
	Pending  int
}

type searchResult struct {
	res ai.Result
	err error
}

// Session plays one match. All game state is owned by the Run goroutine;
// only the snapshot is shared.
type Session struct {
	cfg Config
	ch  Channel
	ann Announcer
	nar Narrator

	mu   sync.Mutex
	snap Snapshot

	// owned by Run
	state     State
	matchID   string
	botID     string
	opponent  string
	url       string
	form      Form
	board     *reversi.Board
	bot       reversi.Color
	corners   reversi.CornerSets
	maxTurn   int
	ply       int
	pending   map[string]struct{}
	queue     []Event
	results   chan searchResult
	chosen    int
	settle    *time.Timer
	settleC   <-chan time.Time
	startPost chan string
}

// NewSession builds an idle session. ann may be nil, in which case nothing
// is posted.
func NewSession(cfg Config, ch Channel, ann Announcer, nar Narrator) *Session {
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	return &Session{
		cfg:     cfg,
		ch:      ch,
		ann:     ann,
		nar:     nar,
		form:    Form{Strength: cfg.Strength, AllowPost: cfg.AllowPost},
		pending: make(map[string]struct{}),
	}
}

// Snapshot is safe to call from any goroutine.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *Session) publish() {
	s.mu.Lock()
	s.snap = Snapshot{
		MatchID:  s.matchID,
		State:    s.state,
		BotColor: s.bot,
		Ply:      s.ply,
		MaxTurn:  s.maxTurn,
		Pending:  len(s.pending),
	}
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.state = st
	s.publish()
}

func (s *Session) busy() bool { return s.state == StateThinking }

// Run consumes events until the match ends, the context is cancelled, or
// the session aborts. A nil return means the match reached a normal end.
// Run must be called at most once.
func (s *Session) Run(ctx context.Context, events <-chan Event) error {
	defer func() {
		if s.settle != nil {
			s.settle.Stop()
		}
		s.setState(StateEnded)
	}()

	for {
		if !s.busy() && len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			if done, err := s.handle(ctx, ev); done {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return ErrEventsClosed
			}
			if end, isEnd := ev.(EndedEvent); isEnd {
				return s.finish(ctx, end)
			}
			if s.busy() {
				s.queue = append(s.queue, ev)
				continue
			}
			if done, err := s.handle(ctx, ev); done {
				return err
			}

		case r := <-s.results:
			s.results = nil
			if r.err != nil {
				return s.abort(ctx, fmt.Errorf("%w: %w", ErrSearchFailed, r.err))
			}
			obslog.L().Debug("session_think_done",
				zap.String("match_id", s.matchID),
				zap.Int("pos", r.res.Pos),
				zap.Int("score", r.res.Score),
				zap.Int("nodes", r.res.Nodes))
			s.chosen = r.res.Pos
			s.settle = time.NewTimer(s.cfg.SettleDelay)
			s.settleC = s.settle.C

		case <-s.settleC:
			s.settleC = nil
			if err := s.emit(ctx); err != nil {
				return s.abort(ctx, err)
			}
			s.advance()
		}
	}
}

// handle processes one non-terminal event. done reports that Run must return err.
func (s *Session) handle(ctx context.Context, ev Event) (done bool, err error) {
	switch e := ev.(type) {
	case InitEvent:
		if s.state != StateIdle {
			obslog.L().Warn("session_init_ignored", zap.String("match_id", s.matchID), zap.Stringer("state", s.state))
			return false, nil
		}
		s.matchID, s.botID, s.opponent, s.url = e.MatchID, e.BotID, e.Opponent, e.URL
		s.setState(StateInitializing)
		return false, nil

	case StartedEvent:
		if s.state != StateInitializing {
			obslog.L().Warn("session_started_ignored", zap.String("match_id", s.matchID), zap.Stringer("state", s.state))
			return false, nil
		}
		return s.start(ctx, e)

	case LogEvent:
		return s.onLog(ctx, e)

	default:
		obslog.L().Debug("session_event_ignored", zap.String("match_id", s.matchID), zap.String("type", fmt.Sprintf("%T", ev)))
		return false, nil
	}
}

func (s *Session) start(ctx context.Context, e StartedEvent) (bool, error) {
	if e.Form != nil {
		s.form = *e.Form
	}
	if e.Options.FreePlacement {
		obslog.L().Info("session_unsupported_rules", zap.String("match_id", s.matchID))
		err := s.abort(ctx, ErrUnsupportedRules)
		s.announce(ctx, CatUnsupported, "")
		return true, err
	}
	if !ai.ValidStrength(s.form.Strength) {
		return true, s.abort(ctx, fmt.Errorf("%w: %d", ErrInvalidStrength, s.form.Strength))
	}
	if e.BotColor != reversi.Black && e.BotColor != reversi.White {
		return true, s.abort(ctx, fmt.Errorf("%w: bot color %d", ErrMalformedMap, e.BotColor))
	}

	b, err := reversi.New(e.Map, e.Options)
	if err != nil {
		return true, s.abort(ctx, fmt.Errorf("%w: %w", ErrMalformedMap, err))
	}
	s.board = b
	s.bot = e.BotColor
	s.corners = reversi.AnalyzeCorners(b)
	s.maxTurn = b.EmptyCount()

	obslog.L().Info("session_started",
		zap.String("match_id", s.matchID),
		zap.Stringer("bot_color", s.bot),
		zap.Int("strength", s.form.Strength),
		zap.Int("width", b.Width()),
		zap.Int("height", b.Height()),
		zap.Int("max_turn", s.maxTurn),
		zap.Bool("llotheo", e.Options.Scoring == reversi.Llotheo),
		zap.Bool("wraparound", e.Options.Wraparound))

	s.startPost = make(chan string, 1)
	cat := startedCategory(s.settai())
	go func() { s.startPost <- s.announce(ctx, cat, "") }()

	s.advance()
	return false, nil
}

func (s *Session) onLog(ctx context.Context, e LogEvent) (bool, error) {
	if e.Operation != OperationPut {
		return false, nil
	}
	if e.ID != "" {
		if _, mine := s.pending[e.ID]; mine {
			delete(s.pending, e.ID)
			s.publish()
			return false, nil
		}
	}
	if s.state != StateWaitingOpponent {
		obslog.L().Warn("session_log_unexpected",
			zap.String("match_id", s.matchID),
			zap.Stringer("state", s.state),
			zap.Int("pos", e.Pos))
		return false, nil
	}
	if err := s.board.PutStone(e.Pos); err != nil {
		return true, s.abort(ctx, fmt.Errorf("%w: pos %d: %w", ErrMalformedMove, e.Pos, err))
	}
	s.ply++
	obslog.L().Debug("session_opponent_move", zap.String("match_id", s.matchID), zap.Int("pos", e.Pos), zap.Int("ply", s.ply))
	s.advance()
	return false, nil
}

// advance picks the next state from whose turn the board now reports.
func (s *Session) advance() {
	turn, ok := s.board.Turn()
	switch {
	case !ok:
		s.setState(StateGameOver)
	case turn == s.bot:
		s.think()
	default:
		s.setState(StateWaitingOpponent)
	}
}

// think hands the board to a search goroutine. Nothing else touches the
// board until the result arrives on s.results.
func (s *Session) think() {
	s.setState(StateThinking)
	results := make(chan searchResult, 1)
	s.results = results
	b := s.board
	p := ai.Params{
		Bot:         s.bot,
		Strength:    s.form.Strength,
		Llotheo:     b.Options().Scoring == reversi.Llotheo,
		Corners:     s.corners,
		MaxTurn:     s.maxTurn,
		CurrentTurn: s.ply,
	}
	obslog.L().Debug("session_think", zap.String("match_id", s.matchID), zap.Int("ply", s.ply))
	go func() {
		res, err := ai.ChooseMove(b, p)
		results <- searchResult{res: res, err: err}
	}()
}

func (s *Session) emit(ctx context.Context) error {
	pos := s.chosen
	if err := s.board.PutStone(pos); err != nil {
		return fmt.Errorf("%w: pos %d: %w", ErrSearchFailed, pos, err)
	}
	id := uuid.NewString()
	s.pending[id] = struct{}{}
	s.ply++
	if err := s.ch.PutStone(ctx, pos, id); err != nil {
		return fmt.Errorf("%w: %w", ErrMoveEmitFailed, err)
	}
	obslog.L().Info("session_move_emit",
		zap.String("match_id", s.matchID),
		zap.Int("pos", pos),
		zap.Int("ply", s.ply),
		zap.String("id", id))
	return nil
}

func (s *Session) finish(ctx context.Context, e EndedEvent) error {
	if s.board == nil {
		obslog.L().Info("session_ended_before_start", zap.String("match_id", s.matchID))
		return nil
	}
	replyTo := ""
	select {
	case replyTo = <-s.startPost:
	case <-time.After(startedPostWait):
	case <-ctx.Done():
	}
	cat := EndCategory(e, s.botID, s.settai())
	obslog.L().Info("session_ended",
		zap.String("match_id", s.matchID),
		zap.String("category", string(cat)),
		zap.Stringer("state", s.state),
		zap.Int("ply", s.ply))
	s.announce(ctx, cat, replyTo)
	return nil
}

// abort ends the match from our side. The channel error, if any, is logged
// and err is returned unchanged.
func (s *Session) abort(ctx context.Context, err error) error {
	obslog.L().Warn("session_abort", zap.String("match_id", s.matchID), zap.Error(err))
	if cerr := s.ch.End(ctx); cerr != nil {
		obslog.L().Warn("session_end_emit_failed", zap.String("match_id", s.matchID), zap.Error(cerr))
	}
	if errors.Is(err, ErrUnsupportedRules) {
		return nil
	}
	return err
}

func (s *Session) settai() bool { return s.form.Strength == 0 }

// announce posts narration and returns the post id, or "" when posting is
// disabled or fails.
func (s *Session) announce(ctx context.Context, cat Category, replyTo string) string {
	if !s.form.AllowPost || s.ann == nil || s.nar == nil {
		return ""
	}
	text, err := s.nar.Narrate(cat, NarrationData{Opponent: s.opponent, Strength: s.form.Strength, URL: s.url})
	if err != nil {
		obslog.L().Warn("narrate_failed", zap.String("match_id", s.matchID), zap.String("category", string(cat)), zap.Error(err))
		return ""
	}
	id, err := s.ann.Announce(ctx, text, replyTo)
	if err != nil {
		obslog.L().Warn("announce_failed", zap.String("match_id", s.matchID), zap.String("category", string(cat)), zap.Error(err))
		return ""
	}
	return id
}
