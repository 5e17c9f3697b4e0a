package game

import (
	"context"

	"github.com/park285/reversi-bot/internal/reversi"
)

// Event is any inbound message a session reacts to.
type Event interface{ isEvent() }

// InitEvent identifies the match and the parties before the board is known.
type InitEvent struct {
	MatchID  string
	BotID    string
	Opponent string // display label used in narration
	URL      string
}

// StartedEvent carries the board and rules once both players are ready.
//
// Form overrides the session's Config for this one match. The server does
// not send a form, so the hub leaves it nil and every match runs with the
// process config. Embedders driving a Session directly may set it.
type StartedEvent struct {
	Map      []string
	Options  reversi.Options
	BotColor reversi.Color
	Form     *Form
}

// LogEvent is one entry of the match log. ID is set when the entry echoes
// a move this session issued.
type LogEvent struct {
	Operation string
	Pos       int
	ID        string
}

// EndedEvent reports the end of the match. An empty WinnerID is a draw.
type EndedEvent struct {
	WinnerID    string
	Surrendered bool
}

func (InitEvent) isEvent()    {}
func (StartedEvent) isEvent() {}
func (LogEvent) isEvent()     {}
func (EndedEvent) isEvent()   {}

// OperationPut is the only log operation the engine understands.
const OperationPut = "put"

// Form is the per-match configuration surface.
type Form struct {
	Strength  int
	AllowPost bool
}

// Channel is the outbound side of the match connection.
type Channel interface {
	PutStone(ctx context.Context, pos int, id string) error
	End(ctx context.Context) error
}

// Announcer publishes narration. replyTo may be empty.
type Announcer interface {
	Announce(ctx context.Context, text, replyTo string) (string, error)
}
