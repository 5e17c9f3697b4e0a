package hub

import (
	"encoding/json"
	"fmt"

	"github.com/park285/reversi-bot/internal/game"
	"github.com/park285/reversi-bot/internal/reversi"
)

// User is the subset of a feed account the bot reads.
type User struct {
	ID       string  `json:"id"`
	Username string  `json:"username"`
	Name     *string `json:"name"`
}

// Match is the server's game object as sent in matched, started and ended.
type Match struct {
	ID      string `json:"id"`
	User1ID string `json:"user1Id"`
	User2ID string `json:"user2Id"`
	User1   *User  `json:"user1"`
	User2   *User  `json:"user2"`

	Black            int      `json:"black"` // 1 or 2: which user plays Black
	Map              []string `json:"map"`
	IsLlotheo        bool     `json:"isLlotheo"`
	CanPutEverywhere bool     `json:"canPutEverywhere"`
	LoopedBoard      bool     `json:"loopedBoard"`

	Surrendered any `json:"surrendered"` // user id, bool, or null depending on server version
}

type matchedBody struct {
	Game Match `json:"game"`
}

type invitedBody struct {
	User User `json:"user"`
}

type pageEventBody struct {
	Event string `json:"event"`
	User  User   `json:"user"`
}

type startedBody struct {
	Game Match `json:"game"`
}

type endedBody struct {
	WinnerID *string `json:"winnerId"`
	Game     Match   `json:"game"`
}

type logBody struct {
	Operation string  `json:"operation"`
	Pos       int     `json:"pos"`
	ID        *string `json:"id"`
}

type updateSettingsBody struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type putStoneBody struct {
	Pos int    `json:"pos"`
	ID  string `json:"id"`
}

// BotColor derives the bot's color from which user it is and Match.Black.
func BotColor(m Match, botID string) (reversi.Color, error) {
	var slot int
	switch botID {
	case m.User1ID:
		slot = 1
	case m.User2ID:
		slot = 2
	default:
		return 0, fmt.Errorf("hub: bot %s is not a player in %s", botID, m.ID)
	}
	if m.Black != 1 && m.Black != 2 {
		return 0, fmt.Errorf("hub: match %s has invalid black=%d", m.ID, m.Black)
	}
	if slot == m.Black {
		return reversi.Black, nil
	}
	return reversi.White, nil
}

// Opponent returns the player that is not the bot.
func (m Match) Opponent(botID string) User {
	if m.User1ID == botID {
		if m.User2 != nil {
			return *m.User2
		}
		return User{ID: m.User2ID}
	}
	if m.User1 != nil {
		return *m.User1
	}
	return User{ID: m.User1ID}
}

func (m Match) options() reversi.Options {
	opts := reversi.Options{Wraparound: m.LoopedBoard, FreePlacement: m.CanPutEverywhere}
	if m.IsLlotheo {
		opts.Scoring = reversi.Llotheo
	}
	return opts
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	default:
		return true
	}
}

// translate maps a game-channel message onto a session event. ok is false
// for messages the session does not consume.
func translate(typ string, raw json.RawMessage, botID string) (ev game.Event, ok bool, err error) {
	switch typ {
	case "started":
		var b startedBody
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, false, fmt.Errorf("decode started: %w", err)
		}
		color, err := BotColor(b.Game, botID)
		if err != nil {
			return nil, false, err
		}
		return game.StartedEvent{Map: b.Game.Map, Options: b.Game.options(), BotColor: color}, true, nil

	case "log":
		var b logBody
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, false, fmt.Errorf("decode log: %w", err)
		}
		ev := game.LogEvent{Operation: b.Operation, Pos: b.Pos}
		if b.ID != nil {
			ev.ID = *b.ID
		}
		return ev, true, nil

	case "ended":
		var b endedBody
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, false, fmt.Errorf("decode ended: %w", err)
		}
		ev := game.EndedEvent{Surrendered: truthy(b.Game.Surrendered)}
		if b.WinnerID != nil {
			ev.WinnerID = *b.WinnerID
		}
		return ev, true, nil
	}
	return nil, false, nil
}
