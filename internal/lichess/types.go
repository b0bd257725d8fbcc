package lichess

import (
	"encoding/json"
	"fmt"
)

// Wire structures for the lichess bot API.

type Variant struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type TimeControl struct {
	Type      string `json:"type"` // "clock", "correspondence" or "unlimited"
	Limit     int    `json:"limit"`
	Increment int    `json:"increment"`
	Show      string `json:"show"`
}

type Challenger struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Title  string `json:"title"`
	Rating int    `json:"rating"`
	Online bool   `json:"online"`
}

type ChallengeInfo struct {
	ID          string      `json:"id"`
	Challenger  Challenger  `json:"challenger"`
	Variant     Variant     `json:"variant"`
	Rated       bool        `json:"rated"`
	TimeControl TimeControl `json:"timeControl"`
	Speed       string      `json:"speed"`
}

type Opponent struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Rating   int    `json:"rating"`
}

type GameStatus struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type GameInfo struct {
	GameID   string     `json:"gameId"`
	FullID   string     `json:"fullId"`
	Color    string     `json:"color"`
	FEN      string     `json:"fen"`
	Opponent Opponent   `json:"opponent"`
	IsMyTurn bool       `json:"isMyTurn"`
	Variant  Variant    `json:"variant"`
	Rated    bool       `json:"rated"`
	Status   GameStatus `json:"status"`
}

type GamePlayer struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Title  string `json:"title"`
	Rating int    `json:"rating"`
}

type GameClock struct {
	InitialMs   int64 `json:"initial"`
	IncrementMs int64 `json:"increment"`
}

// StateUpdate is the mutable part of a game: move list, clocks, status.
type StateUpdate struct {
	Moves   string `json:"moves"`
	WTimeMs int64  `json:"wtime"`
	BTimeMs int64  `json:"btime"`
	WIncMs  int64  `json:"winc"`
	BIncMs  int64  `json:"binc"`
	Status  string `json:"status"`
	Winner  string `json:"winner"`
	WDraw   bool   `json:"wdraw"`
	BDraw   bool   `json:"bdraw"`
}

type Perf struct {
	Rating int `json:"rating"`
	Games  int `json:"games"`
}

type AccountInfo struct {
	ID           string          `json:"id"`
	Username     string          `json:"username"`
	Title        string          `json:"title"`
	Perfs        map[string]Perf `json:"perfs"`
	Disabled     bool            `json:"disabled"`
	TOSViolation bool            `json:"tosViolation"`
}

// AccountEvent is the closed set of events on the account stream.
// Every case is handled explicitly by the dispatcher.
type AccountEvent interface{ accountEvent() }

type EventPing struct{}

type EventChallenge struct {
	Challenge ChallengeInfo
}

type EventChallengeCanceled struct {
	Challenge ChallengeInfo
}

type EventChallengeDeclined struct {
	Challenge ChallengeInfo
}

type EventGameStart struct {
	Game GameInfo
}

type EventGameFinish struct {
	Game GameInfo
}

func (EventPing) accountEvent()              {}
func (EventChallenge) accountEvent()         {}
func (EventChallengeCanceled) accountEvent() {}
func (EventChallengeDeclined) accountEvent() {}
func (EventGameStart) accountEvent()         {}
func (EventGameFinish) accountEvent()        {}

// GameEvent is the closed set of events on a single game's stream.
type GameEvent interface{ gameEvent() }

type GamePing struct{}

type GameFull struct {
	ID         string      `json:"id"`
	Variant    Variant     `json:"variant"`
	Rated      bool        `json:"rated"`
	Clock      GameClock   `json:"clock"`
	White      GamePlayer  `json:"white"`
	Black      GamePlayer  `json:"black"`
	InitialFEN string      `json:"initialFen"`
	State      StateUpdate `json:"state"`
}

type GameState struct {
	StateUpdate
}

type ChatLine struct {
	Username string `json:"username"`
	Text     string `json:"text"`
	Room     string `json:"room"`
}

type OpponentGone struct {
	Gone              bool `json:"gone"`
	ClaimWinInSeconds int  `json:"claimWinInSeconds"`
}

func (GamePing) gameEvent()     {}
func (GameFull) gameEvent()     {}
func (GameState) gameEvent()    {}
func (ChatLine) gameEvent()     {}
func (OpponentGone) gameEvent() {}

type eventEnvelope struct {
	Type string `json:"type"`
}

// decodeAccountEvent maps one ndjson line to its event case. A blank line
// (keepalive) is a ping. Unknown kinds are reported, never silently dropped.
func decodeAccountEvent(raw []byte) (AccountEvent, error) {
	if len(raw) == 0 {
		return EventPing{}, nil
	}
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}

	switch env.Type {
	case "ping":
		return EventPing{}, nil
	case "challenge":
		var payload struct {
			Challenge ChallengeInfo `json:"challenge"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("decode challenge event: %w", err)
		}
		return EventChallenge{Challenge: payload.Challenge}, nil
	case "challengeCanceled":
		var payload struct {
			Challenge ChallengeInfo `json:"challenge"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("decode challengeCanceled event: %w", err)
		}
		return EventChallengeCanceled{Challenge: payload.Challenge}, nil
	case "challengeDeclined":
		var payload struct {
			Challenge ChallengeInfo `json:"challenge"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("decode challengeDeclined event: %w", err)
		}
		return EventChallengeDeclined{Challenge: payload.Challenge}, nil
	case "gameStart":
		var payload struct {
			Game GameInfo `json:"game"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("decode gameStart event: %w", err)
		}
		return EventGameStart{Game: payload.Game}, nil
	case "gameFinish":
		var payload struct {
			Game GameInfo `json:"game"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("decode gameFinish event: %w", err)
		}
		return EventGameFinish{Game: payload.Game}, nil
	default:
		return nil, fmt.Errorf("unknown account event type %q", env.Type)
	}
}

// decodeGameEvent maps one ndjson line from a game stream to its event case.
func decodeGameEvent(raw []byte) (GameEvent, error) {
	if len(raw) == 0 {
		return GamePing{}, nil
	}
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode game event envelope: %w", err)
	}

	switch env.Type {
	case "ping":
		return GamePing{}, nil
	case "gameFull":
		var ev GameFull
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode gameFull event: %w", err)
		}
		return ev, nil
	case "gameState":
		var ev GameState
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode gameState event: %w", err)
		}
		return ev, nil
	case "chatLine":
		var ev ChatLine
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode chatLine event: %w", err)
		}
		return ev, nil
	case "opponentGone":
		var ev OpponentGone
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode opponentGone event: %w", err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown game event type %q", env.Type)
	}
}
