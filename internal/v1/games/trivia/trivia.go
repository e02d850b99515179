// Package trivia is the reference game shipped with the server: a host-paced
// multiple-choice quiz built entirely on game.Core. It doubles as the worked
// example for writing new games against the action-handler contract.
package trivia

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bonfire-party/bonfire/internal/v1/game"
	"github.com/bonfire-party/bonfire/internal/v1/protocol"
	"github.com/bonfire-party/bonfire/internal/v1/types"
)

const GameType = "trivia"

// Phases of a trivia round. The game loops question -> reveal until the bank
// is exhausted.
const (
	PhaseLobby    types.PhaseID = "lobby"
	PhaseQuestion types.PhaseID = "question"
	PhaseReveal   types.PhaseID = "reveal"
	PhaseEnded    types.PhaseID = "ended"
)

// Action types understood by the trivia game.
const (
	ActionSubmitAnswer = "answer:submit"
	ActionNextQuestion = "question:next"
)

// Question is one multiple-choice entry. Answer indexes Options.
type Question struct {
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
	Answer  int      `json:"answer"`
}

// defaultBank keeps the server playable out of the box. Real deployments
// would load a bank per room; the gameplay loop is bank-agnostic.
var defaultBank = []Question{
	{Prompt: "Which planet has the most moons?", Options: []string{"Earth", "Mars", "Saturn", "Venus"}, Answer: 2},
	{Prompt: "What year did the first website go online?", Options: []string{"1989", "1991", "1995", "1998"}, Answer: 1},
	{Prompt: "Which of these is not a programming language?", Options: []string{"Rust", "Go", "Swift", "Falcon 9"}, Answer: 3},
	{Prompt: "How many bones are in the adult human body?", Options: []string{"186", "206", "226", "246"}, Answer: 1},
	{Prompt: "Which ocean is the deepest?", Options: []string{"Atlantic", "Indian", "Pacific", "Arctic"}, Answer: 2},
}

// Register wires the trivia factory into a game registry.
func Register(r *game.Registry) {
	r.Register(GameType, New)
}

// Config returns the static shape of a trivia room.
func Config() types.GameConfig {
	return types.GameConfig{
		MinPlayers:        2,
		MaxPlayers:        8,
		Phases:            []types.PhaseID{PhaseLobby, PhaseQuestion, PhaseReveal, PhaseEnded},
		DisconnectTimeout: 60 * time.Second,
	}
}

// New is the types.GameFactory for trivia rooms.
func New(roomID types.RoomID, sync types.Synchronizer, hooks types.GameHooks) (types.Game, error) {
	core, err := game.NewCore(roomID, Config(), sync, hooks)
	if err != nil {
		return nil, err
	}

	t := &trivia{bank: defaultBank}
	core.OnStart(t.onStart)
	core.RegisterAction(ActionSubmitAnswer, t.submitAnswer)
	core.RegisterAction(ActionNextQuestion, t.nextQuestion)
	return core, nil
}

// trivia carries no state of its own; everything lives in GameState.Metadata
// so it survives persistence and reconnection hydration.
type trivia struct {
	bank []Question
}

// Metadata keys.
const (
	keyQuestionIndex = "questionIndex"
	keyQuestion      = "question"
	keyAnswers       = "answers"
	keyScores        = "scores"
	keyCorrect       = "correctAnswer"
)

func (t *trivia) onStart(ctx context.Context, g *game.Core) error {
	st := g.StateLocked()
	scores := map[string]any{}
	for _, p := range st.Players {
		scores[string(p.ID)] = 0
	}
	st.Metadata = map[string]any{
		keyScores: scores,
	}
	t.loadQuestion(st, 0)
	return nil
}

// loadQuestion publishes the prompt and options into metadata. The correct
// answer stays server-side until the reveal.
func (t *trivia) loadQuestion(st *types.GameState, idx int) {
	q := t.bank[idx]
	st.Metadata[keyQuestionIndex] = idx
	st.Metadata[keyQuestion] = map[string]any{
		"prompt":  q.Prompt,
		"options": q.Options,
	}
	st.Metadata[keyAnswers] = map[string]any{}
	delete(st.Metadata, keyCorrect)
}

func (t *trivia) submitAnswer(ctx context.Context, g *game.Core, actor types.Player, payload json.RawMessage) (any, error) {
	st := g.StateLocked()
	if st.Phase != PhaseQuestion {
		return nil, protocol.NewError(protocol.CodeInvalidAction, "answers are only accepted during a question")
	}

	var req struct {
		Choice int `json:"choice"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidInput, "malformed answer payload")
	}

	q := t.bank[intAt(st.Metadata, keyQuestionIndex)]
	if req.Choice < 0 || req.Choice >= len(q.Options) {
		return nil, protocol.NewErrorf(protocol.CodeInvalidInput, "choice must be between 0 and %d", len(q.Options)-1)
	}

	answers := mapAt(st.Metadata, keyAnswers)
	answers[string(actor.ID)] = req.Choice
	st.Metadata[keyAnswers] = answers

	// Everyone connected has answered: reveal without waiting for the host.
	if t.allAnswered(st, answers) {
		if err := t.revealLocked(ctx, g, st); err != nil {
			return nil, err
		}
	} else if err := g.BroadcastLocked(ctx); err != nil {
		return nil, err
	}

	return map[string]any{"accepted": true}, nil
}

func (t *trivia) nextQuestion(ctx context.Context, g *game.Core, actor types.Player, _ json.RawMessage) (any, error) {
	if !actor.IsHost {
		return nil, protocol.NewError(protocol.CodeInvalidAction, "only the host can advance the game")
	}

	st := g.StateLocked()
	switch st.Phase {
	case PhaseQuestion:
		// Host cuts the round short.
		if err := t.revealLocked(ctx, g, st); err != nil {
			return nil, err
		}
		return nil, nil
	case PhaseReveal:
		next := intAt(st.Metadata, keyQuestionIndex) + 1
		if next >= len(t.bank) {
			return nil, g.EndLocked(ctx)
		}
		t.loadQuestion(st, next)
		if err := g.SetPhaseLocked(ctx, PhaseQuestion); err != nil {
			return nil, err
		}
		return nil, g.BroadcastLocked(ctx)
	default:
		return nil, protocol.NewError(protocol.CodeInvalidAction, "nothing to advance in this phase")
	}
}

// revealLocked scores the round and moves to the reveal phase.
func (t *trivia) revealLocked(ctx context.Context, g *game.Core, st *types.GameState) error {
	q := t.bank[intAt(st.Metadata, keyQuestionIndex)]
	answers := mapAt(st.Metadata, keyAnswers)
	scores := mapAt(st.Metadata, keyScores)

	for playerID, choice := range answers {
		if asInt(choice) == q.Answer {
			scores[playerID] = asInt(scores[playerID]) + 1
		}
	}
	st.Metadata[keyScores] = scores
	st.Metadata[keyCorrect] = q.Answer

	if err := g.SetPhaseLocked(ctx, PhaseReveal); err != nil {
		return err
	}
	return g.BroadcastLocked(ctx)
}

// allAnswered reports whether every connected player has an answer recorded.
// Disconnected players never block the reveal.
func (t *trivia) allAnswered(st *types.GameState, answers map[string]any) bool {
	for _, p := range st.Players {
		if !p.IsConnected {
			continue
		}
		if _, ok := answers[string(p.ID)]; !ok {
			return false
		}
	}
	return true
}

// Metadata values arrive as float64 after a JSON round-trip through storage
// but as int while the room stays in memory; read both.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func intAt(meta map[string]any, key string) int {
	return asInt(meta[key])
}

func mapAt(meta map[string]any, key string) map[string]any {
	if m, ok := meta[key].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
