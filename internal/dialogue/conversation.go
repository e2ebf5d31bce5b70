// Package dialogue layers conversation state machines on top of the
// coordination bus. The layer is advisory: it observes and annotates
// agent exchanges but never blocks the dispatch path.
package dialogue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nwiizo/ccswarm/internal/bus"
	"github.com/nwiizo/ccswarm/internal/common/logger"
)

// Phase is the conversation's position in its lifecycle.
type Phase string

const (
	PhaseOpening              Phase = "opening"
	PhaseInformationGathering Phase = "information_gathering"
	PhaseDiscussion           Phase = "discussion"
	PhaseProblemSolving       Phase = "problem_solving"
	PhaseDecisionMaking       Phase = "decision_making"
	PhasePlanning             Phase = "planning"
	PhaseSummarizing          Phase = "summarizing"
	PhaseClosing              Phase = "closing"
)

// phaseOrder is the canonical progression; AdvancePhase walks it forward.
var phaseOrder = []Phase{
	PhaseOpening,
	PhaseInformationGathering,
	PhaseDiscussion,
	PhaseProblemSolving,
	PhaseDecisionMaking,
	PhasePlanning,
	PhaseSummarizing,
	PhaseClosing,
}

// Tone tags the emotional register of a turn.
type Tone string

const (
	ToneNeutral     Tone = "neutral"
	ToneEncouraging Tone = "encouraging"
	ToneConcerned   Tone = "concerned"
	ToneUrgent      Tone = "urgent"
)

// Urgency tags how quickly a turn needs attention.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// ResponseExpectation tags what the speaker expects back.
type ResponseExpectation string

const (
	ExpectNone           ResponseExpectation = "none"
	ExpectAcknowledgment ResponseExpectation = "acknowledgment"
	ExpectAnswer         ResponseExpectation = "answer"
	ExpectAction         ResponseExpectation = "action"
)

// Turn is one utterance in a conversation.
type Turn struct {
	Speaker     string              `json:"speaker"`
	Content     string              `json:"content"`
	Tone        Tone                `json:"tone"`
	Urgency     Urgency             `json:"urgency"`
	Expectation ResponseExpectation `json:"expectation"`
	Timestamp   time.Time           `json:"timestamp"`
}

// patternMinTurns is the turn count before patterns are derived.
const patternMinTurns = 5

// Pattern is a long-term observation derived from conversation history.
// Patterns are stored but have no downstream consumer; they are exposed
// read-only for inspection.
type Pattern struct {
	Name       string  `json:"name"`
	Speaker    string  `json:"speaker,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Conversation is a named dialogue among a set of participants with a
// phase machine and a turn queue.
type Conversation struct {
	ID    string
	Topic string

	logger *logger.Logger
	bus    bus.Bus

	mu           sync.Mutex
	phase        Phase
	participants []string
	turns        []Turn
	turnQueue    []string // speakers awaiting their turn
	engagement   map[string]float64
	patterns     []Pattern
}

// ErrNotParticipant is returned when a speaker outside the conversation
// takes a turn.
var ErrNotParticipant = errors.New("speaker is not a participant")

// NewConversation opens a conversation among the given participants.
func NewConversation(topic string, participants []string, b bus.Bus, log *logger.Logger) *Conversation {
	c := &Conversation{
		ID:           uuid.New().String(),
		Topic:        topic,
		logger:       log.WithFields(zap.String("component", "dialogue"), zap.String("topic", topic)),
		bus:          b,
		phase:        PhaseOpening,
		participants: append([]string(nil), participants...),
		engagement:   make(map[string]float64, len(participants)),
	}
	for _, p := range participants {
		c.engagement[p] = 0.5
	}
	return c
}

// Phase returns the current phase.
func (c *Conversation) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// AdvancePhase moves the conversation one step along the canonical
// progression. Advancing past Closing is a no-op.
func (c *Conversation) AdvancePhase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, p := range phaseOrder {
		if p == c.phase && i+1 < len(phaseOrder) {
			c.phase = phaseOrder[i+1]
			break
		}
	}
	return c.phase
}

// AddTurn records an utterance, updates engagement scores, notifies the
// other participants over the bus, and re-derives patterns once enough
// history exists. Bus delivery failures are logged, never propagated.
func (c *Conversation) AddTurn(ctx context.Context, turn Turn) error {
	c.mu.Lock()

	if !c.isParticipant(turn.Speaker) {
		c.mu.Unlock()
		return ErrNotParticipant
	}

	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	c.turns = append(c.turns, turn)
	c.updateEngagement(turn.Speaker)
	c.popTurnQueue(turn.Speaker)
	if len(c.turns) >= patternMinTurns {
		c.derivePatterns()
	}

	recipients := make([]string, 0, len(c.participants)-1)
	for _, p := range c.participants {
		if p != turn.Speaker {
			recipients = append(recipients, p)
		}
	}
	c.mu.Unlock()

	for _, to := range recipients {
		msg, err := bus.NewMessage(bus.MessageCoordination, turn.Speaker, to, turn)
		if err != nil {
			continue
		}
		msg.Subject = "dialogue.turn"
		if err := c.bus.Publish(ctx, msg); err != nil {
			c.logger.Debug("dialogue notify failed",
				zap.String("to", to), zap.Error(err))
		}
	}
	return nil
}

// RequestTurn queues a speaker for their next turn.
func (c *Conversation) RequestTurn(speaker string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isParticipant(speaker) {
		return ErrNotParticipant
	}
	c.turnQueue = append(c.turnQueue, speaker)
	return nil
}

// NextSpeaker returns the head of the turn queue, or empty.
func (c *Conversation) NextSpeaker() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.turnQueue) == 0 {
		return ""
	}
	return c.turnQueue[0]
}

// Engagement returns the speaker's score in [0,1].
func (c *Conversation) Engagement(speaker string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engagement[speaker]
}

// Turns returns a copy of the turn history.
func (c *Conversation) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Patterns returns the derived dialogue patterns, if any.
func (c *Conversation) Patterns() []Pattern {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Pattern, len(c.patterns))
	copy(out, c.patterns)
	return out
}

func (c *Conversation) isParticipant(speaker string) bool {
	for _, p := range c.participants {
		if p == speaker {
			return true
		}
	}
	return false
}

// updateEngagement bumps the speaker and decays everyone else, keeping
// all scores in [0,1].
func (c *Conversation) updateEngagement(speaker string) {
	for p, score := range c.engagement {
		if p == speaker {
			score += 0.1
		} else {
			score *= 0.95
		}
		if score > 1 {
			score = 1
		}
		if score < 0 {
			score = 0
		}
		c.engagement[p] = score
	}
}

func (c *Conversation) popTurnQueue(speaker string) {
	if len(c.turnQueue) > 0 && c.turnQueue[0] == speaker {
		c.turnQueue = c.turnQueue[1:]
	}
}

// derivePatterns recomputes long-term patterns from the turn history.
func (c *Conversation) derivePatterns() {
	counts := make(map[string]int)
	urgent := 0
	for _, t := range c.turns {
		counts[t.Speaker]++
		if t.Urgency == UrgencyHigh || t.Urgency == UrgencyCritical {
			urgent++
		}
	}

	var patterns []Pattern
	total := len(c.turns)
	for speaker, n := range counts {
		share := float64(n) / float64(total)
		if share > 0.5 {
			patterns = append(patterns, Pattern{
				Name:       "dominant_speaker",
				Speaker:    speaker,
				Confidence: share,
			})
		}
	}
	if urgentShare := float64(urgent) / float64(total); urgentShare > 0.3 {
		patterns = append(patterns, Pattern{
			Name:       "high_pressure",
			Confidence: urgentShare,
		})
	}
	c.patterns = patterns
}
