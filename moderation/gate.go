//go:generate go run go.uber.org/mock/mockgen -source=gate.go -destination=../mocks/mock_gate.go -package=mocks
package moderation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/abadojack/whatlanggo"

	"chat-relay/contract"
	"chat-relay/domain"
)

// Thresholds gate the classifier score. Warn marks a violation and feeds
// the ledger; Block additionally flags the message for human review.
// Neither one stops the message from being persisted.
type Thresholds struct {
	Warn  float64
	Block float64
}

const (
	DefaultWarnThreshold  = 0.6
	DefaultBlockThreshold = 0.8
)

func DefaultThresholds() Thresholds {
	return Thresholds{Warn: DefaultWarnThreshold, Block: DefaultBlockThreshold}
}

// Gate scores content against the external classifier and censors
// dictionary words. The classifier is treated as unreliable: every call
// is bounded by a timeout and any failure scores as zero (fail open),
// because moderation must never stall or block message flow.
type Gate struct {
	classifier contract.Classifier
	censor     *Censor
	defaults   Thresholds
	timeout    time.Duration
	log        *slog.Logger

	mu        sync.RWMutex
	overrides map[domain.RoomID]Thresholds
}

// Verdict is what the gate has to say about one piece of content.
// Content carries the censored form to persist.
type Verdict struct {
	Score         float64
	Subscores     map[string]float64
	Lang          string
	Content       string
	CensoredWords []string
	Violation     bool
	Flagged       bool
}

func NewGate(classifier contract.Classifier, censor *Censor, defaults Thresholds,
	timeout time.Duration, log *slog.Logger) *Gate {
	return &Gate{
		classifier: classifier,
		censor:     censor,
		defaults:   defaults,
		timeout:    timeout,
		log:        log,
		overrides:  make(map[domain.RoomID]Thresholds),
	}
}

// OverrideThresholds replaces the thresholds for one room.
func (g *Gate) OverrideThresholds(room domain.RoomID, thresholds Thresholds) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.overrides[room] = thresholds
}

func (g *Gate) thresholds(room domain.RoomID) Thresholds {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if t, ok := g.overrides[room]; ok {
		return t
	}
	return g.defaults
}

// Review scores and censors one submission.
func (g *Gate) Review(ctx context.Context, room domain.RoomID, sender, content string) Verdict {
	verdict := Verdict{Content: content}

	if g.censor != nil {
		verdict.Content, verdict.CensoredWords = g.censor.Censor(content)
	}

	info := whatlanggo.Detect(content)
	verdict.Lang = info.Lang.Iso6391()

	scoreCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	scores, err := g.classifier.Score(scoreCtx, content)
	if err != nil {
		// Fail open: outage or timeout means the message goes through
		// unscored. The sender's violation state is left untouched.
		g.log.Warn("Classifier unavailable, failing open",
			"room", room, "sender", sender, "error", err)
		return verdict
	}

	verdict.Score = scores.Toxicity
	verdict.Subscores = scores.Subscores

	thresholds := g.thresholds(room)
	verdict.Violation = scores.Toxicity >= thresholds.Warn
	verdict.Flagged = scores.Toxicity >= thresholds.Block

	if verdict.Violation {
		g.log.Warn("Toxicity detection",
			"score", scores.Toxicity,
			"lang", verdict.Lang,
			"room", room,
			"sender", sender,
			"flagged", verdict.Flagged,
			"latency_us", time.Since(start).Microseconds())
	}
	return verdict
}
