// Package recap turns a finished tutoring transcript into a short study
// recap for the student.
package recap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sjawhar/voice-tutor/internal/storage"
)

// minWords is the transcript length below which no recap is attempted.
const minWords = 20

const systemPrompt = `You are an expert tutor writing a short study recap for a student after a voice tutoring session.
Write in warm, encouraging, simple language, in markdown.
Include: the concepts covered, any worked examples or formulas (use LaTeX for math),
questions the student struggled with, and two or three practice suggestions.`

type Store interface {
	GetSession(id string) (storage.Session, error)
	GetTranscript(sessionID string) ([]storage.TranscriptItem, error)
	UpdateRecap(sessionID, recap, status string) error
	ClaimRecapRequest(sessionID, promptHash string) (bool, error)
}

type Generator struct {
	model   string
	factory Factory
	store   Store
	logger  *slog.Logger
	sleep   func(time.Duration)
	backoff []time.Duration
}

func NewGenerator(model string, factory Factory, store Store, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		model:   model,
		factory: factory,
		store:   store,
		logger:  logger,
		sleep:   time.Sleep,
		backoff: []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second},
	}
}

// Generate writes the recap for a stored session and returns it with its
// final status. Short transcripts and repeated requests are skipped.
func (g *Generator) Generate(ctx context.Context, sessionID string) (string, string, error) {
	sess, err := g.store.GetSession(sessionID)
	if err != nil {
		return "", storage.RecapFailed, fmt.Errorf("load session: %w", err)
	}
	items, err := g.store.GetTranscript(sessionID)
	if err != nil {
		g.setStatus(sessionID, "", storage.RecapFailed)
		return "", storage.RecapFailed, fmt.Errorf("load transcript: %w", err)
	}

	transcript := FormatTranscript(items)
	if len(strings.Fields(transcript)) < minWords {
		g.setStatus(sessionID, "", storage.RecapSkipped)
		return "", storage.RecapSkipped, nil
	}

	user := BuildPrompt(sess, transcript)
	hash := sha256.Sum256([]byte(g.model + "\x00" + user))
	claimed, err := g.store.ClaimRecapRequest(sessionID, hex.EncodeToString(hash[:]))
	if err != nil {
		return "", storage.RecapFailed, fmt.Errorf("claim recap request: %w", err)
	}
	if !claimed {
		g.logger.Info("recap already requested", "session_id", sessionID)
		return sess.Recap, sess.RecapStatus, nil
	}

	g.setStatus(sessionID, "", storage.RecapRunning)

	provider, model, err := ParseModel(g.model)
	if err != nil {
		g.setStatus(sessionID, "", storage.RecapFailed)
		return "", storage.RecapFailed, err
	}
	client, err := g.factory(provider, model)
	if err != nil {
		g.setStatus(sessionID, "", storage.RecapFailed)
		return "", storage.RecapFailed, fmt.Errorf("create llm client: %w", err)
	}

	var lastErr error
	for attempt := range g.backoff {
		text, err := client.Complete(ctx, Prompt{System: systemPrompt, User: user})
		if err == nil {
			g.setStatus(sessionID, text, storage.RecapCompleted)
			g.logger.Info("recap generated", "session_id", sessionID, "model", g.model, "attempts", attempt+1)
			return text, storage.RecapCompleted, nil
		}
		lastErr = err
		g.logger.Warn("recap attempt failed", "session_id", sessionID, "attempt", attempt+1, "error", err)
		if ctx.Err() != nil {
			break
		}
		if attempt < len(g.backoff)-1 {
			g.sleep(g.backoff[attempt])
		}
	}

	g.setStatus(sessionID, "", storage.RecapFailed)
	return "", storage.RecapFailed, fmt.Errorf("recap failed after retries: %w", lastErr)
}

func (g *Generator) setStatus(sessionID, text, status string) {
	if err := g.store.UpdateRecap(sessionID, text, status); err != nil {
		g.logger.Warn("update recap status", "session_id", sessionID, "status", status, "error", err)
	}
}

// FormatTranscript renders items as "Student:"/"Tutor:" lines.
func FormatTranscript(items []storage.TranscriptItem) string {
	var b strings.Builder
	for _, item := range items {
		content := strings.TrimSpace(item.Content)
		if content == "" {
			continue
		}
		if item.Speaker == "teacher" {
			b.WriteString("Tutor: ")
		} else {
			b.WriteString("Student: ")
		}
		b.WriteString(content)
		b.WriteString("\n")
	}
	return b.String()
}

func BuildPrompt(sess storage.Session, transcript string) string {
	var b strings.Builder
	if sess.Grade > 0 {
		fmt.Fprintf(&b, "Grade: %d\n", sess.Grade)
	}
	if sess.Topic != "" {
		fmt.Fprintf(&b, "Topic: %s\n", sess.Topic)
	}
	if sess.Chapter != "" {
		fmt.Fprintf(&b, "Chapter: %s\n", sess.Chapter)
	}
	fmt.Fprintf(&b, "Date: %s\n\nTranscript:\n%s", sess.StartedAt.UTC().Format("2006-01-02"), transcript)
	return b.String()
}
