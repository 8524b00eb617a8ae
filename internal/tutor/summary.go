package tutor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/edututor/internal/domain"
	"github.com/ashureev/edututor/internal/gateway"
	"github.com/ashureev/edututor/internal/store"
)

// ErrInvalidSummary is returned when the model output is not a usable log.
var ErrInvalidSummary = errors.New("summary output rejected")

const entryMarker = "–"

// SummaryUpdater folds an ended session into the profile's cumulative
// summary.
type SummaryUpdater struct {
	repo        store.Repository
	llm         gateway.Gateway
	prompts     *Prompts
	locks       *KeyedLocks
	timeout     time.Duration
	temperature float64
	minTokens   int
	log         *slog.Logger
}

// Update regenerates the summary for profileID from sessionID's transcript.
// The returned status is always set; err explains a failed status. An empty
// transcript is skipped without calling the model.
func (u *SummaryUpdater) Update(ctx context.Context, profileID, sessionID string) (domain.SummaryStatus, error) {
	transcript, err := u.repo.ListMessages(ctx, sessionID)
	if err != nil {
		return domain.SummaryFailed, fmt.Errorf("load transcript: %w", err)
	}
	if len(transcript) == 0 {
		u.log.Info("Skipping summary for empty session", "profile_id", profileID, "session_id", sessionID)
		return domain.SummarySkipped, nil
	}

	// Concurrent ends for one profile apply one at a time, each on top of
	// the latest stored summary.
	unlock, err := u.locks.Lock(ctx, summaryKey(profileID))
	if err != nil {
		return domain.SummaryFailed, err
	}
	defer unlock()

	profile, err := u.repo.GetProfile(ctx, profileID)
	if err != nil {
		return domain.SummaryFailed, fmt.Errorf("get profile: %w", err)
	}
	if profile == nil {
		return domain.SummaryFailed, fmt.Errorf("profile %s: %w", profileID, ErrNotFound)
	}

	prior := profile.Summary()
	prompt, stamp, err := u.prompts.Summary(prior, transcript[0].CreatedAt, transcript)
	if err != nil {
		return domain.SummaryFailed, fmt.Errorf("render summary prompt: %w", err)
	}

	genCtx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	text, err := u.llm.Generate(genCtx, gateway.Request{
		System:      summarySystemPrompt,
		Turns:       []gateway.Turn{{Role: domain.RoleStudent, Text: prompt}},
		Temperature: u.temperature,
		MaxTokens:   SummaryTokenBudget(prior, u.minTokens),
	})
	if err != nil {
		return domain.SummaryFailed, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	text, err = ValidateSummary(text, stamp, prior)
	if err != nil {
		return domain.SummaryFailed, err
	}
	if !strings.HasPrefix(text, entryMarker) {
		u.log.Warn("Summary log does not start with an entry marker", "profile_id", profileID, "session_id", sessionID)
	}

	if err := u.repo.UpdateCumulativeSummary(ctx, profileID, text); err != nil {
		return domain.SummaryFailed, fmt.Errorf("store summary: %w", err)
	}

	u.log.Info("Cumulative summary updated", "profile_id", profileID, "session_id", sessionID, "length", len(text))
	return domain.SummaryUpdated, nil
}

// ValidateSummary trims the model output and checks that it is non-empty,
// differs from prior and adds an entry carrying stamp. Stamps have minute
// precision, so an earlier session started in the same minute may already
// have one; the output must carry more of them than prior does.
func ValidateSummary(text, stamp, prior string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: empty output", ErrInvalidSummary)
	}
	if text == strings.TrimSpace(prior) {
		return "", fmt.Errorf("%w: log unchanged", ErrInvalidSummary)
	}
	if strings.Count(text, stamp) <= strings.Count(prior, stamp) {
		return "", fmt.Errorf("%w: missing entry for %s", ErrInvalidSummary, stamp)
	}
	return text, nil
}

// SummaryTokenBudget grows the output allowance with the existing log.
func SummaryTokenBudget(prior string, floor int) int {
	budget := len(strings.Fields(prior))*2 + 400
	if budget < floor {
		return floor
	}
	return budget
}
