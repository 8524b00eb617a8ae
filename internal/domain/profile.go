// Package domain contains core domain types for the tutoring backend.
package domain

import (
	"strings"
	"time"
)

// Profile is a student's durable record. It is mutated only by the session
// counter and the cumulative summary after creation.
type Profile struct {
	ID                string    `json:"id"`
	DisplayName       string    `json:"display_name"`
	ClassLevel        string    `json:"class_level"`
	BoardOrCurriculum string    `json:"board_or_curriculum"`
	Goals             string    `json:"goals"`
	Strengths         string    `json:"strengths"`
	Weaknesses        string    `json:"weaknesses"`
	LearningStyle     string    `json:"learning_style"`
	TotalSessions     int       `json:"total_sessions"`
	CumulativeSummary *string   `json:"cumulative_summary"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Summary returns the cumulative summary or "" when none was written yet.
func (p *Profile) Summary() string {
	if p.CumulativeSummary == nil {
		return ""
	}
	return *p.CumulativeSummary
}

// ProfileInput carries the registration fields for a new profile.
type ProfileInput struct {
	DisplayName       string `json:"display_name"`
	ClassLevel        string `json:"class_level"`
	BoardOrCurriculum string `json:"board_or_curriculum"`
	Goals             string `json:"goals"`
	Strengths         string `json:"strengths"`
	Weaknesses        string `json:"weaknesses"`
	LearningStyle     string `json:"learning_style"`
}

// Normalize trims surrounding whitespace from every field.
func (in ProfileInput) Normalize() ProfileInput {
	return ProfileInput{
		DisplayName:       strings.TrimSpace(in.DisplayName),
		ClassLevel:        strings.TrimSpace(in.ClassLevel),
		BoardOrCurriculum: strings.TrimSpace(in.BoardOrCurriculum),
		Goals:             strings.TrimSpace(in.Goals),
		Strengths:         strings.TrimSpace(in.Strengths),
		Weaknesses:        strings.TrimSpace(in.Weaknesses),
		LearningStyle:     strings.TrimSpace(in.LearningStyle),
	}
}

// MissingFields lists the required fields that are blank.
func (in ProfileInput) MissingFields() []string {
	var missing []string
	if strings.TrimSpace(in.DisplayName) == "" {
		missing = append(missing, "display_name")
	}
	if strings.TrimSpace(in.ClassLevel) == "" {
		missing = append(missing, "class_level")
	}
	if strings.TrimSpace(in.BoardOrCurriculum) == "" {
		missing = append(missing, "board_or_curriculum")
	}
	return missing
}
