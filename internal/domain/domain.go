// Package domain holds the challenge data model shared by the engine, the
// stores and the API: challenges, check-ins, moods, evidence and the profile
// aggregates computed from history.
package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	// MaxTextLength bounds outcome, reflection and check-in text in runes.
	MaxTextLength = 500
	// MaxEvidenceBytes bounds a single attached file.
	MaxEvidenceBytes int64 = 50 << 20
	MaxEvidenceItems       = 20
	DefaultOutcome         = "Challenge completed"

	dayMillis int64 = 24 * 60 * 60 * 1000
)

var (
	ErrInvalidMood     = errors.New("invalid mood")
	ErrInvalidEvidence = errors.New("invalid evidence")
	ErrTextTooLong     = fmt.Errorf("text longer than %d characters", MaxTextLength)
)

type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseActive    Phase = "active"
	PhaseCompleted Phase = "completed"
	PhaseArchived  Phase = "archived"
)

// Mode tells which kind of storage backs a session.
type Mode string

const (
	ModeGuest   Mode = "guest"
	ModeAccount Mode = "account"
)

type Challenge struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Goal          string     `json:"goal"`
	CreatedAt     int64      `json:"created_at"`
	StartTime     int64      `json:"start_time"`
	StoppedAt     *int64     `json:"stopped_at,omitempty"`
	EndTime       *int64     `json:"end_time,omitempty"`
	Completed     bool       `json:"completed"`
	Rating        *int       `json:"rating,omitempty"`
	Outcome       *string    `json:"outcome,omitempty"`
	Reflection    *string    `json:"reflection,omitempty"`
	Evidence      []Evidence `json:"evidence,omitempty"`
	MilestonesHit []int      `json:"milestones_hit,omitempty"`
}

// ActiveChallenge is the durable in-progress marker for an owner.
type ActiveChallenge struct {
	ID            string `json:"id"`
	Goal          string `json:"goal"`
	StartTime     int64  `json:"start_time"`
	StoppedAt     int64  `json:"stopped_at,omitempty"`
	MilestonesHit []int  `json:"milestones_hit"`
}

// Completion holds the fields written when a challenge is archived.
type Completion struct {
	EndTime    int64      `json:"end_time"`
	Rating     int        `json:"rating"`
	Outcome    string     `json:"outcome"`
	Reflection string     `json:"reflection,omitempty"`
	Evidence   []Evidence `json:"evidence,omitempty"`
}

type CheckIn struct {
	ID          string `json:"id"`
	ChallengeID string `json:"challenge_id"`
	Milestone   int    `json:"milestone"`
	Mood        Mood   `json:"mood" enum:"crushing,strong,good,okay,struggling,tired"`
	Reflection  string `json:"reflection,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

type EvidenceKind string

const (
	EvidenceLink EvidenceKind = "link"
	EvidenceFile EvidenceKind = "file"
)

type Evidence struct {
	Kind        EvidenceKind `json:"kind" enum:"link,file"`
	Name        string       `json:"name,omitempty"`
	URL         string       `json:"url,omitempty"`
	Size        int64        `json:"size,omitempty"`
	ContentType string       `json:"content_type,omitempty"`
}

func (e Evidence) Validate() error {
	switch e.Kind {
	case EvidenceLink:
		if strings.TrimSpace(e.URL) == "" {
			return fmt.Errorf("%w: link requires url", ErrInvalidEvidence)
		}
	case EvidenceFile:
		if strings.TrimSpace(e.Name) == "" {
			return fmt.Errorf("%w: file requires name", ErrInvalidEvidence)
		}
		if e.Size < 0 || e.Size > MaxEvidenceBytes {
			return fmt.Errorf("%w: file %s is %d bytes, limit is %d", ErrInvalidEvidence, e.Name, e.Size, MaxEvidenceBytes)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvidence, e.Kind)
	}
	return nil
}

// ValidateEvidence checks a whole evidence list.
func ValidateEvidence(items []Evidence) error {
	if len(items) > MaxEvidenceItems {
		return fmt.Errorf("%w: %d items, limit is %d", ErrInvalidEvidence, len(items), MaxEvidenceItems)
	}
	for _, e := range items {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ValidateText enforces MaxTextLength.
func ValidateText(s string) error {
	if utf8.RuneCountInString(s) > MaxTextLength {
		return ErrTextTooLong
	}
	return nil
}

type Mood string

const (
	MoodCrushing   Mood = "crushing"
	MoodStrong     Mood = "strong"
	MoodGood       Mood = "good"
	MoodOkay       Mood = "okay"
	MoodStruggling Mood = "struggling"
	MoodTired      Mood = "tired"
)

var moodTable = []struct {
	mood   Mood
	symbol string
	label  string
}{
	{MoodCrushing, "🚀", "Crushing it!"},
	{MoodStrong, "💪", "Strong"},
	{MoodGood, "😊", "Good"},
	{MoodOkay, "😐", "Okay"},
	{MoodStruggling, "😵‍💫", "Struggling"},
	{MoodTired, "😴", "Tired"},
}

// Moods lists every mood in display order.
func Moods() []Mood {
	out := make([]Mood, 0, len(moodTable))
	for _, m := range moodTable {
		out = append(out, m.mood)
	}
	return out
}

// ParseMood accepts a mood name (any case) or its symbol.
func ParseMood(s string) (Mood, error) {
	s = strings.TrimSpace(s)
	for _, m := range moodTable {
		if strings.EqualFold(s, string(m.mood)) || s == m.symbol {
			return m.mood, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrInvalidMood, s)
}

func (m Mood) Symbol() string {
	for _, row := range moodTable {
		if row.mood == m {
			return row.symbol
		}
	}
	return ""
}

func (m Mood) Label() string {
	for _, row := range moodTable {
		if row.mood == m {
			return row.label
		}
	}
	return string(m)
}

type Profile struct {
	TotalCompleted int          `json:"total_completed"`
	Streak         int          `json:"streak"`
	AverageRating  float64      `json:"average_rating"`
	SuccessRate    float64      `json:"success_rate"`
	MoodCounts     map[Mood]int `json:"mood_counts"`
}

// Binder is the memory binder view of an owner's history.
type Binder struct {
	Profile        Profile     `json:"profile"`
	Challenges     []Challenge `json:"challenges"`
	RecentCheckIns []CheckIn   `json:"recent_check_ins"`
}

// Overview is the cross-user admin summary.
type Overview struct {
	TotalUsers       int     `json:"total_users"`
	NewUsersThisWeek int     `json:"new_users_this_week"`
	TotalChallenges  int     `json:"total_challenges"`
	CompletionRate   float64 `json:"completion_rate"`
}

// Summarize recomputes the profile from history. Only completed challenges
// count. The streak is the run of consecutive UTC days with a completion,
// ending today or yesterday relative to now.
func Summarize(challenges []Challenge, checkIns []CheckIn, now int64) Profile {
	p := Profile{MoodCounts: make(map[Mood]int, len(moodTable))}
	for _, m := range moodTable {
		p.MoodCounts[m.mood] = 0
	}
	days := map[int64]bool{}
	var ratingSum, rated, successes int
	for _, c := range challenges {
		if !c.Completed {
			continue
		}
		p.TotalCompleted++
		if c.EndTime != nil {
			days[*c.EndTime/dayMillis] = true
		}
		if c.Rating != nil {
			ratingSum += *c.Rating
			rated++
			if *c.Rating >= 4 {
				successes++
			}
		}
	}
	if rated > 0 {
		p.AverageRating = float64(ratingSum) / float64(rated)
	}
	if p.TotalCompleted > 0 {
		p.SuccessRate = float64(successes) * 100 / float64(p.TotalCompleted)
	}
	for _, ci := range checkIns {
		if _, ok := p.MoodCounts[ci.Mood]; ok {
			p.MoodCounts[ci.Mood]++
		}
	}
	day := now / dayMillis
	if !days[day] {
		day--
	}
	for days[day] {
		p.Streak++
		day--
	}
	return p
}

// SortChallenges orders challenges most recent first by end time, falling
// back to start time for records without one.
func SortChallenges(items []Challenge) {
	key := func(c Challenge) int64 {
		if c.EndTime != nil {
			return *c.EndTime
		}
		return c.StartTime
	}
	sort.SliceStable(items, func(i, j int) bool { return key(items[i]) > key(items[j]) })
}

// RecentCheckIns returns the newest n check-ins, newest first.
func RecentCheckIns(items []CheckIn, n int) []CheckIn {
	out := append([]CheckIn(nil), items...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
