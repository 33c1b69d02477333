package server

import (
	"make24/internal/countdown"
	"make24/internal/domain"
	"make24/internal/engine"
	"make24/internal/guest"
)

// Request payloads

type StartChallengeRequest struct {
	Goal string `json:"goal" maxLength:"2000" example:"Ship the landing page"`
}

type SubmitOutcomeRequest struct {
	Rating     int               `json:"rating" example:"4"`
	Outcome    string            `json:"outcome,omitempty" example:"Landing page is live"`
	Reflection string            `json:"reflection,omitempty"`
	Evidence   []domain.Evidence `json:"evidence,omitempty"`
}

type CheckInRequest struct {
	Milestone  int    `json:"milestone" example:"75"`
	Mood       string `json:"mood" example:"good" doc:"Mood name or its emoji"`
	Reflection string `json:"reflection,omitempty"`
}

// Response payloads

type ChallengeStateResponse struct {
	engine.Snapshot
	Milestones []countdown.Threshold `json:"milestones"`
}

type ChallengeListResponse struct {
	Items []domain.Challenge `json:"items"`
}

type CheckInListResponse struct {
	Items []domain.CheckIn `json:"items"`
}

type MoodResponse struct {
	Mood   domain.Mood `json:"mood"`
	Symbol string      `json:"symbol"`
	Label  string      `json:"label"`
}

// huma outputs

type stateOutput struct {
	Body ChallengeStateResponse
}

type resultOutput struct {
	Body engine.Result
}

type checkInOutput struct {
	Body domain.CheckIn
}

type challengesOutput struct {
	Body ChallengeListResponse
}

type checkInsOutput struct {
	Body CheckInListResponse
}

type profileOutput struct {
	Body domain.Profile
}

type binderOutput struct {
	Body domain.Binder
}

type moodsOutput struct {
	Body []MoodResponse
}

type migrationOutput struct {
	Body guest.Report
}

type overviewOutput struct {
	Body domain.Overview
}

func stateResponse(e *engine.Engine) *stateOutput {
	return &stateOutput{Body: ChallengeStateResponse{Snapshot: e.Snapshot(), Milestones: e.Milestones()}}
}

func moodResponses() []MoodResponse {
	out := make([]MoodResponse, 0, len(domain.Moods()))
	for _, m := range domain.Moods() {
		out = append(out, MoodResponse{Mood: m, Symbol: m.Symbol(), Label: m.Label()})
	}
	return out
}
