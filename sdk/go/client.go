package make24sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// GuestCookie is the cookie the API uses to identify a device without an account.
const GuestCookie = "m24_guest"

// Client is a minimal make24 HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// GuestID is sent as the guest cookie when set. The server mints one on
	// first contact and the client keeps it.
	GuestID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Countdown is the clock-face breakdown of the remaining time.
type Countdown struct {
	Hours   int64 `json:"hours"`
	Minutes int64 `json:"minutes"`
	Seconds int64 `json:"seconds"`
}

func (c Countdown) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", c.Hours, c.Minutes, c.Seconds)
}

// Milestone is one threshold of the current plan.
type Milestone struct {
	Milestone   int   `json:"milestone"`
	RemainingMS int64 `json:"remaining_ms"`
}

// State represents the challenge state (partial).
type State struct {
	Phase       string      `json:"phase"`
	Mode        string      `json:"mode"`
	ChallengeID string      `json:"challenge_id"`
	Goal        string      `json:"goal"`
	StartedAt   int64       `json:"started_at"`
	Duration    int64       `json:"duration"`
	Remaining   int64       `json:"remaining"`
	Countdown   Countdown   `json:"countdown"`
	Fired       []int       `json:"fired"`
	Pending     []int       `json:"pending"`
	CheckedIn   []int       `json:"checked_in"`
	Milestones  []Milestone `json:"milestones"`
}

// Challenge represents a completed challenge.
type Challenge struct {
	ID         string  `json:"id"`
	Goal       string  `json:"goal"`
	StartTime  int64   `json:"start_time"`
	EndTime    *int64  `json:"end_time,omitempty"`
	Completed  bool    `json:"completed"`
	Rating     *int    `json:"rating,omitempty"`
	Outcome    *string `json:"outcome,omitempty"`
	Reflection *string `json:"reflection,omitempty"`
}

// CheckIn is a mood report at a milestone.
type CheckIn struct {
	ID          string `json:"id"`
	ChallengeID string `json:"challenge_id"`
	Milestone   int    `json:"milestone"`
	Mood        string `json:"mood"`
	Reflection  string `json:"reflection,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// Profile aggregates an owner's history.
type Profile struct {
	TotalCompleted int            `json:"total_completed"`
	Streak         int            `json:"streak"`
	AverageRating  float64        `json:"average_rating"`
	SuccessRate    float64        `json:"success_rate"`
	MoodCounts     map[string]int `json:"mood_counts"`
}

// Outcome is the closing report on a completed challenge.
type Outcome struct {
	Rating     int    `json:"rating"`
	Outcome    string `json:"outcome,omitempty"`
	Reflection string `json:"reflection,omitempty"`
}

type Result struct {
	Challenge Challenge `json:"challenge"`
	Profile   Profile   `json:"profile"`
}

// MigrationReport tells how many guest challenges moved into the account.
type MigrationReport struct {
	Migrated int `json:"migrated"`
	Total    int `json:"total"`
}

// Event is a live engine notification from the stream.
type Event struct {
	Kind        string `json:"kind"`
	ChallengeID string `json:"challenge_id"`
	Goal        string `json:"goal"`
	Milestone   int    `json:"milestone"`
	Remaining   int64  `json:"remaining"`
	Phase       string `json:"phase"`
	At          int64  `json:"at"`
}

// StreamMessage is one frame of the live stream.
type StreamMessage struct {
	Type     string `json:"type"`
	Snapshot *State `json:"snapshot,omitempty"`
	Event    *Event `json:"event,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// State returns the current challenge state.
func (c *Client) State(ctx context.Context) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodGet, "challenge", nil, &resp)
	return resp, err
}

// Start begins a challenge.
func (c *Client) Start(ctx context.Context, goal string) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodPost, "challenge", map[string]any{"goal": goal}, &resp)
	return resp, err
}

// End stops the active challenge early.
func (c *Client) End(ctx context.Context) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodPost, "challenge/end", nil, &resp)
	return resp, err
}

// Abandon discards the active challenge.
func (c *Client) Abandon(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "challenge", nil, nil)
}

// Submit archives a completed challenge.
func (c *Client) Submit(ctx context.Context, o Outcome) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, "challenge/outcome", o, &resp)
	return resp, err
}

// CheckIn records a mood at a reached milestone.
func (c *Client) CheckIn(ctx context.Context, milestone int, mood, reflection string) (CheckIn, error) {
	body := map[string]any{
		"milestone":  milestone,
		"mood":       mood,
		"reflection": reflection,
	}
	var resp CheckIn
	err := c.do(ctx, http.MethodPost, "challenge/checkins", body, &resp)
	return resp, err
}

// Dismiss clears a milestone nudge.
func (c *Client) Dismiss(ctx context.Context, milestone int) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("challenge/milestones/%d/dismiss", milestone), nil, &resp)
	return resp, err
}

// History returns completed challenges, most recent first.
func (c *Client) History(ctx context.Context) ([]Challenge, error) {
	var resp struct {
		Items []Challenge `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "challenges", nil, &resp)
	return resp.Items, err
}

// CheckIns returns the check-ins of one challenge.
func (c *Client) CheckIns(ctx context.Context, challengeID string) ([]CheckIn, error) {
	var resp struct {
		Items []CheckIn `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("challenges/%s/checkins", url.PathEscape(challengeID)), nil, &resp)
	return resp.Items, err
}

// Profile returns aggregate statistics.
func (c *Client) Profile(ctx context.Context) (Profile, error) {
	var resp Profile
	err := c.do(ctx, http.MethodGet, "profile", nil, &resp)
	return resp, err
}

// MigrateGuest moves the guest history of GuestID into the bearer's account.
func (c *Client) MigrateGuest(ctx context.Context) (MigrationReport, error) {
	var resp MigrationReport
	err := c.do(ctx, http.MethodPost, "migrate", nil, &resp)
	return resp, err
}

// Watch streams live frames to fn until ctx ends, fn returns an error, or the
// server closes the stream.
func (c *Client) Watch(ctx context.Context, fn func(StreamMessage) error) error {
	u := c.endpoint("challenge/stream")
	u = "ws" + strings.TrimPrefix(u, "http")
	header := http.Header{}
	c.authorize(header)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return err
	}
	defer conn.CloseNow()
	for {
		var msg StreamMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		if err := fn(msg); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req.Header)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	for _, ck := range resp.Cookies() {
		if ck.Name == GuestCookie && ck.Value != "" {
			c.GuestID = ck.Value
		}
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) authorize(h http.Header) {
	if c.BearerToken != "" {
		h.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if c.GuestID != "" {
		h.Set("Cookie", (&http.Cookie{Name: GuestCookie, Value: c.GuestID}).String())
	}
}

func (c *Client) endpoint(p string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	bp := strings.Trim(c.BasePath, "/")
	if bp != "" {
		base += "/" + bp
	}
	return base + "/" + strings.TrimLeft(p, "/")
}
