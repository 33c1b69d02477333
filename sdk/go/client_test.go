package make24sdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientKeepsGuestCookie(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie(GuestCookie); err == nil {
			seen = append(seen, c.Value)
		} else {
			seen = append(seen, "")
		}
		http.SetCookie(w, &http.Cookie{Name: GuestCookie, Value: "guest_abc"})
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(State{Phase: "idle", Countdown: Countdown{Hours: 24}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	for i := 0; i < 2; i++ {
		st, err := c.State(context.Background())
		if err != nil {
			t.Fatalf("state: %v", err)
		}
		if st.Countdown.String() != "24:00:00" {
			t.Fatalf("countdown %s", st.Countdown)
		}
	}
	if len(seen) != 2 || seen[0] != "" || seen[1] != "guest_abc" {
		t.Fatalf("cookies seen %v", seen)
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/challenge" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"conflict","message":"a challenge is already in progress"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Start(context.Background(), "goal")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict || apiErr.Code != "conflict" {
		t.Fatalf("unexpected error %v", err)
	}
}
