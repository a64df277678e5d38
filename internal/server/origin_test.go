package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/livechat/internal/hub"
)

func TestOriginPolicy(t *testing.T) {
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	policy := newOriginPolicy(log, []string{"http://localhost:8080", " HTTPS://Chat.Example.com ", "not a url", ""})

	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"exact match", "http://localhost:8080", true},
		{"case insensitive", "https://chat.example.com", true},
		{"other port", "http://localhost:9090", false},
		{"other scheme", "https://localhost:8080", false},
		{"unknown host", "http://evil.example", false},
		{"missing header", "", false},
		{"garbage header", "::::", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			require.Equal(t, tt.want, policy.checkOrigin(r))
		})
	}
}

func TestOriginPolicy_Wildcard(t *testing.T) {
	req := require.New(t)
	policy := newOriginPolicy(logs.GetLoggerFromLevel(slog.LevelDebug), []string{"*"})

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "http://anything.example")
	req.True(policy.checkOrigin(r))

	r.Header.Del("Origin")
	req.False(policy.checkOrigin(r))
}

func TestNormalizeOrigins(t *testing.T) {
	req := require.New(t)
	normalized, allowAll := normalizeOrigins(logs.GetLoggerFromLevel(slog.LevelDebug), []string{"HTTP://A.example:80", "bad", "*"})
	req.True(allowAll)
	req.Equal([]string{"http://a.example:80"}, normalized)

	normalized, allowAll = normalizeOrigins(nil, nil)
	req.False(allowAll)
	req.Nil(normalized)
}

func TestMessageBudget(t *testing.T) {
	req := require.New(t)
	now := time.Unix(0, 0)
	budget := newMessageBudgetWithClock(3, 3*time.Second, func() time.Time { return now })

	req.True(budget.spend(1))
	req.True(budget.spend(1))
	req.True(budget.spend(1))
	req.False(budget.spend(1))
	req.True(budget.spend(0), "free events pass on an empty budget")

	now = now.Add(time.Second)
	req.True(budget.spend(1))
	req.False(budget.spend(1))

	now = now.Add(time.Hour)
	for range 3 {
		req.True(budget.spend(1))
	}
	req.False(budget.spend(1), "tokens never exceed the burst")
}

func TestMessageBudget_Defaults(t *testing.T) {
	req := require.New(t)
	budget := newMessageBudget(0, 0)
	req.True(budget.spend(1))
	req.False(budget.spend(1))
}

func TestEventCost(t *testing.T) {
	tests := []struct {
		name  string
		event hub.Inbound
		err   error
		want  float64
	}{
		{"chat message", hub.ChatMessage{Text: "hi"}, nil, 1},
		{"private message", hub.PrivateMessage{ToUserID: "u-1", Text: "hi"}, nil, 1},
		{"typing start", hub.TypingStart{}, nil, 0},
		{"typing stop", hub.TypingStop{}, nil, 0},
		{"undecodable", nil, hub.ErrInvalidPayload, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, eventCost(tt.event, tt.err))
		})
	}
}
