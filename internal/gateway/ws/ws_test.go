package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/guildtools/triggerd/internal/config"
)

func TestBackoff(t *testing.T) {
	g := &Gateway{cfg: &config.FeedGatewayConfig{
		ReconnectMin: time.Second,
		ReconnectMax: 30 * time.Second,
	}}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := g.backoff(tc.attempt); got != tc.want {
			t.Errorf("backoff(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestFrame_MessageRoundTrip(t *testing.T) {
	raw := `{"type":"message","message":{"tenant_id":"guild-1","author_id":"u1","channel_id":"c1","text":"!ping"}}`

	var frame Frame
	if err := json.Unmarshal([]byte(raw), &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Type != frameMessage {
		t.Errorf("type = %s, want message", frame.Type)
	}
	if frame.Message == nil || frame.Message.Text != "!ping" {
		t.Errorf("message payload not decoded: %+v", frame.Message)
	}
}

func TestSendReply_NotConnected(t *testing.T) {
	g := NewGateway(&config.FeedGatewayConfig{}, nil, nil)
	if err := g.SendReply(context.Background(), "guild-1", "chan-1", "hi"); err == nil {
		t.Fatal("expected an error when the feed is not connected")
	}
}
