package nats

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/folio-labs/chat-edge/internal/model"
	"github.com/folio-labs/chat-edge/internal/ratelimit"
)

func TestParseCounter(t *testing.T) {
	exp := time.UnixMilli(1_700_000_060_000)
	tests := []struct {
		in   string
		want ratelimit.Counter
	}{
		{in: "17 1700000060000", want: ratelimit.Counter{Count: 17, ExpiresAt: exp}},
		{in: "9000 0", want: ratelimit.Counter{Count: 9000}},
		{in: "42", want: ratelimit.Counter{Count: 42}},
		{in: "", want: ratelimit.Counter{}},
		{in: "-3 0", want: ratelimit.Counter{}},
		{in: "abc", want: ratelimit.Counter{}},
		{in: "5 soon", want: ratelimit.Counter{}},
	}
	for _, tt := range tests {
		got := parseCounter([]byte(tt.in))
		if got.Count != tt.want.Count || !got.ExpiresAt.Equal(tt.want.ExpiresAt) {
			t.Errorf("parseCounter(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestFormatCounterKeepsWindowEnd(t *testing.T) {
	c := ratelimit.Counter{Count: 3, ExpiresAt: time.UnixMilli(1_700_000_060_000)}
	if got := string(formatCounter(c)); got != "3 1700000060000" {
		t.Errorf("formatCounter = %q", got)
	}
	if got := string(formatCounter(ratelimit.Counter{Count: 12})); got != "12 0" {
		t.Errorf("formatCounter(no expiry) = %q", got)
	}
}

func TestExpired(t *testing.T) {
	end := time.Unix(1_700_000_060, 0)
	c := ratelimit.Counter{Count: 10, ExpiresAt: end}
	if expired(c, end.Add(-time.Millisecond)) {
		t.Error("counter expired before its window end")
	}
	if !expired(c, end) {
		t.Error("counter live at its window end")
	}
	if expired(ratelimit.Counter{Count: 10}, end.Add(1000*time.Hour)) {
		t.Error("counter without expiry expired")
	}
}

func TestIsConflict(t *testing.T) {
	wrongSeq := &jetstream.APIError{Code: 400, ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence}
	if !isConflict(fmt.Errorf("publish: %w", wrongSeq)) {
		t.Error("wrong last sequence should be a conflict")
	}
	if !isConflict(jetstream.ErrKeyExists) {
		t.Error("key exists should be a conflict")
	}
	if isConflict(errors.New("timeout")) {
		t.Error("plain error treated as conflict")
	}
}

func TestEventSubject(t *testing.T) {
	if got := EventSubject(model.EventTypeFailover); got != "chat.events.failover" {
		t.Errorf("EventSubject = %q", got)
	}
}
