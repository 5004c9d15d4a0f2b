package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Sternrassler/weather-proxy/pkg/requestid"
	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    zerolog.Level
		wantErr bool
	}{
		{"", zerolog.InfoLevel, false},
		{"info", zerolog.InfoLevel, false},
		{"DEBUG", zerolog.DebugLevel, false},
		{" warn ", zerolog.WarnLevel, false},
		{"warning", zerolog.WarnLevel, false},
		{"error", zerolog.ErrorLevel, false},
		{"verbose", zerolog.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
			if tt.wantErr != (err != nil) {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrUnknownLevel) {
				t.Errorf("error %v does not wrap ErrUnknownLevel", err)
			}
		})
	}
}

func TestSetup_StaticFields(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := Setup(Config{Level: "info", Output: buf, Service: "weather-proxy", Version: "1.0.0"})

	logger.Info().Msg("hello")

	out := buf.String()
	for _, want := range []string{`"service":"weather-proxy"`, `"version":"1.0.0"`, `"message":"hello"`, `"time":`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %s: %q", want, out)
		}
	}
}

func TestSetup_LevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: "warn", Output: buf})

	logger := NewLogger("cache")
	logger.Debug().Msg("cache hit")
	logger.Info().Msg("cache write")
	logger.Warn().Msg("cache fallback")
	logger.Error().Msg("close failed")

	out := buf.String()
	if strings.Contains(out, "cache hit") || strings.Contains(out, "cache write") {
		t.Errorf("lines below warn leaked: %q", out)
	}
	if !strings.Contains(out, "cache fallback") || !strings.Contains(out, "close failed") {
		t.Errorf("warn and error lines missing: %q", out)
	}
	if !strings.Contains(out, `"component":"cache"`) {
		t.Errorf("component field missing: %q", out)
	}
}

func TestSetup_UnknownLevelFallsBack(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: "chatty", Output: buf})

	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("GlobalLevel = %v, want info", zerolog.GlobalLevel())
	}
	if !strings.Contains(buf.String(), "Falling back to info level") {
		t.Errorf("fallback not reported: %q", buf.String())
	}
}

func TestSetup_Pretty(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := Setup(Config{Level: "info", Pretty: true, Output: buf})

	logger.Info().Msg("console line")

	out := buf.String()
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Errorf("pretty output should not be JSON: %q", out)
	}
	if !strings.Contains(out, "console line") {
		t.Errorf("message missing: %q", out)
	}
}

func TestFromContext(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: "info", Output: buf})

	FromContext(context.Background()).Info().Msg("startup")
	if !strings.Contains(buf.String(), `"request_id":"no-request-id"`) {
		t.Errorf("expected sentinel request id, got %q", buf.String())
	}

	buf.Reset()
	ctx, scope := requestid.Begin(context.Background(), "abc-123")
	defer scope.End()

	FromContext(ctx).Info().Msg("in request")
	if !strings.Contains(buf.String(), `"request_id":"abc-123"`) {
		t.Errorf("expected bound request id, got %q", buf.String())
	}
}
