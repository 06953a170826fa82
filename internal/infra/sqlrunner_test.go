package infra

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

func TestExtractMarker(t *testing.T) {
	query := "--sql 2f4c9d0e-1a2b-4c3d-8e9f-0a1b2c3d4e5f\nSELECT 1"
	marker, body, err := extractMarker(query)
	if err != nil {
		t.Fatalf("extractMarker returned error: %v", err)
	}
	if marker != "2f4c9d0e-1a2b-4c3d-8e9f-0a1b2c3d4e5f" {
		t.Fatalf("marker = %q", marker)
	}
	if strings.TrimSpace(body) != "SELECT 1" {
		t.Fatalf("body = %q", body)
	}
}

func TestExtractMarkerRejectsUnmarkedQueries(t *testing.T) {
	for _, q := range []string{"SELECT 1", "--sql not-a-uuid\nSELECT 1", ""} {
		if _, _, err := extractMarker(q); err == nil {
			t.Fatalf("expected error for %q", q)
		}
	}
}

func TestIsNoRows(t *testing.T) {
	if !IsNoRows(fmt.Errorf("lookup: %w", pgx.ErrNoRows)) {
		t.Fatal("wrapped ErrNoRows should be detected")
	}
	if IsNoRows(errors.New("boom")) {
		t.Fatal("unrelated errors are not no-rows")
	}
}

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "production", "")
	logger.Debug().Msg("hidden")
	logger.Info().Msg("visible")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug lines should be dropped in production: %s", out)
	}
	if !strings.Contains(out, `"service":"imagegen"`) {
		t.Fatalf("service field missing: %s", out)
	}

	buf.Reset()
	logger = newLogger(&buf, "production", "debug")
	logger.Debug().Msg("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Fatalf("LOG_LEVEL override ignored: %s", buf.String())
	}
}

func TestTraceLevels(t *testing.T) {
	var buf bytes.Buffer
	r := &SQLRunner{Logger: newLogger(&buf, "production", "debug")}
	now := time.Now()

	r.trace("m1", "exec", now, errors.New("boom")).Send()
	r.trace("m2", "query_row", now, pgx.ErrNoRows).Send()
	r.trace("m3", "exec", now.Add(-time.Second), nil).Send()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 log lines, got %d: %s", len(lines), buf.String())
	}
	for i, want := range []string{`"level":"error"`, `"level":"debug"`, `"level":"warn"`} {
		if !strings.Contains(lines[i], want) {
			t.Errorf("line %d = %s, want %s", i, lines[i], want)
		}
	}
	if !strings.Contains(lines[0], `"sql_marker":"m1"`) {
		t.Fatalf("marker missing: %s", lines[0])
	}
}
