package errors

import (
	stdErrors "errors"
	"fmt"
	"log/slog"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", New(CodeNoSuchCommand, "command 9 on main"))
	if !stdErrors.Is(err, New(CodeNoSuchCommand, "")) {
		t.Fatalf("expected wrapped error to match by code")
	}
	if stdErrors.Is(err, New(CodeInvalidArgument, "")) {
		t.Fatalf("codes must not cross-match")
	}
	if CodeOf(err) != CodeNoSuchCommand {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
}

func TestMessageOfIncludesCause(t *testing.T) {
	err := Wrap(CodeIOFailure, stdErrors.New("disk gone"), "open stream")
	if got := MessageOf(err); got != "open stream: disk gone" {
		t.Fatalf("unexpected message: %q", got)
	}
	if got := MessageOf(stdErrors.New("plain")); got != "plain" {
		t.Fatalf("unexpected plain message: %q", got)
	}
	if !err.Retryable() {
		t.Fatalf("io failures are retryable")
	}
}

func TestDefaultMessageAndSeverity(t *testing.T) {
	err := New(CodeABIMismatch, "")
	if err.Message() != "plugin api version mismatch" {
		t.Fatalf("unexpected default message: %s", err.Message())
	}
	if SeverityOf(err) != SeverityWarning {
		t.Fatalf("unexpected severity: %s", SeverityOf(err))
	}
	custom := New(CodeABIMismatch, "", WithSeverity(SeverityInfo), WithMetadata("path", "/x"))
	if custom.Severity() != SeverityInfo || custom.Metadata()["path"] != "/x" {
		t.Fatalf("options not applied: %+v", custom)
	}
	if SeverityOf(stdErrors.New("x")) != SeverityCritical {
		t.Fatalf("foreign errors fall back to unknown severity")
	}
}

func TestLevelAndAttrsFollowCode(t *testing.T) {
	cases := []struct {
		err   error
		level slog.Level
	}{
		{New(CodeInvalidArgument, "bad"), slog.LevelInfo},
		{New(CodeABIMismatch, ""), slog.LevelWarn},
		{fmt.Errorf("save: %w", New(CodeStorageFailure, "")), slog.LevelError},
		{stdErrors.New("foreign"), slog.LevelError},
		{New(CodeABIMismatch, "", WithSeverity(SeverityInfo)), slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := LevelOf(tc.err); got != tc.level {
			t.Errorf("%v: got level %s want %s", tc.err, got, tc.level)
		}
	}

	err := Wrap(CodeIOFailure, stdErrors.New("eof"), "read", WithMetadata("path", "/music"), WithMetadata("attempt", "2"))
	attrs := Attrs(err)
	var keys []string
	for _, a := range attrs {
		keys = append(keys, a.Key)
	}
	if fmt.Sprint(keys) != "[code retryable attempt path error]" {
		t.Fatalf("unexpected attr keys %v", keys)
	}
	if attrs[0].Value.String() != "IO_FAILURE" || !attrs[1].Value.Bool() || attrs[3].Value.String() != "/music" {
		t.Fatalf("unexpected attrs %v", attrs)
	}
	if RetryableOf(stdErrors.New("x")) || Attrs(nil) != nil {
		t.Fatalf("foreign and nil errors carry no retry hint")
	}
}
