package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestNew_LevelAndFormat(t *testing.T) {
	l := New("resolver", "debug", "json")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithFields(nil).Debug("hello")

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if decoded["component"] != "resolver" {
		t.Errorf("component = %v, want resolver", decoded["component"])
	}
	if decoded["message"] != "hello" {
		t.Errorf("message = %v, want hello", decoded["message"])
	}
}

func TestNew_InvalidLevelDefaultsToInfo(t *testing.T) {
	l := New("resolver", "not-a-level", "json")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithFields(nil).Debug("should not appear")
	if buf.Len() != 0 {
		t.Errorf("expected debug to be suppressed at default info level, got %q", buf.String())
	}
}

func TestWithContext_CarriesSessionAtlasCaller(t *testing.T) {
	l := New("resolver", "info", "json")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	ctx := context.Background()
	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithAtlasID(ctx, "atlas-1")
	ctx = WithCallerID(ctx, "agent-1")

	l.WithContext(ctx).Info("resolved")

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["session_id"] != "sess-1" || decoded["atlas_id"] != "atlas-1" || decoded["caller_id"] != "agent-1" {
		t.Errorf("missing context fields: %+v", decoded)
	}
}

func TestSessionIDFrom(t *testing.T) {
	ctx := WithSessionID(context.Background(), "sess-42")
	if got := SessionIDFrom(ctx); got != "sess-42" {
		t.Errorf("SessionIDFrom = %q, want sess-42", got)
	}
	if got := SessionIDFrom(context.Background()); got != "" {
		t.Errorf("SessionIDFrom on bare context = %q, want empty", got)
	}
}

func TestWithError(t *testing.T) {
	l := New("resolver", "info", "json")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithError(errors.New("boom")).Error("failed")

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["error"] != "boom" {
		t.Errorf("error field = %v, want boom", decoded["error"])
	}
}

func TestLogAudit(t *testing.T) {
	l := New("resolver", "info", "json")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.LogAudit(context.Background(), "end_session", "session", "sess-1", "ok")

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["audit"] != true || decoded["action"] != "end_session" {
		t.Errorf("unexpected audit record: %+v", decoded)
	}
}

func TestDefault_LazyInit(t *testing.T) {
	if Default() == nil {
		t.Fatal("Default() returned nil")
	}
}
