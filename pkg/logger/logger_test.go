package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
)

func newBufferLogger(warnStack bool) (*Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return New(Options{ServiceName: "test", Level: zerolog.DebugLevel, Format: FormatJSON, Output: buf, WarnStack: warnStack}), buf
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var entry map[string]any
	if err := json.Unmarshal(lines[len(lines)-1], &entry); err != nil {
		t.Fatalf("decode entry %q: %v", lines[len(lines)-1], err)
	}
	return entry
}

func TestContextFieldsFollowTheCallChain(t *testing.T) {
	log, buf := newBufferLogger(false)

	ctx := log.WithRequestID(context.Background(), "req-123")
	ctx = log.WithAgentID(ctx, "agent-1")
	ctx = log.WithSupplier(ctx, "supplier_a")
	log.Info(ctx, "provisioning")

	entry := lastEntry(t, buf)
	for key, want := range map[string]string{"request_id": "req-123", "agent_id": "agent-1", "supplier": "supplier_a", "service": "test"} {
		if entry[key] != want {
			t.Fatalf("expected %s=%s, got %v", key, want, entry[key])
		}
	}
}

func TestErrorCarriesTypedCode(t *testing.T) {
	log, buf := newBufferLogger(false)

	err := pkgerrors.Wrap(pkgerrors.CodeSupplierFailed, errors.New("timeout"), "purchase failed")
	log.Error(context.Background(), "boom", err)

	entry := lastEntry(t, buf)
	if entry["error_code"] != string(pkgerrors.CodeSupplierFailed) {
		t.Fatalf("expected error_code, got %v", entry["error_code"])
	}
	if _, ok := entry["stack"]; !ok {
		t.Fatalf("expected stack on error")
	}
}

func TestWarnStackToggle(t *testing.T) {
	log, buf := newBufferLogger(true)
	log.Warn(context.Background(), "warny")
	if _, ok := lastEntry(t, buf)["stack"]; !ok {
		t.Fatalf("expected stack when warn stack enabled")
	}

	log, buf = newBufferLogger(false)
	log.Warn(context.Background(), "quiet")
	if _, ok := lastEntry(t, buf)["stack"]; ok {
		t.Fatalf("did not expect stack")
	}
}

func TestParseLevelDefaults(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"invalid": zerolog.InfoLevel,
		" DEBUG ": zerolog.DebugLevel,
		"warn":    zerolog.WarnLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
