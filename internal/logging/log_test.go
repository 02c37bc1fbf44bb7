package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestJSONModeTo(t *testing.T) {
	t.Cleanup(JSONMode)
	var buf bytes.Buffer
	JSONModeTo(&buf)

	L().Info("sync outcome", zap.String("run_id", "r1"), zap.Bool("success", true))
	Sync()

	var rec map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not one JSON record: %v\n%s", err, buf.String())
	}
	if rec["msg"] != "sync outcome" || rec["run_id"] != "r1" || rec["success"] != true {
		t.Errorf("record = %v", rec)
	}
	if _, ok := rec["ts"]; !ok {
		t.Error("missing ts key")
	}
}

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { SetLevel(zapcore.InfoLevel); JSONMode() })
	var buf bytes.Buffer
	JSONModeTo(&buf)

	L().Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug record written at info level: %s", buf.String())
	}
	SetLevel(zapcore.DebugLevel)
	S().Debugw("shown", "k", 1)
	if buf.Len() == 0 {
		t.Error("debug record missing after SetLevel(Debug)")
	}
}

func TestReplace(t *testing.T) {
	t.Cleanup(JSONMode)
	core, logs := observer.New(zapcore.InfoLevel)
	Replace(zap.New(core))

	S().Warnw("careful", "attempt", 2)
	if logs.Len() != 1 {
		t.Fatalf("records = %d, want 1", logs.Len())
	}
	entry := logs.All()[0]
	if entry.Message != "careful" || entry.ContextMap()["attempt"] != int64(2) {
		t.Errorf("entry = %+v", entry)
	}
}
