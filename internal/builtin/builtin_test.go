package builtin

import (
	"bytes"
	"context"
	"log"
	"runtime"
	"strings"
	"testing"

	"github.com/andywolf/autopilot/internal/events"
	"github.com/andywolf/autopilot/internal/executor"
)

type recordingPublisher struct {
	topic   string
	payload map[string]any
	source  string
}

func (p *recordingPublisher) Publish(topic string, payload map[string]any, source string) events.Event {
	p.topic, p.payload, p.source = topic, payload, source
	return events.Event{ID: "evt-1", Topic: topic, Payload: payload, Source: source}
}

func TestRegister(t *testing.T) {
	ops := executor.NewOperations()
	if err := Register(ops, &recordingPublisher{}, nil); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	got := ops.Names()
	if len(got) != 2 || got[0] != OpDiskUsage || got[1] != OpNotify {
		t.Errorf("Names() = %v", got)
	}
	if err := Register(ops, &recordingPublisher{}, nil); err == nil {
		t.Error("second Register() expected duplicate error")
	}
}

func TestNotify(t *testing.T) {
	var buf bytes.Buffer
	pub := &recordingPublisher{}
	op := notify(pub, log.New(&buf, "", 0))

	data, err := op(context.Background(), map[string]any{"message": "Disk almost full", "title": "Storage"})
	if err != nil {
		t.Fatalf("notify error = %v", err)
	}
	if data["event_id"] != "evt-1" {
		t.Errorf("data = %v", data)
	}
	if pub.topic != TopicNotification || pub.source != "operation:notify" {
		t.Errorf("published %q from %q", pub.topic, pub.source)
	}
	if pub.payload["title"] != "Storage" || pub.payload["urgency"] != "normal" {
		t.Errorf("payload = %v", pub.payload)
	}
	if !strings.Contains(buf.String(), "Disk almost full") {
		t.Errorf("log = %q", buf.String())
	}

	if _, err := op(context.Background(), map[string]any{}); err == nil {
		t.Error("notify without message expected error")
	}
}

func TestDiskUsage(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("statfs not available")
	}
	data, err := diskUsage(context.Background(), map[string]any{"path": t.TempDir()})
	if err != nil {
		t.Fatalf("diskUsage error = %v", err)
	}
	total, _ := data["total_bytes"].(uint64)
	free, _ := data["free_bytes"].(uint64)
	if total == 0 || free > total {
		t.Errorf("total = %d, free = %d", total, free)
	}
	pct, _ := data["used_percent"].(float64)
	if pct < 0 || pct > 100 {
		t.Errorf("used_percent = %v", pct)
	}

	if _, err := diskUsage(context.Background(), map[string]any{"path": "/definitely/not/here"}); err == nil {
		t.Error("diskUsage on missing path expected error")
	}
}

func TestDiskUsage_ThroughExecutor(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("statfs not available")
	}
	ops := executor.NewOperations()
	_ = Register(ops, &recordingPublisher{}, nil)
	x := executor.New(executor.WithOperations(ops), executor.WithSandbox(executor.SandboxNever),
		executor.WithLogger(log.New(&bytes.Buffer{}, "", 0)))

	r := x.RunOperation(context.Background(), executor.OperationCall{Name: OpDiskUsage, Caller: "test"})
	if !r.Success {
		t.Fatalf("RunOperation() message = %q", r.Message)
	}
	if r.Data["path"] != "/" {
		t.Errorf("path = %v, want default /", r.Data["path"])
	}
}
