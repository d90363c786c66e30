package testutils

import (
	"context"
	"testing"
	"time"
)

func TestScriptedRunnerSequences(t *testing.T) {
	r := NewScriptedRunner()
	r.Stub("devices -l",
		ScriptedResponse{Err: context.DeadlineExceeded},
		ScriptedResponse{Lines: []string{"List of devices attached", "S1\tdevice"}},
	)

	ctx := context.Background()
	if _, err := r.Run(ctx, 0, "devices", "-l"); err == nil {
		t.Fatal("first response should fail")
	}
	lines, err := r.Run(ctx, 0, "devices", "-l")
	if err != nil {
		t.Fatalf("second response: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("lines = %v", lines)
	}
	// Sticky tail keeps answering.
	if _, err := r.Run(ctx, 0, "devices", "-l"); err != nil {
		t.Fatalf("sticky response: %v", err)
	}
	if got := r.CallCount("devices"); got != 3 {
		t.Errorf("CallCount = %d, want 3", got)
	}
}

func TestScriptedRunnerPrefixAndMisses(t *testing.T) {
	r := NewScriptedRunner()
	r.StubPrefix("-s S1 shell", ScriptedResponse{Lines: []string{"model=Pixel"}})

	lines, err := r.Run(context.Background(), 0, "-s", "S1", "shell", "echo model=$(getprop ro.product.model)")
	if err != nil {
		t.Fatalf("prefix stub: %v", err)
	}
	if len(lines) != 1 || lines[0] != "model=Pixel" {
		t.Fatalf("lines = %v", lines)
	}

	if _, err := r.Run(context.Background(), 0, "-s", "S2", "shell", "id"); err == nil {
		t.Fatal("unscripted command should error")
	}
}

func TestScriptedProcLifecycle(t *testing.T) {
	p := NewScriptedProc()
	p.Emit("frame 1")
	p.Emit("frame 2")
	p.Stop()
	p.Emit("after stop") // dropped

	var got []string
	for line := range p.Lines() {
		got = append(got, line)
	}
	if len(got) != 2 {
		t.Fatalf("lines = %v", got)
	}
	if !p.Stopped() {
		t.Error("Stopped should report true")
	}
	if err := p.Wait(context.Background()); err != nil {
		t.Errorf("Wait after Stop = %v, want nil", err)
	}
}

func TestEventRecorderWaiting(t *testing.T) {
	ch := make(chan int, 8)
	rec := RecordEvents(ch)

	ch <- 1
	ch <- 2
	if !rec.WaitLen(2, time.Second) {
		t.Fatal("WaitLen timed out")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		ch <- 42
		close(ch)
	}()

	ev, ok := rec.WaitFor(time.Second, func(v int) bool { return v == 42 })
	if !ok || ev != 42 {
		t.Fatalf("WaitFor = (%d, %v)", ev, ok)
	}
	if !rec.WaitClosed(time.Second) {
		t.Fatal("WaitClosed timed out")
	}
	if got := rec.Events(); len(got) != 3 {
		t.Fatalf("Events = %v", got)
	}
}
