package exec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPayloadOutputFiles(t *testing.T) {
	dir := t.TempDir()

	p := &Payload{
		Cell:     "c1",
		Preamble: "x = 1",
		Code:     "y = x",
		Dialect:  "starlark",
		Vars:     map[string]string{"a": strings.Repeat("0", 64)},
		DataDir:  dir,
	}
	inPath := filepath.Join(dir, "p.in")
	if err := WritePayload(inPath, p); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}
	got, err := ReadPayload(inPath)
	if err != nil {
		t.Fatalf("failed to read payload: %v", err)
	}
	if got.Cell != p.Cell || got.Code != p.Code || got.Vars["a"] != p.Vars["a"] {
		t.Errorf("payload mismatch: %+v", got)
	}

	outPath := filepath.Join(dir, "p.out")
	out := &Output{AccessedVars: []string{"a"}, CreatedVars: map[string]string{"y": "h"}}
	if err := WriteOutput(outPath, out); err != nil {
		t.Fatalf("failed to write output: %v", err)
	}
	gotOut, err := ReadOutput(outPath)
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	if len(gotOut.AccessedVars) != 1 || gotOut.CreatedVars["y"] != "h" {
		t.Errorf("output mismatch: %+v", gotOut)
	}
}

func TestReadPayloadSizeCap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "huge.in")

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	// A sparse file over the cap decodes to nothing but must be rejected
	// before JSON parsing even starts allocating.
	if err := f.Truncate(maxMessageBytes + 1); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if _, err := ReadPayload(path); err == nil {
		t.Error("expected oversized payload to be rejected")
	}
}

// fakeWorker writes a shell script standing in for the worker binary.
func fakeWorker(t *testing.T, dir, script string) string {
	t.Helper()
	path := filepath.Join(dir, "worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLauncherSuccess(t *testing.T) {
	dir := t.TempDir()

	// The stand-in worker consumes its input and writes a fixed output.
	script := fakeWorker(t, dir, `rm "$1"
printf '{"accessed_vars":["a"],"created_vars":{"y":"h1"}}' > "$2"
echo "worker log line"
`)
	l := NewLauncher([]string{script}, dir, nil)

	logPath := filepath.Join(dir, "cell.pending.log")
	running, err := l.Start(&Payload{Cell: "c1"}, logPath)
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	out, err := running.Wait()
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if out.CreatedVars["y"] != "h1" {
		t.Errorf("unexpected output: %+v", out)
	}

	logData, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	if !strings.Contains(string(logData), "worker log line") {
		t.Errorf("worker stdout not captured: %q", logData)
	}
}

func TestLauncherStartFailureLeavesNoFiles(t *testing.T) {
	dir := t.TempDir()

	l := NewLauncher([]string{filepath.Join(dir, "no-such-worker")}, dir, nil)

	logPath := filepath.Join(dir, "cell.pending.log")
	_, err := l.Start(&Payload{Cell: "c1"}, logPath)
	if err == nil {
		t.Fatal("expected start to fail")
	}
	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Error("pending log should have been removed on start failure")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".in") || strings.HasSuffix(e.Name(), ".out") {
			t.Errorf("leftover payload file: %s", e.Name())
		}
	}
}

func TestLauncherWorkerFailure(t *testing.T) {
	dir := t.TempDir()

	script := fakeWorker(t, dir, `echo "something broke" >&2
exit 3
`)
	l := NewLauncher([]string{script}, dir, nil)

	logPath := filepath.Join(dir, "cell.pending.log")
	running, err := l.Start(&Payload{Cell: "c1"}, logPath)
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	_, err = running.Wait()
	if !errors.Is(err, ErrWorkerFailed) {
		t.Fatalf("expected ErrWorkerFailed, got %v", err)
	}

	logData, _ := os.ReadFile(logPath)
	if !strings.Contains(string(logData), "something broke") {
		t.Errorf("worker stderr not captured: %q", logData)
	}
}

func TestRunWorkerEndToEnd(t *testing.T) {
	dir := t.TempDir()

	inPath := filepath.Join(dir, "run.in")
	outPath := filepath.Join(dir, "run.out")
	payload := &Payload{
		Cell:     "c1",
		Preamble: "x = 1",
		Code:     "result = x + 1",
		Dialect:  "starlark",
		DataDir:  filepath.Join(dir, "data"),
	}
	if err := WritePayload(inPath, payload); err != nil {
		t.Fatal(err)
	}

	if err := RunWorker(context.Background(), inPath, outPath); err != nil {
		t.Fatalf("worker run failed: %v", err)
	}

	// The input is consumed, the output is complete.
	if _, err := os.Stat(inPath); !os.IsNotExist(err) {
		t.Error("payload file should have been deleted")
	}
	out, err := ReadOutput(outPath)
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	if _, ok := out.CreatedVars["result"]; !ok {
		t.Errorf("expected created var result, got %+v", out)
	}
}
