package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/sorotask/internal/auth"
	"github.com/alfredjeanlab/sorotask/internal/client"
	"github.com/alfredjeanlab/sorotask/internal/engine"
	"github.com/alfredjeanlab/sorotask/internal/invoke"
	"github.com/alfredjeanlab/sorotask/internal/model"
	"github.com/alfredjeanlab/sorotask/internal/server"
	"github.com/alfredjeanlab/sorotask/internal/store/memory"
)

// startEngine serves a real engine verifying JWT proofs and points
// taskClient at it.
func startEngine(t *testing.T) {
	t.Helper()
	logger := newLogger("text", &bytes.Buffer{})
	eng := engine.New(memory.New(), auth.NewJWTSigner(0, logger),
		invoke.NewRouter(logger).Handle("local", builtinCapabilities()),
		engine.WithLogger(logger),
	)
	srv := httptest.NewServer(server.NewTaskServer(eng, logger).NewHTTPHandler(""))
	t.Cleanup(srv.Close)
	taskClient = client.NewHTTPClient(srv.URL, "")
	t.Cleanup(func() { taskClient = nil })
}

func run(t *testing.T, cmd *cobra.Command, args ...string) string {
	t.Helper()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	if err := cmd.RunE(cmd, args); err != nil {
		t.Fatalf("%s %v: %v", cmd.Name(), args, err)
	}
	return buf.String()
}

func TestKeygenSignRegister(t *testing.T) {
	startEngine(t)
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "creator.key")

	out := run(t, keygenCmd, keyFile)
	if !strings.Contains(out, "Creator:") {
		t.Fatalf("keygen output = %q", out)
	}
	info, err := os.Stat(keyFile)
	if err != nil || info.Mode().Perm() != 0o600 {
		t.Fatalf("key file: %v, %v", info, err)
	}
	if err := keygenCmd.RunE(keygenCmd, []string{keyFile}); err == nil {
		t.Fatal("keygen must not overwrite an existing key")
	}

	for name, val := range map[string]string{"key": keyFile, "target": "local:noop", "function": "run", "interval": "60", "gas": "1000"} {
		if err := registerCmd.Flags().Set(name, val); err != nil {
			t.Fatal(err)
		}
	}
	out = run(t, registerCmd)
	if !strings.Contains(out, "Registered task 1") {
		t.Fatalf("register output = %q", out)
	}

	out = run(t, getCmd, "1")
	for _, want := range []string{"local:noop", "run", "60s", "never"} {
		if !strings.Contains(out, want) {
			t.Errorf("get output missing %q:\n%s", want, out)
		}
	}

	out = run(t, executeCmd, "1")
	if !strings.Contains(out, "Task 1") {
		t.Errorf("execute output = %q", out)
	}

	cfg, err := taskClient.GetTask(context.Background(), 1)
	if err != nil || cfg == nil || cfg.LastRun == 0 {
		t.Fatalf("after execute: %+v, %v", cfg, err)
	}

	out = run(t, listCmd)
	if !strings.Contains(out, "1 tasks") {
		t.Errorf("list output = %q", out)
	}
	out = run(t, eventsCmd, "1")
	if !strings.Contains(out, "sorotask.task.registered") {
		t.Errorf("events output = %q", out)
	}
}

func TestSignCommand(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "k")
	run(t, keygenCmd, keyFile)
	priv, err := readPrivateKey(keyFile)
	if err != nil {
		t.Fatal(err)
	}

	cfgFile := filepath.Join(dir, "task.json")
	cfg := model.TaskConfig{Target: "local:noop", Function: "run", Args: []model.Value{}, Interval: 30}
	data, _ := json.Marshal(cfg)
	if err := os.WriteFile(cfgFile, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := signCmd.Flags().Set("key", keyFile); err != nil {
		t.Fatal(err)
	}
	proof := strings.TrimSpace(run(t, signCmd, cfgFile))

	cfg.Creator = creatorOf(priv)
	if err := auth.NewJWTSigner(0, nil).Verify(context.Background(), cfg.Creator, proof, &cfg); err != nil {
		t.Fatalf("proof does not verify: %v", err)
	}
}

func TestGetAbsentTask(t *testing.T) {
	startEngine(t)
	out := run(t, getCmd, "42")
	if !strings.Contains(out, "not registered") {
		t.Errorf("output = %q", out)
	}
}

func TestGetZeroID(t *testing.T) {
	startEngine(t)
	out := run(t, getCmd, "0")
	if !strings.Contains(out, "not registered") {
		t.Errorf("output = %q", out)
	}
}

func TestParseLookupIDArg(t *testing.T) {
	if id, err := parseLookupIDArg("0"); err != nil || id != 0 {
		t.Errorf("parseLookupIDArg(0) = %d, %v", id, err)
	}
	for _, s := range []string{"x", "-1", ""} {
		if _, err := parseLookupIDArg(s); err == nil {
			t.Errorf("parseLookupIDArg(%q): expected error", s)
		}
	}
}

func TestParseIDArg(t *testing.T) {
	if _, err := parseIDArg("0"); err == nil {
		t.Error("id 0 must be rejected")
	}
	if _, err := parseIDArg("x"); err == nil {
		t.Error("non-numeric id must be rejected")
	}
	if id, err := parseIDArg("7"); err != nil || id != 7 {
		t.Errorf("parseIDArg(7) = %d, %v", id, err)
	}
}

func TestDiffTasks(t *testing.T) {
	seen := map[model.TaskID]uint64{}
	tasks := []*model.Task{
		{ID: 1, Config: &model.TaskConfig{LastRun: 0}},
		{ID: 2, Config: &model.TaskConfig{LastRun: 5}},
	}
	if got := diffTasks(tasks, seen); len(got) != 2 {
		t.Fatalf("first diff = %d tasks, want 2", len(got))
	}
	if got := diffTasks(tasks, seen); len(got) != 0 {
		t.Fatalf("unchanged diff = %d tasks, want 0", len(got))
	}
	tasks[1].Config.LastRun = 9
	got := diffTasks(tasks, seen)
	if len(got) != 1 || got[0].ID != 2 {
		t.Fatalf("diff after run = %+v", got)
	}
}
