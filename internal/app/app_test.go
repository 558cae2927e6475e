package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pingcast/internal/ping"
	"pingcast/internal/push"
	"pingcast/internal/task/engine"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	cfg := map[string]any{
		"logging": map[string]any{"level": "warn", "console": false},
		"http":    map[string]any{"addr": "127.0.0.1:0", "admin_token": "adm"},
		"push":    map[string]any{"driver": "memory"},
		"rotation": map[string]any{
			"schedule":       "@every 1h",
			"retry_interval": "10ms",
		},
		"auth":        map[string]any{"dev_password": "letmein"},
		"storage":     map[string]any{"driver": "file", "path": filepath.Join(dir, "audit.jsonl")},
		"metrics":     map[string]any{"enabled": true},
		"task_engine": map[string]any{"shutdown_grace": "500ms"},
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func getJSON(t *testing.T, resp *http.Response, err error) map[string]any {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestAppEndToEnd(t *testing.T) {
	dir := t.TempDir()
	a, err := NewApp(writeConfig(t, dir))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stopped := false
	defer func() {
		if !stopped {
			_ = a.Stop(context.Background(), StopUnknown)
		}
	}()

	select {
	case <-a.HTTPReady():
	case <-time.After(5 * time.Second):
		t.Fatal("http not ready")
	}
	base := "http://" + a.HTTPAddr()

	resp, err := http.PostForm(base+"/login", url.Values{"username": {"caps"}, "password": {"letmein"}, "deviceID": {"dev1"}})
	login := getJSON(t, resp, err)
	if login["valid"] != true || login["challenge"] == "" {
		t.Fatalf("login = %v", login)
	}

	mem := a.Push().(*push.Memory)
	deadline := time.Now().Add(5 * time.Second)
	for {
		chs, _ := mem.ListChannels(context.Background(), "dev1")
		if len(chs) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("device not reconciled, channels = %v", chs)
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp, err = http.PostForm(base+"/refresh", url.Values{"username": {"caps"}, "challenge": {login["challenge"].(string)}})
	refresh := getJSON(t, resp, err)
	if refresh["valid"] != true {
		t.Fatalf("refresh = %v", refresh)
	}

	resp, err = http.Get(base + "/ping?body=hello&group=caps")
	sent := getJSON(t, resp, err)
	if sent["response"] != "sent" {
		t.Fatalf("ping = %v", sent)
	}
	resp, err = http.Get(base + "/ping?body=hello&group=unknowngroup")
	bad := getJSON(t, resp, err)
	if bad["response"] != "badGroup" {
		t.Fatalf("ping unknown group = %v", bad)
	}

	req, _ := http.NewRequest(http.MethodPost, base+"/forceRefresh", nil)
	req.Header.Set("Authorization", "Bearer adm")
	resp, err = http.DefaultClient.Do(req)
	done := getJSON(t, resp, err)
	if done["response"] != "done" {
		t.Fatalf("forceRefresh = %v", done)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "pingcast_session_active 1") {
		t.Fatalf("metrics missing session gauge:\n%s", body)
	}

	auditPath := filepath.Join(dir, "audit.jsonl")
	deadline = time.Now().Add(5 * time.Second)
	for _, want := range []string{`"kind":"login"`, `"kind":"rotation"`, `"kind":"ping"`} {
		for {
			audit, _ := os.ReadFile(auditPath)
			if strings.Contains(string(audit), want) {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("audit missing %s:\n%s", want, audit)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	stopped = true
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"push":{"driver":"memory"},"session":{"ttl":"1h"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewApp(path); err == nil || !strings.Contains(err.Error(), "session.ttl") {
		t.Fatalf("NewApp() error = %v", err)
	}
}

func scheduleNames(a *App) map[string]string {
	out := map[string]string{}
	for _, s := range a.sched.Snapshot().Schedules {
		out[s.Name] = s.Spec
	}
	return out
}

func TestApplyConfigHotReloadsRotation(t *testing.T) {
	dir := t.TempDir()
	a, err := NewApp(writeConfig(t, dir))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopUnknown)
	}()

	if _, ok := scheduleNames(a)[scheduleHeartbeat]; ok {
		t.Fatal("heartbeat registered without config")
	}

	oldCfg := a.cfgm.Get()
	next := *oldCfg
	next.Rotation.Heartbeat = "@every 30m"
	next.Rotation.Schedule = "0 4 * * *"
	a.applyConfig(oldCfg, &next)

	got := scheduleNames(a)
	if got[scheduleRotation] != "0 4 * * *" {
		t.Fatalf("rotation spec = %q", got[scheduleRotation])
	}
	if _, ok := got[scheduleHeartbeat]; !ok {
		t.Fatalf("heartbeat not registered: %v", got)
	}

	bad := next
	bad.Rotation.Schedule = "not a schedule at all"
	a.applyConfig(&next, &bad)
	if scheduleNames(a)[scheduleRotation] != "0 4 * * *" {
		t.Fatal("invalid schedule replaced the running one")
	}

	off := next
	off.Rotation.Heartbeat = ""
	a.applyConfig(&next, &off)
	if _, ok := scheduleNames(a)[scheduleHeartbeat]; ok {
		t.Fatal("heartbeat still registered after removal")
	}
}

func TestStopDrainsQueuedTasksWithinGrace(t *testing.T) {
	dir := t.TempDir()
	a, err := NewApp(writeConfig(t, dir))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var completed atomic.Int32
	for i := 0; i < 6; i++ {
		if err := a.engine.Enqueue(engine.Task{Name: "slow", Run: func(ctx context.Context) error {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
			completed.Add(1)
			return nil
		}}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	// Published while the engine drains; the audit trail must still get it.
	if err := a.engine.Enqueue(engine.Task{Name: "farewell", Run: func(ctx context.Context) error {
		return a.ping.Send(ctx, "bye-bye-now", ping.GroupAll)
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := completed.Load(); got != 6 {
		t.Fatalf("completed %d of 6 queued tasks", got)
	}
	if drops := a.engine.Snapshot().Drops; drops.Total() != 0 {
		t.Fatalf("drops = %+v, want none", drops)
	}
	audit, err := os.ReadFile(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(audit), `"count":11`) {
		t.Fatalf("ping sent during drain not audited:\n%s", audit)
	}
}
