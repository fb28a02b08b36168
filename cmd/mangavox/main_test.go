package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/mangavox/internal/app"
	"github.com/MrWong99/mangavox/internal/config"
	"github.com/MrWong99/mangavox/pkg/voice"
)

// writeConfig writes a file-backed, offline config and returns its path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mangavox.yaml")
	content := "server:\n  log_level: error\n" +
		"storage:\n  backend: file\n  dir: " + filepath.Join(dir, "store") + "\n" +
		"cache:\n  compression_level: 3\n" +
		"tts:\n  provider: mock\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// execute runs the CLI with args against cfgPath and returns stdout.
func execute(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd(&stdout, &stderr)
	root.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func mustExecute(t *testing.T, cfgPath string, args ...string) string {
	t.Helper()
	out, err := execute(t, cfgPath, args...)
	if err != nil {
		t.Fatalf("mangavox %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func TestResolve_RemembersAcrossRuns(t *testing.T) {
	t.Parallel()
	cfg := writeConfig(t)
	luffy, _ := voice.DefaultTable().Character("luffy")

	out := mustExecute(t, cfg, "resolve", "--title", "One Piece", "Luffy", "Random Marine")
	if !strings.Contains(out, "Luffy") || !strings.Contains(out, luffy) {
		t.Errorf("resolve output = %q, want Luffy's default voice %q", out, luffy)
	}
	if !strings.Contains(out, "session ") || !strings.Contains(out, "random marine") {
		t.Errorf("resolve output = %q, want the session lock table", out)
	}

	out = mustExecute(t, cfg, "memory", "list")
	for _, want := range []string{"luffy", "random marine", "One Piece"} {
		if !strings.Contains(out, want) {
			t.Errorf("memory list missing %q:\n%s", want, out)
		}
	}

	// Reassign manually; the next run picks the remembered voice.
	mustExecute(t, cfg, "memory", "set", "Luffy", "custom-luffy", "--personality", "hero")
	out = mustExecute(t, cfg, "resolve", "luffy")
	if !strings.Contains(out, "custom-luffy") {
		t.Errorf("resolve after memory set = %q", out)
	}

	mustExecute(t, cfg, "memory", "clear")
	out = mustExecute(t, cfg, "memory", "list")
	if strings.Contains(out, "luffy") {
		t.Errorf("memory list after clear = %q", out)
	}
}

func TestSpeakAndCache(t *testing.T) {
	t.Parallel()
	cfg := writeConfig(t)
	outFile := filepath.Join(t.TempDir(), "line.mp3")

	mustExecute(t, cfg, "speak", "-C", "Nami", "-o", outFile, "Give", "me", "money!")
	audio, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("read audio: %v", err)
	}
	if !strings.HasPrefix(string(audio), "mock:") || !strings.HasSuffix(string(audio), "Give me money!") {
		t.Errorf("audio = %q", audio)
	}

	// Writing to stdout yields the same cached payload.
	if out := mustExecute(t, cfg, "speak", "-C", "nami", "give me money"); out != string(audio) {
		t.Errorf("stdout audio = %q, want cached %q", out, audio)
	}

	out := mustExecute(t, cfg, "cache", "stats")
	if !strings.Contains(out, "entries: 1") {
		t.Errorf("cache stats = %q", out)
	}

	mustExecute(t, cfg, "cache", "clear")
	out = mustExecute(t, cfg, "cache", "stats")
	if !strings.Contains(out, "entries: 0") {
		t.Errorf("cache stats after clear = %q", out)
	}
}

func TestPrefetch(t *testing.T) {
	t.Parallel()
	cfg := writeConfig(t)
	page := filepath.Join(t.TempDir(), "page.yaml")
	content := `title: One Piece
lines:
  - character: Luffy
    type: hero
    text: I'm gonna be King of the Pirates!
  - character: Zoro
    text: Nothing happened.
  - text: The Straw Hats set sail.
`
	if err := os.WriteFile(page, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if out := mustExecute(t, cfg, "prefetch", page); !strings.Contains(out, "0 cached, 3 synthesized, 0 failed") {
		t.Errorf("first prefetch = %q", out)
	}
	if out := mustExecute(t, cfg, "prefetch", page); !strings.Contains(out, "3 cached, 0 synthesized, 0 failed") {
		t.Errorf("second prefetch = %q", out)
	}

	if _, err := execute(t, cfg, "prefetch", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing page")
	}
}

func TestVoices(t *testing.T) {
	t.Parallel()
	cfg := writeConfig(t)
	mustExecute(t, cfg, "memory", "set", "Zorro", "voice-z", "--personality", "hero")
	mustExecute(t, cfg, "memory", "set", "Nami", "voice-n", "--personality", "comic")

	out := mustExecute(t, cfg, "voices", "similar", "zoro")
	if !strings.Contains(out, "zorro") || !strings.Contains(out, "voice-z") {
		t.Errorf("voices similar = %q", out)
	}

	out = mustExecute(t, cfg, "voices", "suggest", "-p", "hero")
	if strings.TrimSpace(out) != "voice-z" {
		t.Errorf("voices suggest = %q", out)
	}
	if _, err := execute(t, cfg, "voices", "suggest", "-p", "grumpy"); err == nil {
		t.Error("expected error for unknown personality")
	}

	out = mustExecute(t, cfg, "voices", "catalog")
	if !strings.Contains(out, voice.DefaultTable().Fallback()) {
		t.Errorf("catalog missing fallback voice:\n%s", out)
	}
}

func TestSync_RequiresRemote(t *testing.T) {
	t.Parallel()
	_, err := execute(t, writeConfig(t), "sync", "One Piece")
	if err == nil || !strings.Contains(err.Error(), "remote") {
		t.Errorf("sync error = %v", err)
	}
}

func TestSync_ReportsUnreachableRemote(t *testing.T) {
	t.Parallel()
	cfg := writeConfig(t)
	f, err := os.OpenFile(cfg, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.WriteString("remote:\n  postgres_dsn: postgres://u:p@127.0.0.1:1/db?connect_timeout=1\n  user_id: reader-1\n")
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, cfg, "sync", "One Piece")
	if err == nil || !strings.Contains(err.Error(), "unreachable") {
		t.Errorf("sync error = %v, want unreachable remote", err)
	}
	if strings.Contains(out, "updated") {
		t.Errorf("sync reported success while the remote is down: %q", out)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Parallel()
	if _, err := execute(t, filepath.Join(t.TempDir(), "missing.yaml"), "resolve", "x"); err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestOnConfigChange_AppliesLogLevel(t *testing.T) {
	t.Parallel()
	c := &cli{log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	c.level.Set(slog.LevelInfo)

	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	updated := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}
	c.onConfigChange(old, updated)
	if c.level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", c.level.Level())
	}
}

func newTestAPI(t *testing.T) (*http.ServeMux, *app.App) {
	t.Helper()
	cfg := &config.Config{
		Storage: config.StorageConfig{Backend: config.StorageMemory},
		TTS:     config.TTSConfig{Provider: config.TTSMock, OutputFormat: "mp3_44100_128"},
	}
	a, err := app.New(context.Background(), cfg, app.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	mux := http.NewServeMux()
	newAPI(a, cfg.TTS.OutputFormat).register(mux)
	return mux, a
}

func TestAPI(t *testing.T) {
	t.Parallel()
	mux, a := newTestAPI(t)

	do := func(method, target, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
		return rec
	}

	t.Run("resolve", func(t *testing.T) {
		rec := do("GET", "/v1/resolve?character=Luffy", "")
		var got resolveResponse
		if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		want, _ := voice.DefaultTable().Character("luffy")
		if rec.Code != http.StatusOK || got.Voice != want {
			t.Errorf("resolve = %d %+v, want voice %q", rec.Code, got, want)
		}
	})

	t.Run("speak", func(t *testing.T) {
		rec := do("POST", "/v1/speak", `{"character":"Luffy","text":"Meat!"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "audio/mpeg" {
			t.Errorf("Content-Type = %q", ct)
		}
		if !strings.HasSuffix(rec.Body.String(), "Meat!") {
			t.Errorf("body = %q", rec.Body)
		}
	})

	t.Run("speak validation", func(t *testing.T) {
		for _, body := range []string{`{"text":"  "}`, `not json`, `{"txt":"x"}`} {
			if rec := do("POST", "/v1/speak", body); rec.Code != http.StatusBadRequest {
				t.Errorf("body %q: status = %d, want 400", body, rec.Code)
			}
		}
	})

	t.Run("prefetch", func(t *testing.T) {
		rec := do("POST", "/v1/prefetch", `{"lines":[{"character":"Zoro","text":"Lost again."},{"text":" "}]}`)
		var got prefetchResponse
		if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Synthesized != 1 || got.Failed != 1 || got.Error == "" {
			t.Errorf("prefetch = %+v", got)
		}
	})

	t.Run("session", func(t *testing.T) {
		before := a.Resolver().SessionID()
		rec := do("PUT", "/v1/session", `{"title":"Naruto"}`)
		var got sessionResponse
		if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Title != "Naruto" || got.SessionID == before {
			t.Errorf("switch title = %+v", got)
		}
		if len(a.Resolver().Locked()) != 0 {
			t.Error("switching title kept session locks")
		}

		a.Resolver().LockVoice("sasuke", "v")
		if rec := do("DELETE", "/v1/session", ""); rec.Code != http.StatusOK {
			t.Errorf("clear session status = %d", rec.Code)
		}
		if len(a.Resolver().Locked()) != 0 {
			t.Error("session locks survived DELETE")
		}
	})
}
