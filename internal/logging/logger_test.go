package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, ws, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(ws, "sceneforge.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
}

func TestCategoriesCreateLogFiles(t *testing.T) {
	ws := t.TempDir()
	writeConfig(t, ws, `
logging:
  debug_mode: true
  level: debug
`)

	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	Session("session test message")
	Sandbox("sandbox test message")
	Repair("repair test message")
	Knowledge("knowledge test message")

	date := time.Now().Format("2006-01-02")
	for _, cat := range []Category{CategorySession, CategorySandbox, CategoryRepair, CategoryKnowledge} {
		path := filepath.Join(ws, ".sceneforge", "logs", date+"_"+string(cat)+".log")
		data, err := os.ReadFile(path)
		if err != nil {
			t.Errorf("category %s: log file missing: %v", cat, err)
			continue
		}
		if !strings.Contains(string(data), string(cat)+" test message") {
			t.Errorf("category %s: message not written", cat)
		}
	}
}

func TestDisabledCategoryIsNoop(t *testing.T) {
	ws := t.TempDir()
	writeConfig(t, ws, `
logging:
  debug_mode: true
  level: debug
  categories:
    sandbox: false
`)

	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	if IsCategoryEnabled(CategorySandbox) {
		t.Error("sandbox category should be disabled")
	}
	if !IsCategoryEnabled(CategoryRepair) {
		t.Error("repair category should default to enabled")
	}

	Sandbox("should not be written")

	date := time.Now().Format("2006-01-02")
	path := filepath.Join(ws, ".sceneforge", "logs", date+"_sandbox.log")
	if _, err := os.Stat(path); err == nil {
		t.Error("disabled category created a log file")
	}
}

func TestMissingConfigDisablesDebug(t *testing.T) {
	ws := t.TempDir()

	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	if IsDebugMode() {
		t.Error("debug mode should be off without a config file")
	}

	// Logging must stay silent and must not create the logs dir.
	Repair("silent message")
	if _, err := os.Stat(filepath.Join(ws, ".sceneforge", "logs")); err == nil {
		t.Error("logs directory created in production mode")
	}
}

func TestTimerLogsDuration(t *testing.T) {
	ws := t.TempDir()
	writeConfig(t, ws, `
logging:
  debug_mode: true
  level: debug
`)

	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	timer := StartTimer(CategorySandbox, "render attempt")
	time.Sleep(5 * time.Millisecond)
	elapsed := timer.Stop()
	if elapsed < 5*time.Millisecond {
		t.Errorf("elapsed %v too small", elapsed)
	}

	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(ws, ".sceneforge", "logs", date+"_sandbox.log"))
	if err != nil {
		t.Fatalf("sandbox log missing: %v", err)
	}
	if !strings.Contains(string(data), "render attempt completed") {
		t.Error("timer completion not logged")
	}
}
