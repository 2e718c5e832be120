package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsWhenUnset(t *testing.T) {
	if got := String("RESULTS_TEST_UNSET_STRING", "def"); got != "def" {
		t.Fatalf("String()=%q, want def", got)
	}
	d, err := Duration("RESULTS_TEST_UNSET_DURATION", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("Duration()=%v err=%v", d, err)
	}
	f, err := Float("RESULTS_TEST_UNSET_FLOAT", 1.5)
	if err != nil || f != 1.5 {
		t.Fatalf("Float()=%v err=%v", f, err)
	}
}

func TestParsesSetValues(t *testing.T) {
	t.Setenv("RESULTS_TEST_BOOL", "true")
	t.Setenv("RESULTS_TEST_INT64", "67108864")
	t.Setenv("RESULTS_TEST_FLOAT", "0.25")

	b, err := Bool("RESULTS_TEST_BOOL", false)
	if err != nil || !b {
		t.Fatalf("Bool()=%v err=%v", b, err)
	}
	i, err := Int64("RESULTS_TEST_INT64", 0)
	if err != nil || i != 64<<20 {
		t.Fatalf("Int64()=%v err=%v", i, err)
	}
	f, err := Float("RESULTS_TEST_FLOAT", 0)
	if err != nil || f != 0.25 {
		t.Fatalf("Float()=%v err=%v", f, err)
	}
}

func TestInvalidValuesReturnErrors(t *testing.T) {
	t.Setenv("RESULTS_TEST_BAD_DURATION", "soon")
	if _, err := Duration("RESULTS_TEST_BAD_DURATION", 0); err == nil {
		t.Fatalf("expected duration parse error")
	}
	t.Setenv("RESULTS_TEST_BAD_FLOAT", "many")
	if _, err := Float("RESULTS_TEST_BAD_FLOAT", 0); err == nil {
		t.Fatalf("expected float parse error")
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("RESULTS_TEST_DOTENV_A=from-file\nRESULTS_TEST_DOTENV_B=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("RESULTS_TEST_DOTENV_A", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("RESULTS_TEST_DOTENV_B") })

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv() err=%v", err)
	}
	if got := os.Getenv("RESULTS_TEST_DOTENV_A"); got != "from-env" {
		t.Fatalf("A=%q, want from-env", got)
	}
	if got := os.Getenv("RESULTS_TEST_DOTENV_B"); got != "from-file" {
		t.Fatalf("B=%q, want from-file", got)
	}
}
