package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/neuroprep/neuroprep/internal/runner"
)

func TestSeenSet(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.nii")
	b := filepath.Join(dir, "b.nii")
	for _, p := range []string{a, b} {
		if err := os.WriteFile(p, []byte("scan"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	s := newSeenSet()
	if got := s.filter([]string{a, b}); len(got) != 2 {
		t.Fatalf("first pass = %v, want both inputs", got)
	}
	s.commit([]runner.Result{{Input: a}, {Input: b}})
	if got := s.filter([]string{a, b}); len(got) != 0 {
		t.Fatalf("second pass = %v, want nothing", got)
	}

	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(b, later, later); err != nil {
		t.Fatal(err)
	}
	if got := s.filter([]string{a, b}); len(got) != 1 || got[0] != b {
		t.Errorf("after touching b = %v, want [b]", got)
	}

	missing := filepath.Join(dir, "gone.nii")
	if got := s.filter([]string{missing}); len(got) != 1 {
		t.Errorf("missing input = %v, want it passed through", got)
	}
}

func TestSeenSet_FailedInputIsRetried(t *testing.T) {
	dir := t.TempDir()
	ok := filepath.Join(dir, "ok.nii")
	bad := filepath.Join(dir, "bad.nii")
	for _, p := range []string{ok, bad} {
		if err := os.WriteFile(p, []byte("scan"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	s := newSeenSet()
	s.filter([]string{ok, bad})
	s.commit([]runner.Result{
		{Input: ok},
		{Input: bad, Err: errors.New("corrupt header")},
	})

	got := s.filter([]string{ok, bad})
	if len(got) != 1 || got[0] != bad {
		t.Fatalf("next trigger = %v, want only the failed input", got)
	}
}

func TestSeenSet_UncommittedInputIsOfferedAgain(t *testing.T) {
	in := filepath.Join(t.TempDir(), "a.nii")
	if err := os.WriteFile(in, []byte("scan"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := newSeenSet()
	s.filter([]string{in})
	if got := s.filter([]string{in}); len(got) != 1 {
		t.Errorf("before commit = %v, want the input again", got)
	}
}

func newBatchFlagsCmd(t *testing.T) *cobra.Command {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "neuroprep.yaml")
	if err := os.WriteFile(cfgPath, []byte("batch:\n  concurrency: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := cfgFile
	cfgFile = cfgPath
	t.Cleanup(func() { cfgFile = old })

	cmd := &cobra.Command{Use: "batch"}
	cmd.Flags().StringP("pattern", "p", "", "")
	cmd.Flags().IntP("concurrency", "j", 1, "")
	registerStageFlags(cmd)
	return cmd
}

func TestLoadConfig_BatchFlagsAreValidated(t *testing.T) {
	cmd := newBatchFlagsCmd(t)
	if err := cmd.Flags().Set("concurrency", "1000"); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(cmd); err == nil {
		t.Fatal("loadConfig accepted -j 1000")
	}
}

func TestLoadConfig_AppliesBatchFlags(t *testing.T) {
	cmd := newBatchFlagsCmd(t)
	if err := cmd.Flags().Set("concurrency", "4"); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Flags().Set("pattern", "*.mgz"); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Batch.Concurrency != 4 || cfg.Batch.Pattern != "*.mgz" {
		t.Errorf("batch = %+v, want concurrency 4 and pattern *.mgz", cfg.Batch)
	}
}

func TestProgressModel(t *testing.T) {
	cancelled := false
	m := newProgressModel(2, func() { cancelled = true })

	next, _ := m.Update(runStartMsg{input: "/in/a.nii"})
	next, _ = next.Update(runDoneMsg{res: runner.Result{Input: "/in/a.nii"}})
	next, _ = next.Update(runDoneMsg{res: runner.Result{Input: "/in/b.nii", Err: errors.New("boom")}})

	view := next.View()
	if !strings.Contains(view, "Processing 2/2") {
		t.Errorf("view = %q, want progress count", view)
	}
	if !strings.Contains(view, "1 failed") {
		t.Errorf("view = %q, want failure count", view)
	}
	if got := next.(progressModel).running; len(got) != 0 {
		t.Errorf("running = %v, want empty", got)
	}

	next.(progressModel).cancel()
	if !cancelled {
		t.Error("cancel func not kept")
	}
}

func TestRemove(t *testing.T) {
	got := remove([]string{"a", "b", "c"}, "b")
	if strings.Join(got, ",") != "a,c" {
		t.Errorf("remove = %v", got)
	}
	if got := remove([]string{"a"}, "z"); len(got) != 1 {
		t.Errorf("remove missing = %v", got)
	}
}
