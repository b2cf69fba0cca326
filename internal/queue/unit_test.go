package queue

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestPersistedUnit(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	mustEnqueue(t, q, "t1", NewTask{WorkType: WorkPRMaintenance, Priority: PriorityCritical, Metadata: Metadata{"pr_number": 7}})
	claimed := mustDequeue(t, q, Global())

	u := NewPersisted(q, *claimed)
	if err := u.MarkInProgress(ctx); err != nil {
		t.Fatalf("MarkInProgress() on claimed task: %v", err)
	}
	if n, _ := u.Metadata().Int("pr_number"); n != 7 || u.WorkType() != WorkPRMaintenance {
		t.Errorf("unit view = %v %v", u.WorkType(), u.Metadata())
	}
	if err := u.MarkCompleted(ctx); err != nil {
		t.Fatalf("MarkCompleted() error: %v", err)
	}
	if u.State() != StateCompleted {
		t.Errorf("State() = %s, want completed", u.State())
	}
	if err := u.MarkFailed(ctx, "late"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkFailed after completion error = %v", err)
	}
	stored, _ := q.Get(ctx, "t1", u.ID())
	if stored.State != StateCompleted {
		t.Errorf("stored state = %s", stored.State)
	}
}

func TestPersistedUnitRequiresClaim(t *testing.T) {
	q := NewMemory()
	task := mustEnqueue(t, q, "t1", NewTask{WorkType: WorkNewWork, Priority: PriorityLow})
	if err := NewPersisted(q, task).MarkInProgress(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkInProgress() on unclaimed task error = %v", err)
	}
}

func TestEphemeralUnit(t *testing.T) {
	ctx := context.Background()

	if _, err := NewEphemeral("t1", "bogus", nil); !errors.Is(err, ErrUnknownWorkType) {
		t.Fatalf("NewEphemeral(bogus) error = %v", err)
	}

	u, err := NewEphemeral("t1", WorkNewWork, Metadata{"issue_number": 5})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(u.ID(), "local-") {
		t.Errorf("ID() = %q", u.ID())
	}

	tests := []struct {
		name    string
		step    func() error
		want    State
		wantErr bool
	}{
		{"complete before start", func() error { return u.MarkCompleted(ctx) }, StateQueued, true},
		{"requeue before start", func() error { return u.Requeue(nil) }, StateQueued, true},
		{"start", func() error { return u.MarkInProgress(ctx) }, StateInProgress, false},
		{"start twice", func() error { return u.MarkInProgress(ctx) }, StateInProgress, true},
		{"requeue", func() error { return u.Requeue(Metadata{"worktree_path": "/wt"}) }, StateRetrying, false},
		{"restart", func() error { return u.MarkInProgress(ctx) }, StateInProgress, false},
		{"fail", func() error { return u.MarkFailed(ctx, "gave up") }, StateFailed, false},
		{"fail twice", func() error { return u.MarkFailed(ctx, "again") }, StateFailed, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.step()
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("error = %v, want ErrInvalidTransition", err)
			}
			if u.State() != tt.want {
				t.Errorf("State() = %s, want %s", u.State(), tt.want)
			}
		})
	}

	if u.RetryCount() != 1 {
		t.Errorf("RetryCount() = %d, want 1", u.RetryCount())
	}
	if u.Metadata().String("worktree_path") != "/wt" {
		t.Errorf("resume metadata not merged: %v", u.Metadata())
	}
	if u.Reason() != "gave up" {
		t.Errorf("Reason() = %q", u.Reason())
	}
}

func TestMetadataAccessors(t *testing.T) {
	m := Metadata{
		"int":    3,
		"float":  float64(42),
		"str":    "17",
		"bad":    "x",
		"labels": []any{"bug", 1, "help wanted"},
		"nested": map[string]any{"a": []any{"b"}},
	}
	for key, want := range map[string]int{"int": 3, "float": 42, "str": 17} {
		if got, ok := m.Int(key); !ok || got != want {
			t.Errorf("Int(%q) = %d,%v want %d", key, got, ok, want)
		}
	}
	if _, ok := m.Int("bad"); ok {
		t.Error("Int(bad) should fail")
	}
	if _, ok := m.Int("missing"); ok {
		t.Error("Int(missing) should fail")
	}
	if got := m.Strings("labels"); len(got) != 2 || got[1] != "help wanted" {
		t.Errorf("Strings(labels) = %v", got)
	}
	if m.String("float") != "42" || m.String("missing") != "" {
		t.Errorf("String() = %q / %q", m.String("float"), m.String("missing"))
	}

	c := m.Clone()
	c["nested"].(map[string]any)["a"].([]any)[0] = "z"
	if m["nested"].(map[string]any)["a"].([]any)[0] != "b" {
		t.Error("Clone() is shallow")
	}

	merged := m.Merge(Metadata{"int": 4, "new": true})
	if n, _ := merged.Int("int"); n != 4 || merged["new"] != true {
		t.Errorf("Merge() = %v", merged)
	}
	if n, _ := m.Int("int"); n != 3 {
		t.Error("Merge() mutated receiver")
	}

	var nilMeta Metadata
	if nilMeta.Clone() == nil {
		t.Error("Clone() of nil should be empty, not nil")
	}
}
