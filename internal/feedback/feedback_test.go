package feedback

import (
	"context"
	"testing"
	"time"

	"smelter/internal/config"
	"smelter/internal/logging"
	"smelter/internal/services/gemini"
	"smelter/internal/services/github"
)

// fakePull scripts a pull request timeline: each poll consumes one state.
type fakePull struct {
	states   []github.Pull
	comments [][]github.Comment
	poll     int

	pushed map[string]string
	acks   int
}

func (f *fakePull) GetPull(context.Context, int) (github.Pull, error) {
	state := f.states[min(f.poll, len(f.states)-1)]
	return state, nil
}

func (f *fakePull) ListFeedback(context.Context, int) ([]github.Comment, error) {
	idx := min(f.poll, len(f.comments)-1)
	comments := f.comments[idx]
	f.poll++
	return comments, nil
}

func (f *fakePull) PullFiles(context.Context, int) ([]string, error) {
	return []string{"src/A.java"}, nil
}

func (f *fakePull) FileContent(context.Context, string, string) ([]byte, error) {
	return []byte("class A { int x; }"), nil
}

func (f *fakePull) PutFile(_ context.Context, _, path, _ string, content []byte) error {
	if f.pushed == nil {
		f.pushed = map[string]string{}
	}
	f.pushed[path] = string(content)
	return nil
}

func (f *fakePull) AddComment(context.Context, int, string) error {
	f.acks++
	return nil
}

type fakeReviser struct {
	calls int
}

func (r *fakeReviser) ReviseCode(_ context.Context, req gemini.ReviseRequest) (string, error) {
	r.calls++
	return "=== REFACTORED CODE ===\nclass A { int renamed; }\n=== END ===", nil
}

func newTestMonitor(repo Repository, reviser Reviser) *Monitor {
	m := New(repo, reviser, config.Feedback{MaxIterations: 3, CheckIntervalSeconds: 1}, logging.NewNop())
	m.sleep = func(context.Context, time.Duration) error { return nil }
	return m
}

func TestWatchStopsWhenMerged(t *testing.T) {
	repo := &fakePull{
		states:   []github.Pull{{State: "open"}, {State: "closed", Merged: true}},
		comments: [][]github.Comment{nil},
	}
	reviser := &fakeReviser{}

	if err := newTestMonitor(repo, reviser).Watch(context.Background(), 1, "bot/x"); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if reviser.calls != 0 {
		t.Fatal("no feedback means no revisions")
	}
}

func TestWatchRevisesOnFeedback(t *testing.T) {
	repo := &fakePull{
		states: []github.Pull{{State: "open"}, {State: "open"}, {State: "closed", Merged: true}},
		comments: [][]github.Comment{
			{{ID: 10, Body: "rename x to something meaningful", Path: "src/A.java"}},
			nil,
		},
	}
	reviser := &fakeReviser{}

	if err := newTestMonitor(repo, reviser).Watch(context.Background(), 1, "bot/x"); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if reviser.calls != 1 {
		t.Fatalf("revisions = %d, want 1", reviser.calls)
	}
	if repo.pushed["src/A.java"] == "" {
		t.Fatal("revision not pushed")
	}
	if repo.acks != 1 {
		t.Fatalf("acknowledgement comments = %d, want 1", repo.acks)
	}
}

func TestWatchDoesNotReprocessSeenComments(t *testing.T) {
	repo := &fakePull{
		states: []github.Pull{{State: "open"}, {State: "open"}, {State: "closed"}},
		comments: [][]github.Comment{
			{{ID: 10, Body: "fix this", Path: "src/A.java"}},
			{{ID: 10, Body: "fix this", Path: "src/A.java"}},
		},
	}
	reviser := &fakeReviser{}

	if err := newTestMonitor(repo, reviser).Watch(context.Background(), 1, "bot/x"); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if reviser.calls != 1 {
		t.Fatalf("revisions = %d, want 1 (comment seen twice)", reviser.calls)
	}
}

func TestWatchHonorsRevisionBudget(t *testing.T) {
	comments := make([][]github.Comment, 6)
	states := make([]github.Pull, 6)
	for i := range comments {
		comments[i] = []github.Comment{{ID: int64(i + 1), Body: "more feedback", Path: "src/A.java"}}
		states[i] = github.Pull{State: "open"}
	}
	repo := &fakePull{states: states, comments: comments}
	reviser := &fakeReviser{}

	monitor := New(repo, reviser, config.Feedback{MaxIterations: 2, CheckIntervalSeconds: 1}, logging.NewNop())
	monitor.sleep = func(context.Context, time.Duration) error { return nil }

	if err := monitor.Watch(context.Background(), 1, "bot/x"); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if reviser.calls != 2 {
		t.Fatalf("revisions = %d, want budget of 2", reviser.calls)
	}
}

func TestWatchGivesUpOnIdlePull(t *testing.T) {
	repo := &fakePull{
		states:   []github.Pull{{State: "open"}},
		comments: [][]github.Comment{nil},
	}
	reviser := &fakeReviser{}

	if err := newTestMonitor(repo, reviser).Watch(context.Background(), 1, "bot/x"); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if repo.poll != 3 {
		t.Fatalf("polls = %d, want 3 (loop must stop at the iteration budget)", repo.poll)
	}
	if reviser.calls != 0 {
		t.Fatalf("revisions = %d, want 0", reviser.calls)
	}
}

func TestWatchGeneralCommentsApplyToPullFiles(t *testing.T) {
	repo := &fakePull{
		states: []github.Pull{{State: "open"}, {State: "closed"}},
		comments: [][]github.Comment{
			{{ID: 5, Body: "please add javadoc"}},
		},
	}
	reviser := &fakeReviser{}

	if err := newTestMonitor(repo, reviser).Watch(context.Background(), 1, "bot/x"); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if reviser.calls != 1 {
		t.Fatalf("revisions = %d, want 1", reviser.calls)
	}
}
