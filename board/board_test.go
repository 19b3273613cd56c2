package board

import (
	"context"
	"errors"
	"testing"

	"errandflow/errand"
)

type fakeLists struct {
	byID        map[string]errand.Request
	open        []errand.Request
	byRequester map[string][]errand.Request
}

func (f *fakeLists) Get(ctx context.Context, id string) (errand.Request, error) {
	req, ok := f.byID[id]
	if !ok {
		return errand.Request{}, errand.ErrNotFound
	}
	return req, nil
}

func (f *fakeLists) ListOpen(ctx context.Context) ([]errand.Request, error) {
	return f.open, nil
}

func (f *fakeLists) ListByRequester(ctx context.Context, requesterID string) ([]errand.Request, error) {
	return f.byRequester[requesterID], nil
}

type fakePeeker struct {
	held map[string]string
}

func (f *fakePeeker) Peek(ctx context.Context, runnerID string) (*string, error) {
	id, ok := f.held[runnerID]
	if !ok {
		return nil, nil
	}
	return &id, nil
}

func openReq(id string) errand.Request {
	return errand.Request{ID: id, RequesterID: "student-1", Status: errand.StatusRequested}
}

func TestOpenJobs_FreeRunnerSeesActionableBoard(t *testing.T) {
	store := &fakeLists{open: []errand.Request{openReq("r1"), openReq("r2")}}
	svc := NewService(store, &fakePeeker{})

	jobs, err := svc.OpenJobs(context.Background(), errand.Actor{ID: "runner-1", Role: errand.RoleRunner})
	if err != nil {
		t.Fatalf("open jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	for _, job := range jobs {
		if !job.Actionable {
			t.Fatalf("free runner should be able to act on %s", job.Request.ID)
		}
	}
}

func TestOpenJobs_BlockedRunnerStillSeesEverything(t *testing.T) {
	store := &fakeLists{open: []errand.Request{openReq("r1"), openReq("r2"), openReq("r3")}}
	locks := &fakePeeker{held: map[string]string{"runner-1": "r9"}}
	svc := NewService(store, locks)

	jobs, err := svc.OpenJobs(context.Background(), errand.Actor{ID: "runner-1", Role: errand.RoleRunner})
	if err != nil {
		t.Fatalf("open jobs: %v", err)
	}
	// The board never hides entries from a busy runner; it only disables them.
	if len(jobs) != 3 {
		t.Fatalf("expected all 3 jobs visible, got %d", len(jobs))
	}
	for _, job := range jobs {
		if job.Actionable {
			t.Fatalf("busy runner must not be able to act on %s", job.Request.ID)
		}
	}
}

func TestOpenJobs_RejectsStudents(t *testing.T) {
	svc := NewService(&fakeLists{}, &fakePeeker{})
	if _, err := svc.OpenJobs(context.Background(), errand.Actor{ID: "student-1", Role: errand.RoleStudent}); !errors.Is(err, errand.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestActiveJob(t *testing.T) {
	runnerID := "runner-1"
	active := errand.Request{ID: "r5", RequesterID: "student-1", RunnerID: &runnerID, Status: errand.StatusPurchasing}
	store := &fakeLists{byID: map[string]errand.Request{"r5": active}}

	svc := NewService(store, &fakePeeker{held: map[string]string{"runner-1": "r5"}})
	got, err := svc.ActiveJob(context.Background(), errand.Actor{ID: "runner-1", Role: errand.RoleRunner})
	if err != nil {
		t.Fatalf("active job: %v", err)
	}
	if got == nil || got.ID != "r5" {
		t.Fatalf("expected r5, got %v", got)
	}

	svc = NewService(store, &fakePeeker{})
	got, err = svc.ActiveJob(context.Background(), errand.Actor{ID: "runner-2", Role: errand.RoleRunner})
	if err != nil {
		t.Fatalf("active job: %v", err)
	}
	if got != nil {
		t.Fatalf("idle runner has no active job, got %v", got)
	}
}

func TestMyRequests_AnnotatesNextActions(t *testing.T) {
	store := &fakeLists{byRequester: map[string][]errand.Request{
		"student-1": {
			{ID: "r1", RequesterID: "student-1", Status: errand.StatusRequested},
			{ID: "r2", RequesterID: "student-1", Status: errand.StatusDelivered},
			{ID: "r3", RequesterID: "student-1", Status: errand.StatusConfirmed},
		},
	}}
	svc := NewService(store, &fakePeeker{})

	views, err := svc.MyRequests(context.Background(), errand.Actor{ID: "student-1", Role: errand.RoleStudent})
	if err != nil {
		t.Fatalf("my requests: %v", err)
	}
	if len(views) != 3 {
		t.Fatalf("expected 3 views, got %d", len(views))
	}

	expect := map[string][]errand.Event{
		"r1": {errand.EventCancel},
		"r2": {errand.EventConfirm, errand.EventDispute},
		"r3": nil,
	}
	for _, view := range views {
		want := expect[view.Request.ID]
		if len(view.NextActions) != len(want) {
			t.Fatalf("%s: expected actions %v, got %v", view.Request.ID, want, view.NextActions)
		}
		for i, ev := range want {
			if view.NextActions[i] != ev {
				t.Fatalf("%s: expected actions %v, got %v", view.Request.ID, want, view.NextActions)
			}
		}
	}

	if _, err := svc.MyRequests(context.Background(), errand.Actor{ID: "runner-1", Role: errand.RoleRunner}); !errors.Is(err, errand.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for runner viewer, got %v", err)
	}
}
