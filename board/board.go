// Package board produces the read-only marketplace views. It never mutates;
// it reads request snapshots and the exclusivity tracker and annotates them
// with what the viewer may legally do next.
package board

import (
	"context"

	"errandflow/errand"
)

// Lists is the request store surface the board reads from.
type Lists interface {
	Get(ctx context.Context, id string) (errand.Request, error)
	ListOpen(ctx context.Context) ([]errand.Request, error)
	ListByRequester(ctx context.Context, requesterID string) ([]errand.Request, error)
}

// Peeker exposes the non-mutating exclusivity lookup.
type Peeker interface {
	Peek(ctx context.Context, runnerID string) (*string, error)
}

// OpenJob is one job-board entry as seen by a specific runner. A blocked
// viewer still sees every open request; the UI renders them disabled rather
// than hiding them.
type OpenJob struct {
	Request    errand.Request
	Actionable bool
}

// RequestView is one of a student's own requests annotated with the legal
// next actions for its current state.
type RequestView struct {
	Request     errand.Request
	NextActions []errand.Event
}

type Service struct {
	store Lists
	locks Peeker
}

func NewService(store Lists, locks Peeker) *Service {
	return &Service{store: store, locks: locks}
}

// OpenJobs returns every request still waiting for a runner, annotated with
// whether the viewing runner is free to apply.
func (s *Service) OpenJobs(ctx context.Context, viewer errand.Actor) ([]OpenJob, error) {
	if viewer.Role != errand.RoleRunner {
		return nil, errand.ErrForbidden
	}

	held, err := s.locks.Peek(ctx, viewer.ID)
	if err != nil {
		return nil, err
	}

	open, err := s.store.ListOpen(ctx)
	if err != nil {
		return nil, err
	}

	jobs := make([]OpenJob, 0, len(open))
	for _, req := range open {
		jobs = append(jobs, OpenJob{
			Request:    req,
			Actionable: held == nil,
		})
	}
	return jobs, nil
}

// ActiveJob returns the request the viewing runner currently holds, or nil.
func (s *Service) ActiveJob(ctx context.Context, viewer errand.Actor) (*errand.Request, error) {
	if viewer.Role != errand.RoleRunner {
		return nil, errand.ErrForbidden
	}

	held, err := s.locks.Peek(ctx, viewer.ID)
	if err != nil || held == nil {
		return nil, err
	}

	req, err := s.store.Get(ctx, *held)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// MyRequests returns the viewing student's own requests, newest first, each
// annotated with the actions available to the student in its current state.
func (s *Service) MyRequests(ctx context.Context, viewer errand.Actor) ([]RequestView, error) {
	if viewer.Role != errand.RoleStudent {
		return nil, errand.ErrForbidden
	}

	own, err := s.store.ListByRequester(ctx, viewer.ID)
	if err != nil {
		return nil, err
	}

	views := make([]RequestView, 0, len(own))
	for _, req := range own {
		views = append(views, RequestView{
			Request:     req,
			NextActions: errand.NextEvents(req.Status, errand.RoleStudent),
		})
	}
	return views, nil
}
