package lending

import (
	"context"
	"strings"
	"time"

	"lendpath.io/internal/apperr"
	"lendpath.io/internal/audit"
	"lendpath.io/internal/auth"
	"lendpath.io/internal/ids"
	"lendpath.io/internal/trace"
)

// TaskInput creates a task on an application.
type TaskInput struct {
	Title       string
	Description string
	AssignedTo  string
	DueAt       *time.Time
}

// TaskPatch is a partial task update.
type TaskPatch struct {
	Title       *string
	Description *string
	AssignedTo  *string
	Status      *TaskStatus
	DueAt       *time.Time
}

// ListTasks lists the tasks of an application visible to p.
func (s *Service) ListTasks(ctx context.Context, p auth.Principal, applicationID string) ([]*Task, error) {
	if _, err := s.findApplication(ctx, p, applicationID); err != nil {
		return nil, err
	}
	return s.store.Tasks(ctx).ListByApplication(ctx, p.OrgID(), applicationID)
}

// CreateTask adds a task to an application.
func (s *Service) CreateTask(ctx context.Context, p auth.Principal, applicationID string, in TaskInput) (*Task, error) {
	if _, err := s.findApplication(ctx, p, applicationID); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, apperr.Validation("Task title is required").WithField("title", "is required")
	}
	now := s.now().UTC()
	t := &Task{
		ID:             ids.New(),
		OrganizationID: p.OrgID(),
		ApplicationID:  applicationID,
		Title:          title,
		Description:    strings.TrimSpace(in.Description),
		AssignedTo:     strings.TrimSpace(in.AssignedTo),
		CreatedBy:      p.UserID(),
		Status:         TaskPending,
		DueAt:          in.DueAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := traced(ctx, "db.tasks.create", func() error { return s.store.Tasks(ctx).Create(ctx, t) }); err != nil {
		return nil, err
	}
	s.record(ctx, audit.EventDataModification, audit.ActionCreate, "task", t.ID, map[string]any{"application_id": applicationID})
	return t, nil
}

// UpdateTask applies a partial update. Completed and cancelled tasks are
// read-only.
func (s *Service) UpdateTask(ctx context.Context, p auth.Principal, id string, patch TaskPatch) (*Task, error) {
	span := trace.StartSpan(ctx, "db.tasks.find")
	t, err := s.store.Tasks(ctx).Find(ctx, p.OrgID(), id)
	span(err)
	if err != nil {
		return nil, err
	}
	if _, err := s.findApplication(ctx, p, t.ApplicationID); err != nil {
		return nil, notFound("Task")
	}
	if t.Status.Terminal() {
		return nil, apperr.Validation("Task is already " + string(t.Status))
	}
	if v := trimPtr(patch.Title); v != nil {
		if *v == "" {
			return nil, apperr.Validation("Task title is required").WithField("title", "is required")
		}
		t.Title = *v
	}
	if v := trimPtr(patch.Description); v != nil {
		t.Description = *v
	}
	if v := trimPtr(patch.AssignedTo); v != nil {
		t.AssignedTo = *v
	}
	if patch.DueAt != nil {
		t.DueAt = patch.DueAt
	}
	now := s.now().UTC()
	if patch.Status != nil {
		if !patch.Status.Valid() {
			return nil, apperr.Validation("Unknown task status").WithField("status", "is not a known task status")
		}
		t.Status = *patch.Status
		if t.Status == TaskCompleted {
			t.CompletedAt = timePtr(now)
		}
	}
	t.UpdatedAt = now
	if err := traced(ctx, "db.tasks.update", func() error { return s.store.Tasks(ctx).Update(ctx, t) }); err != nil {
		return nil, err
	}
	s.record(ctx, audit.EventDataModification, audit.ActionUpdate, "task", t.ID, map[string]any{"status": string(t.Status)})
	return t, nil
}
