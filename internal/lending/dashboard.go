package lending

import (
	"context"

	"golang.org/x/sync/errgroup"

	"lendpath.io/internal/auth"
	"lendpath.io/internal/trace"
)

// Summary builds the dashboard for p. Brokers get counts over their own
// pipeline; underwriters and admins get the organization's.
func (s *Service) Summary(ctx context.Context, p auth.Principal) (*Summary, error) {
	orgID := p.OrgID()
	brokerID := ""
	scope := "organization"
	if !p.SeesWholeOrg() {
		brokerID = p.UserID()
		scope = "own"
	}

	out := &Summary{Scope: scope}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		span := trace.StartSpan(gctx, "db.leads.count_by_status")
		counts, err := s.store.Leads(gctx).CountByStatus(gctx, orgID, brokerID)
		span(err)
		out.LeadsByStatus = counts
		return err
	})
	g.Go(func() error {
		span := trace.StartSpan(gctx, "db.applications.count_by_status")
		counts, err := s.store.Applications(gctx).CountByStatus(gctx, orgID, brokerID)
		span(err)
		out.ApplicationsByStatus = counts
		return err
	})
	g.Go(func() error {
		span := trace.StartSpan(gctx, "db.tasks.count_open")
		n, err := s.store.Tasks(gctx).CountOpen(gctx, orgID, p.UserID())
		span(err)
		out.OpenTasks = n
		return err
	})
	g.Go(func() error {
		span := trace.StartSpan(gctx, "db.applications.sum_amount")
		sum, err := s.store.Applications(gctx).SumAmount(gctx, orgID, brokerID, []ApplicationStatus{StatusApproved, StatusFunded})
		span(err)
		out.ApprovedVolumeCents = sum
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, n := range out.LeadsByStatus {
		out.TotalLeads += n
	}
	for st, n := range out.ApplicationsByStatus {
		out.TotalApplications += n
		if st == StatusSubmitted {
			out.AwaitingReview += n
		}
	}
	return out, nil
}
