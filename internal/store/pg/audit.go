package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"lendpath.io/internal/apperr"
	"lendpath.io/internal/audit"
)

// auditStore only ever inserts; the schema rejects updates and deletes.
type auditStore struct{ q queryer }

func (s auditStore) Append(ctx context.Context, e *audit.Entry) error {
	var details []byte
	if len(e.Details) > 0 {
		var err error
		if details, err = jsonArg(e.Details); err != nil {
			return err
		}
	}
	_, err := s.q.ExecContext(ctx, `
		insert into audit_logs (id, event_type, action, user_id, organization_id, resource, resource_id,
			details, outcome, risk_level, ip_address, user_agent, correlation_id, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, string(e.EventType), e.Action, nullIfEmpty(e.UserID), nullIfEmpty(e.OrganizationID),
		nullIfEmpty(e.Resource), nullIfEmpty(e.ResourceID), details, string(e.Outcome), string(e.RiskLevel),
		nullIfEmpty(e.IPAddress), nullIfEmpty(e.UserAgent), nullIfEmpty(e.CorrelationID), e.Timestamp)
	return apperr.FromDB(err)
}

// auditQuery builds the filtered, paged select for f.
func auditQuery(f audit.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.OrganizationID != "" {
		add("organization_id = $%d", f.OrganizationID)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.EventType != "" {
		add("event_type = $%d", string(f.EventType))
	}
	if f.Resource != "" {
		add("resource = $%d", f.Resource)
	}
	if f.Outcome != "" {
		add("outcome = $%d", string(f.Outcome))
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at <= $%d", f.Until)
	}
	query := `select id, event_type, action, user_id, organization_id, resource, resource_id, details,
		outcome, risk_level, ip_address, user_agent, correlation_id, created_at from audit_logs`
	if len(conds) > 0 {
		query += " where " + strings.Join(conds, " and ")
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" order by created_at desc, id desc limit $%d offset $%d", len(args)-1, len(args))
	return query, args
}

func (s auditStore) List(ctx context.Context, f audit.Filter) ([]*audit.Entry, error) {
	query, args := auditQuery(f.Normalize())
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.FromDB(err)
	}
	defer rows.Close()
	out := []*audit.Entry{}
	for rows.Next() {
		var (
			e                                   audit.Entry
			user, org, res, resID, ip, ua, corr sql.NullString
			details                             []byte
		)
		err := rows.Scan(&e.ID, &e.EventType, &e.Action, &user, &org, &res, &resID, &details,
			&e.Outcome, &e.RiskLevel, &ip, &ua, &corr, &e.Timestamp)
		if err != nil {
			return nil, apperr.FromDB(err)
		}
		e.UserID, e.OrganizationID = user.String, org.String
		e.Resource, e.ResourceID = res.String, resID.String
		e.IPAddress, e.UserAgent, e.CorrelationID = ip.String, ua.String, corr.String
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, apperr.FromDB(rows.Err())
}
