package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS security_audit_events (
	id VARCHAR(26) PRIMARY KEY,
	event_type VARCHAR(64) NOT NULL,
	principal VARCHAR(255),
	details TEXT,
	severity VARCHAR(16) NOT NULL,
	client_address VARCHAR(64),
	user_agent TEXT,
	correlation_id VARCHAR(64),
	metadata JSONB,
	occurred_at TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_security_audit_events_occurred_at ON security_audit_events(occurred_at DESC);
CREATE INDEX IF NOT EXISTS idx_security_audit_events_severity ON security_audit_events(severity, occurred_at DESC);
CREATE INDEX IF NOT EXISTS idx_security_audit_events_type ON security_audit_events(event_type, occurred_at);
CREATE INDEX IF NOT EXISTS idx_security_audit_events_client ON security_audit_events(client_address, occurred_at);
CREATE INDEX IF NOT EXISTS idx_security_audit_events_principal ON security_audit_events(principal);
`

const selectColumns = `id, event_type, principal, details, severity, client_address, user_agent, correlation_id, metadata, occurred_at`

// SQLStore persists events to PostgreSQL.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates the table and indexes if needed.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		return nil, fmt.Errorf("failed to ensure security_audit_events table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Append(ctx context.Context, event Event) error {
	var metadata []byte
	if len(event.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_audit_events (
			id, event_type, principal, details, severity,
			client_address, user_agent, correlation_id, metadata, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, string(event.Type), event.Principal, event.Details, string(event.Severity),
		event.ClientAddress, event.UserAgent, event.CorrelationID, metadata, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func (s *SQLStore) RecentBySeverity(ctx context.Context, severity Severity, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM security_audit_events WHERE severity = $1 ORDER BY occurred_at DESC LIMIT $2`,
		string(severity), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	return scanEvents(rows)
}

func (s *SQLStore) FailureCountsSince(ctx context.Context, eventType EventType, since time.Time, minCount int) ([]PrincipalCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT principal, COUNT(*) FROM security_audit_events
		WHERE event_type = $1 AND occurred_at >= $2
		GROUP BY principal
		HAVING COUNT(*) >= $3
		ORDER BY COUNT(*) DESC, principal`,
		string(eventType), since, minCount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit events: %w", err)
	}
	defer rows.Close()

	var out []PrincipalCount
	for rows.Next() {
		var (
			principal sql.NullString
			count     int
		)
		if err := rows.Scan(&principal, &count); err != nil {
			return nil, fmt.Errorf("failed to scan audit count: %w", err)
		}
		out = append(out, PrincipalCount{Principal: principal.String, Count: count})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit counts: %w", err)
	}
	return out, nil
}

func (s *SQLStore) BySourceSince(ctx context.Context, clientAddress string, since time.Time) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM security_audit_events WHERE client_address = $1 AND occurred_at >= $2 ORDER BY occurred_at DESC`,
		clientAddress, since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	return scanEvents(rows)
}

func (s *SQLStore) DeleteByPrincipalAndTypes(ctx context.Context, principal string, types []EventType) (int64, error) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM security_audit_events WHERE principal = $1 AND event_type = ANY($2)`,
		principal, pq.Array(names),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                   Event
			eventType, severity string
			principal, details  sql.NullString
			client, userAgent   sql.NullString
			correlationID       sql.NullString
			metadata            []byte
		)
		if err := rows.Scan(
			&e.ID, &eventType, &principal, &details, &severity,
			&client, &userAgent, &correlationID, &metadata, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}

		e.Type = EventType(eventType)
		e.Severity = Severity(severity)
		e.Principal = principal.String
		e.Details = details.String
		e.ClientAddress = client.String
		e.UserAgent = userAgent.String
		e.CorrelationID = correlationID.String
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}
	return events, nil
}
