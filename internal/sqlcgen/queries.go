package sqlcgen

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX matches the minimal interface needed from pgxpool.Pool or pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

const listGeotaggedReports = `-- name: ListGeotaggedReports :many
SELECT c.id::text,
       c.title,
       c.location_name,
       c.latitude::text,
       c.longitude::text,
       c.status,
       c.priority,
       c.created_at
FROM complaints c
WHERE c.latitude IS NOT NULL
  AND c.longitude IS NOT NULL
ORDER BY c.created_at DESC
LIMIT $1
`

func (q *Queries) ListGeotaggedReports(ctx context.Context, limit int32) ([]ReportRow, error) {
	rows, err := q.db.Query(ctx, listGeotaggedReports, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []ReportRow
	for rows.Next() {
		var i ReportRow
		if err := rows.Scan(
			&i.ID,
			&i.Title,
			&i.LocationName,
			&i.Latitude,
			&i.Longitude,
			&i.Status,
			&i.Priority,
			&i.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const insertReport = `-- name: InsertReport :one
INSERT INTO complaints (title, location_name, latitude, longitude, status, priority)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id::text
`

type InsertReportParams struct {
	Title        string
	LocationName *string
	Latitude     *float64
	Longitude    *float64
	Status       string
	Priority     string
}

// InsertReport is used by seeding and integration tests; the citizen-facing
// submission flow lives outside this service.
func (q *Queries) InsertReport(ctx context.Context, arg InsertReportParams) (string, error) {
	row := q.db.QueryRow(ctx, insertReport, arg.Title, arg.LocationName, arg.Latitude, arg.Longitude, arg.Status, arg.Priority)
	var id string
	err := row.Scan(&id)
	return id, err
}
