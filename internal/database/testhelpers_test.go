package database_test

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = mockDB.Close() })
	return sqlx.NewDb(mockDB, "postgres"), mock
}

var fixedTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var crowdTaskColumns = []string{
	"id", "run_id", "node_id", "crowd_link_id", "target_url", "status", "payload",
	"attempts", "claimed_by", "created_at", "updated_at",
}

func crowdTaskRow(id int64, status string) *sqlmock.Rows {
	return sqlmock.NewRows(crowdTaskColumns).AddRow(
		id, int64(1), int64(10), int64(100), "https://forum.example.com/contact", status,
		[]byte(`{"subject":"hi","identity":{"name":"Anna"}}`), 1, "worker-a", fixedTime, fixedTime,
	)
}

var runColumns = []string{
	"id", "project_id", "status", "settings", "target_url", "anchor", "language",
	"region", "topic", "total", "done", "crowd_total", "crowd_done", "crowd_shortage", "report",
	"worker_state", "worker_token", "worker_heartbeat_at", "error_message",
	"created_at", "updated_at", "finished_at",
}

func runRow(id int64, status string) *sqlmock.Rows {
	return sqlmock.NewRows(runColumns).AddRow(
		id, int64(3), status, []byte(`{"level1_enabled":true,"level1_count":5,"crowd_per_article":3}`),
		"https://money.example.com", "money", "en", "us", "finance", 5, 0, 0, 0, 0, []byte(`{}`),
		"idle", nil, nil, nil, fixedTime, fixedTime, nil,
	)
}

var nodeColumns = []string{
	"id", "run_id", "level", "parent_id", "target_url", "anchor", "network_slug", "status",
	"result_url", "publication_ref", "article_title", "ancestors", "min_length", "max_length",
	"attempts", "error_message", "created_at", "updated_at",
}

func nodeRow(id int64, status string) *sqlmock.Rows {
	return sqlmock.NewRows(nodeColumns).AddRow(
		id, int64(1), 1, nil, "https://money.example.com", "money", "telegraph", status,
		"https://telegra.ph/a", nil, "Title", []byte(`[]`), 2000, 3200, 1, nil, fixedTime, fixedTime,
	)
}
