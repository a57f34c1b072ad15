package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ksanyok/promopilot-sub004/internal/domain"
)

// Crowd link catalog states the planner accepts.
const (
	CrowdLinkStatusOK = "ok"
	CrowdLinkDeepOK   = "success"
)

// CatalogRepository reads the shared catalogs: projects, networks, crowd
// links and persisted promotion settings.
type CatalogRepository struct {
	db *sqlx.DB
}

// NewCatalogRepository creates a catalog repository.
func NewCatalogRepository(db *sqlx.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// GetProject returns a project or domain.ErrNotFound.
func (r *CatalogRepository) GetProject(ctx context.Context, id int64) (*domain.Project, error) {
	var p domain.Project
	query := `SELECT id, name, target_url, anchor, language, region, topic FROM projects WHERE id = $1`
	if err := getOne(ctx, r.db, &p, query, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get project %d: %w", id, err)
	}
	return &p, nil
}

type networkRow struct {
	Slug     string         `db:"slug"`
	Title    string         `db:"title"`
	Levels   pq.Int64Array  `db:"levels"`
	Region   string         `db:"region"`
	Topics   pq.StringArray `db:"topics"`
	Priority int            `db:"priority"`
	Enabled  bool           `db:"enabled"`
}

func (n networkRow) toDomain() domain.Network {
	levels := make([]int, len(n.Levels))
	for i, l := range n.Levels {
		levels[i] = int(l)
	}
	return domain.Network{
		Slug:     n.Slug,
		Title:    n.Title,
		Levels:   levels,
		Region:   n.Region,
		Topics:   []string(n.Topics),
		Priority: n.Priority,
		Enabled:  n.Enabled,
	}
}

// ListNetworks returns the enabled publishing networks.
func (r *CatalogRepository) ListNetworks(ctx context.Context) ([]domain.Network, error) {
	query := `
		SELECT slug, title, levels, region, topics, priority, enabled
		FROM networks
		WHERE enabled
		ORDER BY slug`
	var rows []networkRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list networks: %w", err)
	}
	out := make([]domain.Network, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

// LinkQuery narrows the crowd link fetch.
type LinkQuery struct {
	Language       string
	Region         string
	ExcludeDomains []string
	Limit          int
}

// ListEligibleLinks returns verified crowd links outside ExcludeDomains,
// at most one per normalized domain. The database pre-orders by language,
// region and freshness so the limit keeps the best candidates; final
// scoring happens in the planner.
func (r *CatalogRepository) ListEligibleLinks(ctx context.Context, q LinkQuery) ([]domain.CrowdLink, error) {
	query := `
		WITH candidates AS (
			SELECT id, url, domain, status, language, region, deep_status, deep_checked_at,
			       COALESCE(
			           NULLIF(regexp_replace(lower(trim(domain)), '^www\.', ''), ''),
			           regexp_replace(substring(lower(url) from '^(?:[a-z][a-z0-9+.-]*://)?([^/:?#]+)'), '^www\.', '')
			       ) AS host,
			       ($4::text <> '' AND lower(split_part(replace(language, '_', '-'), '-', 1)) = $4) AS lang_match,
			       (lower(split_part(replace(language, '_', '-'), '-', 1)) = 'en') AS en_match,
			       ($5::text <> '' AND lower(trim(region)) = $5) AS region_match
			FROM crowd_links
			WHERE status = $1
			  AND deep_status = $2
		), per_host AS (
			SELECT DISTINCT ON (host) *
			FROM candidates
			WHERE host IS NOT NULL
			  AND host <> ''
			  AND NOT (host = ANY($3))
			ORDER BY host, lang_match DESC, en_match DESC, region_match DESC,
			         deep_checked_at DESC NULLS LAST, id ASC
		)
		SELECT id, url, domain, status, language, region, deep_status, deep_checked_at
		FROM per_host
		ORDER BY lang_match DESC, en_match DESC, region_match DESC,
		         deep_checked_at DESC NULLS LAST, id ASC
		LIMIT $6`
	exclude := make([]string, 0, len(q.ExcludeDomains))
	for _, d := range q.ExcludeDomains {
		if n := domain.NormalizeDomain(d); n != "" {
			exclude = append(exclude, n)
		}
	}
	language := domain.LanguageCode(q.Language)
	region := strings.ToLower(strings.TrimSpace(q.Region))

	var links []domain.CrowdLink
	err := r.db.SelectContext(ctx, &links, query,
		CrowdLinkStatusOK, CrowdLinkDeepOK, pq.Array(exclude), language, region, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("list eligible crowd links: %w", err)
	}
	return links, nil
}

// SettingValues returns persisted promotion settings as raw strings.
func (r *CatalogRepository) SettingValues(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT key, value FROM promotion_settings`)
	if err != nil {
		return nil, fmt.Errorf("load promotion settings: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err = rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan promotion setting: %w", err)
		}
		values[key] = value
	}
	return values, rows.Err()
}
