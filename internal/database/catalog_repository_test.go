package database_test

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ksanyok/promopilot-sub004/internal/database"
)

func TestCatalogRepository_ListNetworks(t *testing.T) {
	db, mock := newMock(t)
	repo := database.NewCatalogRepository(db)

	cols := []string{"slug", "title", "levels", "region", "topics", "priority", "enabled"}
	mock.ExpectQuery("FROM networks").WillReturnRows(sqlmock.NewRows(cols).
		AddRow("telegraph", "Telegraph", []byte("{1,2}"), "global", []byte("{news,finance}"), 10, true))

	networks, err := repo.ListNetworks(context.Background())
	if err != nil {
		t.Fatalf("ListNetworks() error = %v", err)
	}
	if len(networks) != 1 {
		t.Fatalf("ListNetworks() len = %d", len(networks))
	}
	n := networks[0]
	if n.Slug != "telegraph" || len(n.Levels) != 2 || n.Levels[1] != 2 || len(n.Topics) != 2 || n.Topics[1] != "finance" {
		t.Errorf("ListNetworks() = %+v", n)
	}
}

func TestCatalogRepository_ListEligibleLinks(t *testing.T) {
	db, mock := newMock(t)
	repo := database.NewCatalogRepository(db)

	cols := []string{"id", "url", "domain", "status", "language", "region", "deep_status", "deep_checked_at"}
	mock.ExpectQuery("FROM crowd_links").
		WithArgs("ok", "success", sqlmock.AnyArg(), "ru", "ru", 12).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(1), "https://a.example/form", "a.example", "ok", "ru", "ru", "success", fixedTime))

	links, err := repo.ListEligibleLinks(context.Background(), database.LinkQuery{Language: "ru", Region: "ru", Limit: 12})
	if err != nil {
		t.Fatalf("ListEligibleLinks() error = %v", err)
	}
	if len(links) != 1 || links[0].Domain != "a.example" {
		t.Errorf("ListEligibleLinks() = %+v", links)
	}
}

type normalizedDomains []string

func (n normalizedDomains) Match(v driver.Value) bool {
	got := fmt.Sprint(v)
	for _, d := range n {
		if !strings.Contains(got, `"`+d+`"`) {
			return false
		}
	}
	return !strings.ContainsAny(got, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") && !strings.Contains(got, "www.")
}

func TestCatalogRepository_ListEligibleLinksOnePerDomain(t *testing.T) {
	db, mock := newMock(t)
	repo := database.NewCatalogRepository(db)

	cols := []string{"id", "url", "domain", "status", "language", "region", "deep_status", "deep_checked_at"}
	mock.ExpectQuery(`lower\(split_part\(replace\(language(.|\n)+SELECT DISTINCT ON \(host\)`).
		WithArgs("ok", "success", normalizedDomains{"forum.example.org", "b.example"}, "pt", "br", 8).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(3), "https://c.example/form", "c.example", "ok", "pt-BR", "BR", "success", fixedTime))

	links, err := repo.ListEligibleLinks(context.Background(), database.LinkQuery{
		Language:       "pt_BR",
		Region:         " BR ",
		ExcludeDomains: []string{"WWW.Forum.example.org", "https://b.example/page"},
		Limit:          8,
	})
	if err != nil {
		t.Fatalf("ListEligibleLinks() error = %v", err)
	}
	if len(links) != 1 || links[0].ID != 3 {
		t.Errorf("ListEligibleLinks() = %+v", links)
	}
}

func TestCatalogRepository_SettingValues(t *testing.T) {
	db, mock := newMock(t)
	repo := database.NewCatalogRepository(db)

	mock.ExpectQuery("FROM promotion_settings").WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).
		AddRow("level1_count", "7").AddRow("crowd_per_article", "abc"))

	values, err := repo.SettingValues(context.Background())
	if err != nil {
		t.Fatalf("SettingValues() error = %v", err)
	}
	if values["level1_count"] != "7" || values["crowd_per_article"] != "abc" {
		t.Errorf("SettingValues() = %v", values)
	}
}
