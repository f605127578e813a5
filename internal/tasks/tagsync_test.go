package tasks

import (
	"context"
	"errors"
	"reflect"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/hoshinobot/booru-sync/internal/booru"
)

func expectLatest(mock sqlmock.Sqlmock, table string, id int32) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(id), 0) FROM "+table)).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(id))
}

func TestTagSyncIdentity(t *testing.T) {
	task := NewTagSync(&stubFetcher{}, nil, 0)
	if task.ID() != "fetch_tags" {
		t.Fatalf("ID = %q", task.ID())
	}
	if task.Interval() != 5*time.Minute {
		t.Fatalf("default interval = %v", task.Interval())
	}
	if task.Mode() != PerInvocation {
		t.Fatalf("mode = %v", task.Mode())
	}
}

func TestTagSyncStoresPagesAndAdvances(t *testing.T) {
	st, mock := newStore(t)
	f := &stubFetcher{
		tagPages: [][]booru.Tag{{
			{ID: 10, Name: "touhou", Category: booru.CategoryCopyright, PostCount: 912},
			{ID: 8, Name: "hakurei_reimu", Category: booru.CategoryCharacter, PostCount: 407},
			{ID: 5, Name: "1girl", Category: booru.CategoryGeneral, PostCount: 33095},
		}},
	}

	expectLatest(mock, "tags", 0)
	mock.ExpectBegin()
	// Index counts are discarded; every row lands with post_count 0.
	mock.ExpectExec(`(?s)INSERT INTO tags.*DO NOTHING`).
		WithArgs(10, "touhou", 0, "copyright", false, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)INSERT INTO tags.*DO NOTHING`).
		WithArgs(8, "hakurei_reimu", 0, "character", false, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)INSERT INTO tags.*DO NOTHING`).
		WithArgs(5, "1girl", 0, "general", false, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	task := NewTagSync(f, st, time.Minute)
	if err := task.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	wantCalls := []booru.PageSelector{booru.PageAfter(0), booru.PageAfter(10)}
	if !reflect.DeepEqual(f.tagCalls, wantCalls) {
		t.Fatalf("tag fetches = %v, want %v", f.tagCalls, wantCalls)
	}
	expectationsMet(t, mock)
}

func TestTagSyncIdleWhenCaughtUp(t *testing.T) {
	st, mock := newStore(t)
	f := &stubFetcher{}

	expectLatest(mock, "tags", 4747)

	task := NewTagSync(f, st, time.Minute)
	if err := task.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	wantCalls := []booru.PageSelector{booru.PageAfter(4747)}
	if !reflect.DeepEqual(f.tagCalls, wantCalls) {
		t.Fatalf("tag fetches = %v, want %v", f.tagCalls, wantCalls)
	}
	expectationsMet(t, mock)
}

// A store holding only fabricated rows has a negative high-water mark; the
// walk still starts at the beginning of the real index.
func TestTagSyncClampsSyntheticCursor(t *testing.T) {
	st, mock := newStore(t)
	f := &stubFetcher{}

	expectLatest(mock, "tags", -2)

	task := NewTagSync(f, st, time.Minute)
	if err := task.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	wantCalls := []booru.PageSelector{booru.PageAfter(0)}
	if !reflect.DeepEqual(f.tagCalls, wantCalls) {
		t.Fatalf("tag fetches = %v, want %v", f.tagCalls, wantCalls)
	}
	expectationsMet(t, mock)
}

func TestTagSyncFetchErrorPropagates(t *testing.T) {
	st, mock := newStore(t)
	boom := errors.New("tags unavailable")
	f := &stubFetcher{tagErr: boom}

	expectLatest(mock, "tags", 0)

	task := NewTagSync(f, st, time.Minute)
	if err := task.Execute(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Execute error = %v, want %v", err, boom)
	}
	expectationsMet(t, mock)
}
