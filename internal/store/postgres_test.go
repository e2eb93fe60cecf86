package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
)

// newTestPostgres connects to TEST_DATABASE_URL, migrates, and truncates the
// chat tables. Tests that call it are skipped when the variable is unset or
// the database is unreachable.
func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	p, err := OpenPostgres(ctx, PostgresConfig{URL: url, MaxOpenConns: 10})
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := p.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	truncate := func() {
		if _, err := p.db.ExecContext(ctx, `TRUNCATE messages, rooms, users`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
	}
	truncate()
	t.Cleanup(func() {
		truncate()
		p.Close()
	})

	for id, name := range map[string]string{userA: "alice", userB: "bob", userC: "carol"} {
		if _, err := p.db.ExecContext(ctx, `INSERT INTO users (id, username) VALUES ($1, $2)`, id, name); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	return p
}

func TestPostgres_CreateOrGetRoom_Converges(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()

	const n = 20
	ids := make([]string, n)
	createdCount := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			set := []string{userA, userB}
			if i%2 == 1 {
				set = []string{userB, userA}
			}
			r, created, err := p.CreateOrGetRoom(ctx, "", set)
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			mu.Lock()
			ids[i] = r.ID
			if created {
				createdCount++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if createdCount != 1 {
		t.Errorf("created = %d, want exactly 1", createdCount)
	}
	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("diverged: %s vs %s", ids[i], ids[0])
		}
	}
}

func TestPostgres_AppendListDelete(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()

	r, _, err := p.CreateOrGetRoom(ctx, "", []string{userA, userB})
	if err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"one", "two", "three"} {
		if _, err := p.AppendMessage(ctx, NewMessage{RoomID: r.ID, SenderID: userA, Content: text}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, err := p.ListMessages(ctx, r.ID, HistoryQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Content != "one" || all[2].Seq != 3 {
		t.Fatalf("history = %+v", all)
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.Before(all[i-1].CreatedAt) {
			t.Errorf("timestamps decrease at %d", i)
		}
	}

	after, _ := p.ListMessages(ctx, r.ID, HistoryQuery{AfterSeq: 1})
	if len(after) != 2 || after[0].Seq != 2 {
		t.Errorf("after 1 = %+v", after)
	}
	latest, _ := p.ListMessages(ctx, r.ID, HistoryQuery{Limit: 1})
	if len(latest) != 1 || latest[0].Seq != 3 {
		t.Errorf("latest = %+v", latest)
	}

	users, err := p.LookupUsers(ctx, []string{userA, userB, "44444444-4444-4444-8444-444444444444"})
	if err != nil || len(users) != 2 || users[userB].Username != "bob" {
		t.Errorf("lookup = %+v %v", users, err)
	}

	if err := p.DeleteRoom(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := p.ListMessages(ctx, r.ID, HistoryQuery{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete: %v", err)
	}
}

func TestPostgres_MalformedIDIsNotFound(t *testing.T) {
	p := newTestPostgres(t)
	if _, err := p.FindRoom(context.Background(), "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPostgres_Ping(t *testing.T) {
	p := newTestPostgres(t)
	if err := p.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
