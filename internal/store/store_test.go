package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func testStore(t *testing.T, driver string) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "store_test.db")
	s, err := Open(driver, dbPath)
	if err != nil {
		t.Fatalf("Open(%q, %q): %v", driver, dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachDriver runs fn once per supported SQLite driver.
func forEachDriver(t *testing.T, fn func(t *testing.T, s *Store)) {
	for _, driver := range []string{DriverCGO, DriverPure} {
		t.Run(driver, func(t *testing.T) {
			fn(t, testStore(t, driver))
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("postgres", filepath.Join(t.TempDir(), "x.db"))
	if err == nil {
		t.Fatal("Open(postgres) should fail")
	}
}

func TestGetMissing(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		_, err := s.Get(context.Background(), "employee:nobody")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
	})
}

func TestSetAndGet(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		if err := s.Set(ctx, "employee:E1", `{"name":"Asha"}`); err != nil {
			t.Fatalf("Set() error: %v", err)
		}
		val, err := s.Get(ctx, "employee:E1")
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if val != `{"name":"Asha"}` {
			t.Errorf("Get() = %q", val)
		}
	})
}

func TestSetUpsert(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		if err := s.Set(ctx, "k", "v1"); err != nil {
			t.Fatalf("Set(v1) error: %v", err)
		}
		if err := s.Set(ctx, "k", "v2"); err != nil {
			t.Fatalf("Set(v2) error: %v", err)
		}
		val, err := s.Get(ctx, "k")
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if val != "v2" {
			t.Errorf("Get() = %q, want %q after upsert", val, "v2")
		}
	})
}

func TestKeys_Glob(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		for _, k := range []string{"employee:E2", "employee:E1", "receipt:FOOD_EXPENSE:a", "receipt:TECH_EXPENSE:b"} {
			if err := s.Set(ctx, k, "x"); err != nil {
				t.Fatalf("Set(%s) error: %v", k, err)
			}
		}
		if err := s.HSet(ctx, "file:f1", "stage_1", "{}"); err != nil {
			t.Fatalf("HSet() error: %v", err)
		}

		tests := []struct {
			pattern string
			want    []string
		}{
			{"employee:*", []string{"employee:E1", "employee:E2"}},
			{"receipt:FOOD_EXPENSE:*", []string{"receipt:FOOD_EXPENSE:a"}},
			{"file:*", []string{"file:f1"}},
			{"employee:E?", []string{"employee:E1", "employee:E2"}},
			{"nothing:*", nil},
		}
		for _, tt := range tests {
			got, err := s.Keys(ctx, tt.pattern)
			if err != nil {
				t.Fatalf("Keys(%q) error: %v", tt.pattern, err)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("Keys(%q) = %v, want %v", tt.pattern, got, tt.want)
			}
		}
	})
}

func TestHashFields(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		if err := s.HSet(ctx, "file:f1", "stage_1", "a"); err != nil {
			t.Fatalf("HSet() error: %v", err)
		}
		if err := s.HSet(ctx, "file:f1", "stage_2", "b"); err != nil {
			t.Fatalf("HSet() error: %v", err)
		}
		if err := s.HSet(ctx, "file:f1", "stage_1", "a2"); err != nil {
			t.Fatalf("HSet() upsert error: %v", err)
		}

		v, err := s.HGet(ctx, "file:f1", "stage_1")
		if err != nil {
			t.Fatalf("HGet() error: %v", err)
		}
		if v != "a2" {
			t.Errorf("HGet(stage_1) = %q, want a2", v)
		}

		if _, err := s.HGet(ctx, "file:f1", "stage_9"); !errors.Is(err, ErrNotFound) {
			t.Errorf("HGet(missing field) error = %v, want ErrNotFound", err)
		}

		all, err := s.HGetAll(ctx, "file:f1")
		if err != nil {
			t.Fatalf("HGetAll() error: %v", err)
		}
		if len(all) != 2 || all["stage_2"] != "b" {
			t.Errorf("HGetAll() = %v", all)
		}

		empty, err := s.HGetAll(ctx, "file:none")
		if err != nil {
			t.Fatalf("HGetAll(missing) error: %v", err)
		}
		if empty == nil || len(empty) != 0 {
			t.Errorf("HGetAll(missing) = %v, want empty non-nil map", empty)
		}
	})
}

func TestDelete(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		if err := s.Set(ctx, "a", "1"); err != nil {
			t.Fatal(err)
		}
		if err := s.HSet(ctx, "b", "f", "1"); err != nil {
			t.Fatal(err)
		}

		n, err := s.Delete(ctx, "a", "b", "missing")
		if err != nil {
			t.Fatalf("Delete() error: %v", err)
		}
		if n != 2 {
			t.Errorf("Delete() = %d, want 2", n)
		}
		if _, err := s.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(a) after delete error = %v", err)
		}
		keys, err := s.Keys(ctx, "*")
		if err != nil {
			t.Fatal(err)
		}
		if len(keys) != 0 {
			t.Errorf("Keys(*) after delete = %v, want none", keys)
		}
	})
}

func TestConcurrentIndependentKeys(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := fmt.Sprintf("file:%02d", i)
				if err := s.HSet(ctx, key, "stage_1", "x"); err != nil {
					errs <- err
					return
				}
				if err := s.Set(ctx, fmt.Sprintf("receipt:T:%02d", i), "y"); err != nil {
					errs <- err
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("concurrent write error: %v", err)
		}

		keys, err := s.Keys(ctx, "file:*")
		if err != nil {
			t.Fatal(err)
		}
		if len(keys) != 20 {
			t.Errorf("Keys(file:*) = %d keys, want 20", len(keys))
		}
	})
}
