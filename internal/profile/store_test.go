package profile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/credential"
	"github.com/loqalabs/loqa-dictate/internal/domain"
)

func newTestStore(t *testing.T, repo Repository, creds credential.Store) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewStore(repo, creds, logger)
	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	var tick int
	s.clock = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s
}

type failingRepo struct {
	*MemoryRepository
	failInsert bool
	failUpdate bool
}

var errWriteFailed = errors.New("disk full")

func (r *failingRepo) Insert(ctx context.Context, p domain.Profile) error {
	if r.failInsert {
		return errWriteFailed
	}
	return r.MemoryRepository.Insert(ctx, p)
}

func (r *failingRepo) Update(ctx context.Context, p domain.Profile) error {
	if r.failUpdate {
		return errWriteFailed
	}
	return r.MemoryRepository.Update(ctx, p)
}

func TestCreateListActiveRoundTrip(t *testing.T) {
	for name, open := range map[string]func(t *testing.T) Repository{
		"memory": func(t *testing.T) Repository { return NewMemoryRepository() },
		"sqlite": func(t *testing.T) Repository {
			repo, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "profiles.db"))
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = repo.Close() })
			return repo
		},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newTestStore(t, open(t), credential.NewMemoryStore())

			created, err := store.Create(ctx, CreateRequest{
				Name: "Desk", Language: "en", Engine: domain.EngineLocal, Model: "base.en", Port: 8080,
			})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			all, err := store.List(ctx)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(all) != 1 || !reflect.DeepEqual(all[0], created) {
				t.Fatalf("list mismatch: got %+v want %+v", all, created)
			}
			if err := store.SetActive(ctx, created.ID); err != nil {
				t.Fatalf("set active: %v", err)
			}
			active, err := store.Active(ctx)
			if err != nil {
				t.Fatalf("active: %v", err)
			}
			if !reflect.DeepEqual(active, created) {
				t.Fatalf("active mismatch: got %+v want %+v", active, created)
			}
		})
	}
}

func TestCreateDuplicateName(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, NewMemoryRepository(), credential.NewMemoryStore())

	first, err := store.Create(ctx, CreateRequest{Name: "Work", Engine: domain.EngineCloud, APIKey: "sk-1"})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	_, err = store.Create(ctx, CreateRequest{Name: " work ", Engine: domain.EngineLocal, Port: 9000})
	var dup *DuplicateNameError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateNameError, got %v", err)
	}
	if dup.Name != "work" {
		t.Fatalf("unexpected duplicate name %q", dup.Name)
	}

	got, err := store.Get(ctx, first.ID)
	if err != nil || !reflect.DeepEqual(got, first) {
		t.Fatalf("first profile changed: %+v err=%v", got, err)
	}
	if key, err := store.Credential(ctx, first.ID); err != nil || key != "sk-1" {
		t.Fatalf("first credential changed: %q err=%v", key, err)
	}
}

func TestCreateInvalidPortPersistsNothing(t *testing.T) {
	ctx := context.Background()
	creds := credential.NewMemoryStore()
	store := newTestStore(t, NewMemoryRepository(), creds)

	_, err := store.Create(ctx, CreateRequest{Name: "Lab", Engine: domain.EngineLocal, Port: 500, APIKey: "sk-ignored"})
	var portErr *InvalidPortError
	if !errors.As(err, &portErr) || portErr.Port != 500 {
		t.Fatalf("expected InvalidPortError(500), got %v", err)
	}
	all, _ := store.List(ctx)
	if len(all) != 0 {
		t.Fatalf("expected no profiles, got %d", len(all))
	}
	if creds.Len() != 0 {
		t.Fatalf("expected no credentials, got %d", creds.Len())
	}
}

func TestCreateCloudRequiresCredential(t *testing.T) {
	store := newTestStore(t, NewMemoryRepository(), credential.NewMemoryStore())
	if _, err := store.Create(context.Background(), CreateRequest{Name: "Cloud", Engine: domain.EngineCloud}); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
}

func TestCreateRollsBackCredentialOnMetadataFailure(t *testing.T) {
	ctx := context.Background()
	creds := credential.NewMemoryStore()
	repo := &failingRepo{MemoryRepository: NewMemoryRepository(), failInsert: true}
	store := newTestStore(t, repo, creds)

	if _, err := store.Create(ctx, CreateRequest{Name: "Cloud", Engine: domain.EngineCloud, APIKey: "sk-1"}); !errors.Is(err, errWriteFailed) {
		t.Fatalf("expected write failure, got %v", err)
	}
	if creds.Len() != 0 {
		t.Fatalf("credential was not rolled back")
	}
}

func TestUpdateRestoresPreviousCredentialOnFailure(t *testing.T) {
	ctx := context.Background()
	creds := credential.NewMemoryStore()
	repo := &failingRepo{MemoryRepository: NewMemoryRepository()}
	store := newTestStore(t, repo, creds)

	p, err := store.Create(ctx, CreateRequest{Name: "Cloud", Engine: domain.EngineCloud, APIKey: "sk-old"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	repo.failUpdate = true
	newKey := "sk-new"
	if _, err := store.Update(ctx, p.ID, UpdateRequest{APIKey: &newKey}); !errors.Is(err, errWriteFailed) {
		t.Fatalf("expected write failure, got %v", err)
	}
	if key, _ := store.Credential(ctx, p.ID); key != "sk-old" {
		t.Fatalf("expected previous credential restored, got %q", key)
	}
}

func TestUpdateToLocalRevalidatesPort(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, NewMemoryRepository(), credential.NewMemoryStore())

	p, err := store.Create(ctx, CreateRequest{Name: "Cloud", Engine: domain.EngineCloud, APIKey: "sk"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	local := domain.EngineLocal
	var portErr *InvalidPortError
	if _, err := store.Update(ctx, p.ID, UpdateRequest{Engine: &local}); !errors.As(err, &portErr) || portErr.Port != 0 {
		t.Fatalf("expected InvalidPortError(0), got %v", err)
	}
	port := 8080
	updated, err := store.Update(ctx, p.ID, UpdateRequest{Engine: &local, Port: &port})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Engine != domain.EngineLocal || updated.Port != 8080 {
		t.Fatalf("unexpected update result %+v", updated)
	}
	if !updated.UpdatedAt.After(p.UpdatedAt) || !updated.CreatedAt.Equal(p.CreatedAt) {
		t.Fatalf("timestamps not maintained: %+v", updated)
	}
}

func TestUpdateToCloudNeedsCredential(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, NewMemoryRepository(), credential.NewMemoryStore())

	p, err := store.Create(ctx, CreateRequest{Name: "Local", Engine: domain.EngineLocal, Port: 8080})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cloud := domain.EngineCloud
	if _, err := store.Update(ctx, p.ID, UpdateRequest{Engine: &cloud}); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
	key := "sk"
	if _, err := store.Update(ctx, p.ID, UpdateRequest{Engine: &cloud, APIKey: &key}); err != nil {
		t.Fatalf("update with key: %v", err)
	}
}

func TestDeleteClearsActiveAndCredential(t *testing.T) {
	ctx := context.Background()
	creds := credential.NewMemoryStore()
	store := newTestStore(t, NewMemoryRepository(), creds)

	p, err := store.Create(ctx, CreateRequest{Name: "Cloud", Engine: domain.EngineCloud, APIKey: "sk"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.SetActive(ctx, p.ID); err != nil {
		t.Fatalf("set active: %v", err)
	}
	if err := store.Delete(ctx, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Active(ctx); !errors.Is(err, ErrNoActiveProfile) {
		t.Fatalf("expected ErrNoActiveProfile, got %v", err)
	}
	if creds.Len() != 0 {
		t.Fatalf("credential not removed")
	}
	for i := 0; i < 2; i++ {
		if err := store.Delete(ctx, p.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("delete of missing profile: expected ErrNotFound, got %v", err)
		}
	}
}

func TestSetActiveUnknownProfile(t *testing.T) {
	store := newTestStore(t, NewMemoryRepository(), credential.NewMemoryStore())
	if err := store.SetActive(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestActiveDistinguishesDanglingSelection(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	store := newTestStore(t, repo, credential.NewMemoryStore())
	if err := repo.SetActiveID(ctx, "ghost"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := store.Active(ctx)
	if err == nil || errors.Is(err, ErrNoActiveProfile) {
		t.Fatalf("expected a store error distinct from ErrNoActiveProfile, got %v", err)
	}
}

func TestObserversNotified(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, NewMemoryRepository(), credential.NewMemoryStore())
	var calls int
	store.Subscribe(ObserverFunc(func(context.Context) { calls++ }))

	p, err := store.Create(ctx, CreateRequest{Name: "Local", Engine: domain.EngineLocal, Port: 8080})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = store.SetActive(ctx, p.ID)
	_ = store.ClearActive(ctx)
	_ = store.Delete(ctx, p.ID)
	if calls != 4 {
		t.Fatalf("expected 4 notifications, got %d", calls)
	}
	_ = store.Delete(ctx, p.ID)
	if calls != 4 {
		t.Fatalf("failed delete should not notify, got %d", calls)
	}
}
