// Package profile owns the persisted collection of transcription profiles
// and keeps profile metadata consistent with the credential store.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-dictate/internal/credential"
	"github.com/loqalabs/loqa-dictate/internal/domain"
)

// Observer is notified after any profile or active-selection change. The
// notification carries no payload; observers re-read the store.
type Observer interface {
	ProfilesChanged(ctx context.Context)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context)

func (f ObserverFunc) ProfilesChanged(ctx context.Context) { f(ctx) }

// CreateRequest describes a new profile. APIKey is required for cloud
// profiles and ignored for local ones.
type CreateRequest struct {
	Name     string        `json:"name"`
	Language string        `json:"language,omitempty"`
	Engine   domain.Engine `json:"engine"`
	Model    string        `json:"model,omitempty"`
	Port     int           `json:"port,omitempty"`
	APIKey   string        `json:"api_key,omitempty"`
}

// UpdateRequest changes the non-nil fields of a profile.
type UpdateRequest struct {
	Name     *string        `json:"name,omitempty"`
	Language *string        `json:"language,omitempty"`
	Engine   *domain.Engine `json:"engine,omitempty"`
	Model    *string        `json:"model,omitempty"`
	Port     *int           `json:"port,omitempty"`
	APIKey   *string        `json:"api_key,omitempty"`
}

// Store is the only writer of profile metadata and profile credentials.
type Store struct {
	repo  Repository
	creds credential.Store
	log   *slog.Logger
	clock func() time.Time
	newID func() string

	mu sync.Mutex

	obsMu     sync.RWMutex
	observers []Observer
}

func NewStore(repo Repository, creds credential.Store, log *slog.Logger) *Store {
	return &Store{
		repo:  repo,
		creds: creds,
		log:   log.With(slog.String("component", "profile-store")),
		clock: time.Now,
		newID: uuid.NewString,
	}
}

// Subscribe registers an observer for change notifications.
func (s *Store) Subscribe(o Observer) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *Store) notify(ctx context.Context) {
	s.obsMu.RLock()
	observers := append([]Observer(nil), s.observers...)
	s.obsMu.RUnlock()
	for _, o := range observers {
		o.ProfilesChanged(ctx)
	}
}

// List returns all profiles ordered by creation time.
func (s *Store) List(ctx context.Context) ([]domain.Profile, error) {
	return s.repo.List(ctx)
}

// Get returns the profile with id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (domain.Profile, error) {
	return s.repo.Get(ctx, id)
}

// Create validates and persists a new profile. For cloud profiles the
// credential is written first; a failed metadata write removes it again.
func (s *Store) Create(ctx context.Context, req CreateRequest) (domain.Profile, error) {
	now := s.clock().UTC()
	p := domain.Profile{
		ID:        s.newID(),
		Name:      strings.TrimSpace(req.Name),
		Language:  normalizeLanguage(req.Language),
		Engine:    req.Engine,
		Model:     strings.TrimSpace(req.Model),
		Port:      req.Port,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := validate(p); err != nil {
		return domain.Profile{}, err
	}
	key := strings.TrimSpace(req.APIKey)
	if p.Engine == domain.EngineCloud && key == "" {
		return domain.Profile{}, ErrMissingCredential
	}

	s.mu.Lock()
	err := s.create(ctx, p, key)
	s.mu.Unlock()
	if err != nil {
		return domain.Profile{}, err
	}
	s.log.Info("profile created", slog.String("profile_id", p.ID), slog.String("engine", string(p.Engine)))
	s.notify(ctx)
	return p, nil
}

func (s *Store) create(ctx context.Context, p domain.Profile, key string) error {
	if err := s.ensureUniqueName(ctx, p.Name, ""); err != nil {
		return err
	}
	if p.Engine == domain.EngineCloud {
		if err := s.creds.Store(ctx, p.ID, key); err != nil {
			return fmt.Errorf("store credential: %w", err)
		}
	}
	if err := s.repo.Insert(ctx, p); err != nil {
		if p.Engine == domain.EngineCloud {
			if delErr := s.creds.Delete(ctx, p.ID); delErr != nil {
				s.log.Error("credential rollback failed", slog.String("profile_id", p.ID), slogError(delErr))
			}
		}
		if errors.Is(err, ErrNameConflict) {
			return &DuplicateNameError{Name: p.Name}
		}
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// Update applies req to the profile with id. Invariants are checked against
// the resulting profile, so switching the engine to local re-validates the
// existing port.
func (s *Store) Update(ctx context.Context, id string, req UpdateRequest) (domain.Profile, error) {
	s.mu.Lock()
	p, err := s.update(ctx, id, req)
	s.mu.Unlock()
	if err != nil {
		return domain.Profile{}, err
	}
	s.log.Info("profile updated", slog.String("profile_id", p.ID))
	s.notify(ctx)
	return p, nil
}

func (s *Store) update(ctx context.Context, id string, req UpdateRequest) (domain.Profile, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Profile{}, err
	}
	next := current
	if req.Name != nil {
		next.Name = strings.TrimSpace(*req.Name)
	}
	if req.Language != nil {
		next.Language = normalizeLanguage(*req.Language)
	}
	if req.Engine != nil {
		next.Engine = *req.Engine
	}
	if req.Model != nil {
		next.Model = strings.TrimSpace(*req.Model)
	}
	if req.Port != nil {
		next.Port = *req.Port
	}
	if err := validate(next); err != nil {
		return domain.Profile{}, err
	}
	if err := s.ensureUniqueName(ctx, next.Name, next.ID); err != nil {
		return domain.Profile{}, err
	}

	var newKey string
	if req.APIKey != nil {
		newKey = strings.TrimSpace(*req.APIKey)
		if newKey == "" && next.Engine == domain.EngineCloud {
			return domain.Profile{}, ErrMissingCredential
		}
	}
	if next.Engine == domain.EngineCloud && current.Engine != domain.EngineCloud && newKey == "" {
		if _, err := s.creds.Retrieve(ctx, id); err != nil {
			if errors.Is(err, credential.ErrNotFound) {
				return domain.Profile{}, ErrMissingCredential
			}
			return domain.Profile{}, fmt.Errorf("check credential: %w", err)
		}
	}
	next.UpdatedAt = s.clock().UTC()

	if newKey == "" {
		if err := s.repo.Update(ctx, next); err != nil {
			return domain.Profile{}, mapWriteErr(next, err)
		}
		return next, nil
	}

	previous, prevErr := s.creds.Retrieve(ctx, id)
	if prevErr != nil && !errors.Is(prevErr, credential.ErrNotFound) {
		return domain.Profile{}, fmt.Errorf("read credential: %w", prevErr)
	}
	if err := s.creds.Store(ctx, id, newKey); err != nil {
		return domain.Profile{}, fmt.Errorf("store credential: %w", err)
	}
	if err := s.repo.Update(ctx, next); err != nil {
		var rbErr error
		if prevErr == nil {
			rbErr = s.creds.Store(ctx, id, previous)
		} else {
			rbErr = s.creds.Delete(ctx, id)
		}
		if rbErr != nil {
			s.log.Error("credential rollback failed", slog.String("profile_id", id), slogError(rbErr))
		}
		return domain.Profile{}, mapWriteErr(next, err)
	}
	return next, nil
}

// Delete removes the profile and its credential and clears the active
// selection when it pointed at the profile.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	err := s.delete(ctx, id)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.log.Info("profile deleted", slog.String("profile_id", id))
	s.notify(ctx)
	return nil
}

func (s *Store) delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.creds.Delete(ctx, id); err != nil {
		// Profile ids are never reused, so a leftover secret is unreachable.
		s.log.Error("credential cleanup failed", slog.String("profile_id", id), slogError(err))
	}
	active, err := s.repo.ActiveID(ctx)
	if err != nil {
		return err
	}
	if active == id {
		if err := s.repo.SetActiveID(ctx, ""); err != nil {
			return err
		}
	}
	return nil
}

// SetActive selects the profile used for the next transcription.
func (s *Store) SetActive(ctx context.Context, id string) error {
	s.mu.Lock()
	err := func() error {
		if _, err := s.repo.Get(ctx, id); err != nil {
			return err
		}
		return s.repo.SetActiveID(ctx, id)
	}()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.log.Info("active profile changed", slog.String("profile_id", id))
	s.notify(ctx)
	return nil
}

// ClearActive removes the active selection.
func (s *Store) ClearActive(ctx context.Context) error {
	s.mu.Lock()
	err := s.repo.SetActiveID(ctx, "")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(ctx)
	return nil
}

// Active returns a copy of the active profile. ErrNoActiveProfile means
// nothing is selected; any other error means the store itself is unhealthy
// or points at a profile that no longer exists.
func (s *Store) Active(ctx context.Context) (domain.Profile, error) {
	id, err := s.repo.ActiveID(ctx)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("active profile: %w", err)
	}
	if id == "" {
		return domain.Profile{}, ErrNoActiveProfile
	}
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("active profile %s: %w", id, err)
	}
	return p, nil
}

// Credential returns the secret stored for a profile.
func (s *Store) Credential(ctx context.Context, id string) (string, error) {
	return s.creds.Retrieve(ctx, id)
}

func (s *Store) ensureUniqueName(ctx context.Context, name, exceptID string) error {
	profiles, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("list profiles: %w", err)
	}
	key := nameKey(name)
	for _, p := range profiles {
		if p.ID != exceptID && nameKey(p.Name) == key {
			return &DuplicateNameError{Name: name}
		}
	}
	return nil
}

func validate(p domain.Profile) error {
	if p.Name == "" {
		return ErrInvalidName
	}
	if !p.Engine.Valid() {
		return &InvalidEngineError{Engine: string(p.Engine)}
	}
	if p.Engine == domain.EngineLocal && (p.Port < domain.MinLocalPort || p.Port > domain.MaxLocalPort) {
		return &InvalidPortError{Port: p.Port}
	}
	return nil
}

func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return domain.LanguageAuto
	}
	return lang
}

func mapWriteErr(p domain.Profile, err error) error {
	if errors.Is(err, ErrNameConflict) {
		return &DuplicateNameError{Name: p.Name}
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("save profile: %w", err)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
