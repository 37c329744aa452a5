package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/arklim/extension-license-service/internal/core/domain"
	"github.com/arklim/extension-license-service/internal/repository"
)

type fakeChallengeRepository struct {
	mu         sync.Mutex
	challenges map[string]*domain.Challenge
	createErr  error
	conflicts  int
	consumed   int
	deleted    []string
}

func newFakeChallengeRepository() *fakeChallengeRepository {
	return &fakeChallengeRepository{challenges: make(map[string]*domain.Challenge)}
}

func (f *fakeChallengeRepository) Create(_ context.Context, challenge domain.Challenge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if f.conflicts > 0 {
		f.conflicts--
		return repository.ErrConflict
	}
	if _, ok := f.challenges[challenge.Nonce]; ok {
		return repository.ErrConflict
	}
	stored := challenge
	f.challenges[challenge.Nonce] = &stored
	return nil
}

func (f *fakeChallengeRepository) Consume(_ context.Context, nonce, token string, at time.Time) (*domain.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	challenge, ok := f.challenges[nonce]
	if !ok || challenge.Token != token || challenge.Used {
		return nil, repository.ErrNotFound
	}
	challenge.Used = true
	usedAt := at
	challenge.UsedAt = &usedAt
	f.consumed++
	copy := *challenge
	return &copy, nil
}

func (f *fakeChallengeRepository) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for nonce, challenge := range f.challenges {
		if challenge.ID == id {
			delete(f.challenges, nonce)
			f.deleted = append(f.deleted, id)
		}
	}
	return nil
}

func (f *fakeChallengeRepository) DeleteStale(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deleted int64
	for nonce, challenge := range f.challenges {
		if challenge.ExpiresAt.Before(cutoff) {
			delete(f.challenges, nonce)
			deleted++
		}
	}
	return deleted, nil
}

func (f *fakeChallengeRepository) only() *domain.Challenge {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, challenge := range f.challenges {
		return challenge
	}
	return nil
}

type fakeLicenseRepository struct {
	mu            sync.Mutex
	licenses      map[string]*domain.License
	subscriptions map[string]*domain.Subscription
	getErr        error
	validatedAt   map[string]time.Time
	expired       []string
	keyLookups    int
}

func newFakeLicenseRepository(licenses ...domain.License) *fakeLicenseRepository {
	repo := &fakeLicenseRepository{
		licenses:      make(map[string]*domain.License),
		subscriptions: make(map[string]*domain.Subscription),
		validatedAt:   make(map[string]time.Time),
	}
	for i := range licenses {
		license := licenses[i]
		repo.licenses[license.ID] = &license
	}
	return repo
}

func (f *fakeLicenseRepository) addSubscription(subscription domain.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[subscription.ID] = &subscription
}

func (f *fakeLicenseRepository) GetByKey(_ context.Context, key string) (*domain.License, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyLookups++
	if f.getErr != nil {
		return nil, f.getErr
	}
	for _, license := range f.licenses {
		if license.Key == key {
			copy := *license
			return &copy, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeLicenseRepository) GetByID(_ context.Context, id string) (*domain.License, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	license, ok := f.licenses[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copy := *license
	return &copy, nil
}

func (f *fakeLicenseRepository) UpdateStatus(_ context.Context, id string, from, to domain.LicenseStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	license, ok := f.licenses[id]
	if !ok || license.Status != from {
		return repository.ErrNotFound
	}
	license.Status = to
	return nil
}

func (f *fakeLicenseRepository) MarkValidated(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validatedAt[id] = at
	if license, ok := f.licenses[id]; ok && license.ActivatedAt == nil {
		activated := at
		license.ActivatedAt = &activated
	}
	return nil
}

func (f *fakeLicenseRepository) GetSubscription(_ context.Context, id string) (*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subscription, ok := f.subscriptions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copy := *subscription
	return &copy, nil
}

func (f *fakeLicenseRepository) ExpireSubscription(_ context.Context, subscriptionID, licenseID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if subscription, ok := f.subscriptions[subscriptionID]; ok {
		subscription.Status = domain.SubscriptionStatusExpired
	}
	if license, ok := f.licenses[licenseID]; ok {
		license.Status = domain.LicenseStatusSuspended
	}
	f.expired = append(f.expired, subscriptionID)
	return nil
}

func (f *fakeLicenseRepository) status(id string) domain.LicenseStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.licenses[id].Status
}

type fakeDeviceRepository struct {
	mu       sync.Mutex
	bindings map[string][]domain.DeviceBinding
	bindErr  error
}

func newFakeDeviceRepository() *fakeDeviceRepository {
	return &fakeDeviceRepository{bindings: make(map[string][]domain.DeviceBinding)}
}

func (f *fakeDeviceRepository) Bind(_ context.Context, binding domain.DeviceBinding, maxDevices int) (domain.BindOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bindErr != nil {
		return 0, f.bindErr
	}
	existing := f.bindings[binding.LicenseID]
	active := 0
	for i := range existing {
		if existing[i].Fingerprint == binding.Fingerprint {
			if !existing[i].IsActive {
				return domain.BindOutcomeDeactivated, nil
			}
			existing[i].LastSeenAt = binding.LastSeenAt
			return domain.BindOutcomeRefreshed, nil
		}
		if existing[i].IsActive {
			active++
		}
	}
	if active >= maxDevices {
		return domain.BindOutcomeLimitReached, nil
	}
	f.bindings[binding.LicenseID] = append(existing, binding)
	return domain.BindOutcomeCreated, nil
}

func (f *fakeDeviceRepository) ListByLicense(_ context.Context, licenseID string) ([]domain.DeviceBinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.DeviceBinding(nil), f.bindings[licenseID]...), nil
}

func (f *fakeDeviceRepository) Deactivate(_ context.Context, licenseID, fingerprint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.bindings[licenseID] {
		if f.bindings[licenseID][i].Fingerprint == fingerprint {
			f.bindings[licenseID][i].IsActive = false
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeDeviceRepository) DeleteByLicense(_ context.Context, licenseID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	deleted := int64(len(f.bindings[licenseID]))
	delete(f.bindings, licenseID)
	return deleted, nil
}

type fakeSessionRepository struct {
	mu        sync.Mutex
	sessions  map[string]*domain.Session
	extendErr error
	deleted   []string
}

func newFakeSessionRepository(sessions ...domain.Session) *fakeSessionRepository {
	repo := &fakeSessionRepository{sessions: make(map[string]*domain.Session)}
	for i := range sessions {
		session := sessions[i]
		repo.sessions[session.Token] = &session
	}
	return repo
}

func (f *fakeSessionRepository) Replace(_ context.Context, session domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for token, existing := range f.sessions {
		if existing.LicenseID == session.LicenseID && existing.DeviceFingerprint == session.DeviceFingerprint {
			delete(f.sessions, token)
		}
	}
	stored := session
	f.sessions[session.Token] = &stored
	return nil
}

func (f *fakeSessionRepository) GetByToken(_ context.Context, token string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[token]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copy := *session
	return &copy, nil
}

func (f *fakeSessionRepository) Extend(_ context.Context, token string, at, expiresAt time.Time, ip *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.extendErr != nil {
		return f.extendErr
	}
	session, ok := f.sessions[token]
	if !ok || !session.ExpiresAt.After(at) {
		return repository.ErrNotFound
	}
	session.LastHeartbeat = at
	session.ExpiresAt = expiresAt
	if ip != nil {
		session.IPAddress = ip
	}
	return nil
}

func (f *fakeSessionRepository) Delete(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, token)
	f.deleted = append(f.deleted, token)
	return nil
}

func (f *fakeSessionRepository) DeleteByLicense(_ context.Context, licenseID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deleted int64
	for token, session := range f.sessions {
		if session.LicenseID == licenseID {
			delete(f.sessions, token)
			deleted++
		}
	}
	return deleted, nil
}

func (f *fakeSessionRepository) DeleteByDevice(_ context.Context, licenseID, fingerprint string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deleted int64
	for token, session := range f.sessions {
		if session.LicenseID == licenseID && session.DeviceFingerprint == fingerprint {
			delete(f.sessions, token)
			deleted++
		}
	}
	return deleted, nil
}

func (f *fakeSessionRepository) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deleted int64
	for token, session := range f.sessions {
		if !session.ExpiresAt.After(cutoff) {
			delete(f.sessions, token)
			deleted++
		}
	}
	return deleted, nil
}

func (f *fakeSessionRepository) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeSessionRepository) forDevice(licenseID, fingerprint string) *domain.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, session := range f.sessions {
		if session.LicenseID == licenseID && session.DeviceFingerprint == fingerprint {
			copy := *session
			return &copy
		}
	}
	return nil
}

type fakeSecurityLog struct {
	mu     sync.Mutex
	events []domain.SecurityEvent
	err    error
}

func (f *fakeSecurityLog) Append(_ context.Context, event domain.SecurityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeSecurityLog) actions() []domain.SecurityAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	actions := make([]domain.SecurityAction, 0, len(f.events))
	for _, event := range f.events {
		actions = append(actions, event.Action)
	}
	return actions
}

func (f *fakeSecurityLog) has(action domain.SecurityAction) bool {
	for _, candidate := range f.actions() {
		if candidate == action {
			return true
		}
	}
	return false
}

func (f *fakeSecurityLog) last(action domain.SecurityAction) *domain.SecurityEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].Action == action {
			event := f.events[i]
			return &event
		}
	}
	return nil
}

type fakeEventPublisher struct {
	mu     sync.Mutex
	events []domain.SecurityEvent
	err    error
}

func (f *fakeEventPublisher) PublishSecurityEvent(_ context.Context, event domain.SecurityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

// fakeLimiter counts requests per key within a single window.
type fakeLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func (f *fakeLimiter) Allow(_ context.Context, key string, limit int, window time.Duration, _ time.Time) (domain.RateDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.RateDecision{}, f.err
	}
	if f.counts == nil {
		f.counts = make(map[string]int)
	}
	f.counts[key]++
	count := f.counts[key]
	decision := domain.RateDecision{Allowed: count <= limit, Count: count, Limit: limit}
	if !decision.Allowed {
		decision.RetryAfter = window
	}
	return decision, nil
}

type transition struct {
	from domain.HandshakeState
	to   domain.HandshakeState
}

type recordingMetrics struct {
	mu          sync.Mutex
	transitions []transition
	sweeps      map[string]int64
}

func (m *recordingMetrics) ObserveOutcome(string, string) {}

func (m *recordingMetrics) ObserveTransition(from, to domain.HandshakeState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, transition{from: from, to: to})
}

func (m *recordingMetrics) ObserveSweep(kind string, deleted int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sweeps == nil {
		m.sweeps = make(map[string]int64)
	}
	m.sweeps[kind] += deleted
}

func (m *recordingMetrics) sawTransition(from, to domain.HandshakeState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transitions {
		if t.from == from && t.to == to {
			return true
		}
	}
	return false
}

type countingSweeper struct {
	mu     sync.Mutex
	nudges int
}

func (c *countingSweeper) Nudge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nudges++
}
