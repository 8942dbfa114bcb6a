package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"whispr-auth/internal/events"
	"whispr-auth/internal/models"
)

// fakeClock drives every TTL and timestamp in the tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// The clock starts at wall time so JWT expiry validation, which always uses
// the real clock, agrees with service-side TTL checks.
func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().Truncate(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type expiringEntry struct {
	value     interface{}
	expiresAt time.Time
}

// memVerificationStore is an in-memory VerificationStore honoring TTLs
// against the fake clock.
type memVerificationStore struct {
	mu       sync.Mutex
	clock    *fakeClock
	records  map[string]expiringEntry
	counters map[string]expiringEntry
}

func newMemVerificationStore(clock *fakeClock) *memVerificationStore {
	return &memVerificationStore{
		clock:    clock,
		records:  make(map[string]expiringEntry),
		counters: make(map[string]expiringEntry),
	}
}

func (s *memVerificationStore) Put(_ context.Context, id string, record *models.VerificationRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *record
	s.records[id] = expiringEntry{value: &copied, expiresAt: s.clock.Now().Add(ttl)}
	return nil
}

func (s *memVerificationStore) Get(_ context.Context, id string) (*models.VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.records[id]
	if !ok || s.clock.Now().After(entry.expiresAt) {
		return nil, nil
	}
	copied := *entry.value.(*models.VerificationRecord)
	return &copied, nil
}

func (s *memVerificationStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *memVerificationStore) IncrementRequests(_ context.Context, phone string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	entry, ok := s.counters[phone]
	if !ok || now.After(entry.expiresAt) {
		s.counters[phone] = expiringEntry{value: int64(1), expiresAt: now.Add(window)}
		return 1, nil
	}
	count := entry.value.(int64) + 1
	entry.value = count
	s.counters[phone] = entry
	return count, nil
}

func (s *memVerificationStore) RequestCount(_ context.Context, phone string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.counters[phone]
	if !ok || s.clock.Now().After(entry.expiresAt) {
		return 0, nil
	}
	return entry.value.(int64), nil
}

// memTokenStore is an in-memory TokenStore.
type memTokenStore struct {
	mu             sync.Mutex
	clock          *fakeClock
	refresh        map[string]expiringEntry
	revokedTokens  map[string]time.Time
	revokedDevices map[string]time.Time
}

func newMemTokenStore(clock *fakeClock) *memTokenStore {
	return &memTokenStore{
		clock:          clock,
		refresh:        make(map[string]expiringEntry),
		revokedTokens:  make(map[string]time.Time),
		revokedDevices: make(map[string]time.Time),
	}
}

func (s *memTokenStore) PutRefresh(_ context.Context, tokenID string, record *models.RefreshTokenRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *record
	s.refresh[tokenID] = expiringEntry{value: &copied, expiresAt: s.clock.Now().Add(ttl)}
	return nil
}

func (s *memTokenStore) GetRefresh(_ context.Context, tokenID string) (*models.RefreshTokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.refresh[tokenID]
	if !ok || s.clock.Now().After(entry.expiresAt) {
		return nil, nil
	}
	copied := *entry.value.(*models.RefreshTokenRecord)
	return &copied, nil
}

func (s *memTokenStore) DeleteRefresh(_ context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refresh, tokenID)
	return nil
}

func (s *memTokenStore) MarkTokenRevoked(_ context.Context, tokenID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokedTokens[tokenID] = s.clock.Now().Add(ttl)
	return nil
}

func (s *memTokenStore) IsTokenRevoked(_ context.Context, tokenID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt, ok := s.revokedTokens[tokenID]
	return ok && s.clock.Now().Before(expiresAt), nil
}

func (s *memTokenStore) MarkDeviceRevoked(_ context.Context, deviceID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokedDevices[deviceID] = s.clock.Now().Add(ttl)
	return nil
}

func (s *memTokenStore) IsDeviceRevoked(_ context.Context, deviceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt, ok := s.revokedDevices[deviceID]
	return ok && s.clock.Now().Before(expiresAt), nil
}

// memChallengeStore is an in-memory ChallengeStore.
type memChallengeStore struct {
	mu         sync.Mutex
	clock      *fakeClock
	challenges map[string]expiringEntry
}

func newMemChallengeStore(clock *fakeClock) *memChallengeStore {
	return &memChallengeStore{clock: clock, challenges: make(map[string]expiringEntry)}
}

func (s *memChallengeStore) Put(_ context.Context, id string, challenge *models.QRChallenge, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *challenge
	s.challenges[id] = expiringEntry{value: &copied, expiresAt: s.clock.Now().Add(ttl)}
	return nil
}

func (s *memChallengeStore) Get(_ context.Context, id string) (*models.QRChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.challenges[id]
	if !ok || s.clock.Now().After(entry.expiresAt) {
		return nil, nil
	}
	copied := *entry.value.(*models.QRChallenge)
	return &copied, nil
}

func (s *memChallengeStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.challenges, id)
	return nil
}

// memUserStore assigns ids on save like the Scylla repository does.
type memUserStore struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func newMemUserStore() *memUserStore {
	return &memUserStore{users: make(map[string]*models.User)}
}

func (s *memUserStore) Save(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	copied := *user
	s.users[user.ID] = &copied
	return nil
}

func (s *memUserStore) FindByPhone(_ context.Context, phoneNumber string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.PhoneNumber == phoneNumber {
			copied := *u
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *memUserStore) FindByID(_ context.Context, userID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	copied := *u
	return &copied, nil
}

// memDeviceStore is an in-memory DeviceStore.
type memDeviceStore struct {
	mu      sync.Mutex
	devices map[string]*models.Device
}

func newMemDeviceStore() *memDeviceStore {
	return &memDeviceStore{devices: make(map[string]*models.Device)}
}

func (s *memDeviceStore) Save(_ context.Context, device *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *device
	s.devices[device.ID] = &copied
	return nil
}

func (s *memDeviceStore) FindByID(_ context.Context, deviceID string) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return nil, nil
	}
	copied := *d
	return &copied, nil
}

func (s *memDeviceStore) FindByIdentity(_ context.Context, userID, deviceName, deviceType string) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.UserID == userID && d.DeviceName == deviceName && d.DeviceType == deviceType {
			copied := *d
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *memDeviceStore) ListByUser(_ context.Context, userID string) ([]*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*models.Device
	for _, d := range s.devices {
		if d.UserID == userID {
			copied := *d
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastActive.After(result[j].LastActive)
	})
	return result, nil
}

func (s *memDeviceStore) Delete(_ context.Context, userID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[deviceID]; ok && d.UserID == userID {
		delete(s.devices, deviceID)
	}
	return nil
}

// memBackupCodeStore is an in-memory BackupCodeStore.
type memBackupCodeStore struct {
	mu    sync.Mutex
	codes map[string][]*models.BackupCode
}

func newMemBackupCodeStore() *memBackupCodeStore {
	return &memBackupCodeStore{codes: make(map[string][]*models.BackupCode)}
}

func (s *memBackupCodeStore) Replace(_ context.Context, userID string, codes []*models.BackupCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]*models.BackupCode, len(codes))
	for i, c := range codes {
		cc := *c
		copied[i] = &cc
	}
	s.codes[userID] = copied
	return nil
}

func (s *memBackupCodeStore) List(_ context.Context, userID string) ([]*models.BackupCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := s.codes[userID]
	result := make([]*models.BackupCode, len(codes))
	for i, c := range codes {
		cc := *c
		result[i] = &cc
	}
	return result, nil
}

func (s *memBackupCodeStore) MarkUsed(_ context.Context, userID, codeHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.codes[userID] {
		if c.CodeHash == codeHash {
			c.Used = true
		}
	}
	return nil
}

func (s *memBackupCodeStore) DeleteAll(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, userID)
	return nil
}

// captureSender records dispatched codes instead of sending SMS.
type captureSender struct {
	mu    sync.Mutex
	sends []capturedSend
}

type capturedSend struct {
	PhoneNumber string
	Code        string
	Purpose     string
}

func (s *captureSender) Send(_ context.Context, phoneNumber, code, purpose string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, capturedSend{PhoneNumber: phoneNumber, Code: code, Purpose: purpose})
	return nil
}

// capturePublisher records published security events.
type capturePublisher struct {
	mu     sync.Mutex
	events []events.SecurityEvent
}

func (p *capturePublisher) Publish(event events.SecurityEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *capturePublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, len(p.events))
	for i, e := range p.events {
		types[i] = e.Type
	}
	return types
}
