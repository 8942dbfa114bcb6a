package handler

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"whispr-auth/internal/config"
	"whispr-auth/internal/encryption"
	"whispr-auth/internal/models"
	"whispr-auth/internal/service"
	"whispr-auth/internal/signing"
	"whispr-auth/internal/sms"
)

// mapStores is a minimal in-memory implementation of every store interface,
// enough to drive the handlers end to end. TTLs are ignored: nothing expires
// within a test run.
type mapStores struct {
	records   map[string]*models.VerificationRecord
	counters  map[string]int64
	refresh   map[string]*models.RefreshTokenRecord
	revoked   map[string]bool
	revokedDv map[string]bool
	chals     map[string]*models.QRChallenge
	users     map[string]*models.User
	devices   map[string]*models.Device
	backup    map[string][]*models.BackupCode
}

func newMapStores() *mapStores {
	return &mapStores{
		records:   make(map[string]*models.VerificationRecord),
		counters:  make(map[string]int64),
		refresh:   make(map[string]*models.RefreshTokenRecord),
		revoked:   make(map[string]bool),
		revokedDv: make(map[string]bool),
		chals:     make(map[string]*models.QRChallenge),
		users:     make(map[string]*models.User),
		devices:   make(map[string]*models.Device),
		backup:    make(map[string][]*models.BackupCode),
	}
}

func (s *mapStores) Put(_ context.Context, id string, r *models.VerificationRecord, _ time.Duration) error {
	s.records[id] = r
	return nil
}
func (s *mapStores) Get(_ context.Context, id string) (*models.VerificationRecord, error) {
	return s.records[id], nil
}
func (s *mapStores) Delete(_ context.Context, id string) error {
	delete(s.records, id)
	return nil
}
func (s *mapStores) IncrementRequests(_ context.Context, phone string, _ time.Duration) (int64, error) {
	s.counters[phone]++
	return s.counters[phone], nil
}
func (s *mapStores) RequestCount(_ context.Context, phone string) (int64, error) {
	return s.counters[phone], nil
}

func (s *mapStores) PutRefresh(_ context.Context, id string, r *models.RefreshTokenRecord, _ time.Duration) error {
	s.refresh[id] = r
	return nil
}
func (s *mapStores) GetRefresh(_ context.Context, id string) (*models.RefreshTokenRecord, error) {
	return s.refresh[id], nil
}
func (s *mapStores) DeleteRefresh(_ context.Context, id string) error {
	delete(s.refresh, id)
	return nil
}
func (s *mapStores) MarkTokenRevoked(_ context.Context, id string, _ time.Duration) error {
	s.revoked[id] = true
	return nil
}
func (s *mapStores) IsTokenRevoked(_ context.Context, id string) (bool, error) {
	return s.revoked[id], nil
}
func (s *mapStores) MarkDeviceRevoked(_ context.Context, id string, _ time.Duration) error {
	s.revokedDv[id] = true
	return nil
}
func (s *mapStores) IsDeviceRevoked(_ context.Context, id string) (bool, error) {
	return s.revokedDv[id], nil
}

type chalStore struct{ s *mapStores }

func (c chalStore) Put(_ context.Context, id string, ch *models.QRChallenge, _ time.Duration) error {
	c.s.chals[id] = ch
	return nil
}
func (c chalStore) Get(_ context.Context, id string) (*models.QRChallenge, error) {
	return c.s.chals[id], nil
}
func (c chalStore) Delete(_ context.Context, id string) error {
	delete(c.s.chals, id)
	return nil
}

type userStore struct{ s *mapStores }

func (u userStore) Save(_ context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = fmt.Sprintf("user-%d", len(u.s.users)+1)
	}
	u.s.users[user.ID] = user
	return nil
}
func (u userStore) FindByPhone(_ context.Context, phone string) (*models.User, error) {
	for _, usr := range u.s.users {
		if usr.PhoneNumber == phone {
			return usr, nil
		}
	}
	return nil, nil
}
func (u userStore) FindByID(_ context.Context, id string) (*models.User, error) {
	return u.s.users[id], nil
}

type deviceStore struct{ s *mapStores }

func (d deviceStore) Save(_ context.Context, device *models.Device) error {
	d.s.devices[device.ID] = device
	return nil
}
func (d deviceStore) FindByID(_ context.Context, id string) (*models.Device, error) {
	return d.s.devices[id], nil
}
func (d deviceStore) FindByIdentity(_ context.Context, userID, name, typ string) (*models.Device, error) {
	for _, dev := range d.s.devices {
		if dev.UserID == userID && dev.DeviceName == name && dev.DeviceType == typ {
			return dev, nil
		}
	}
	return nil, nil
}
func (d deviceStore) ListByUser(_ context.Context, userID string) ([]*models.Device, error) {
	var out []*models.Device
	for _, dev := range d.s.devices {
		if dev.UserID == userID {
			out = append(out, dev)
		}
	}
	return out, nil
}
func (d deviceStore) Delete(_ context.Context, userID, id string) error {
	delete(d.s.devices, id)
	return nil
}

type backupStore struct{ s *mapStores }

func (b backupStore) Replace(_ context.Context, userID string, codes []*models.BackupCode) error {
	b.s.backup[userID] = codes
	return nil
}
func (b backupStore) List(_ context.Context, userID string) ([]*models.BackupCode, error) {
	return b.s.backup[userID], nil
}
func (b backupStore) MarkUsed(_ context.Context, userID, hash string) error {
	for _, c := range b.s.backup[userID] {
		if c.CodeHash == hash {
			c.Used = true
		}
	}
	return nil
}
func (b backupStore) DeleteAll(_ context.Context, userID string) error {
	delete(b.s.backup, userID)
	return nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	cfg := &config.Config{
		Environment: "development",
		Auth: config.AuthConfig{
			VerificationTTL:      15 * time.Minute,
			MaxVerifyAttempts:    5,
			RateLimitWindow:      time.Hour,
			MaxRequestsPerWindow: 5,
			BcryptCost:           4,
			AccessTokenTTL:       time.Hour,
			RefreshTokenTTL:      30 * 24 * time.Hour,
			QRChallengeTTL:       5 * time.Minute,
			TOTPIssuer:           "Whispr",
			BackupCodeCount:      10,
			DemoMode:             true,
		},
	}

	stores := newMapStores()
	logger := zap.NewNop()
	services := service.NewServiceFactory(
		cfg,
		signing.NewSignerFromKey(key),
		encryption.NewManager(cfg, nil),
		sms.NewLogSender(logger),
		service.NopPublisher{},
		stores,
		stores,
		chalStore{stores},
		userStore{stores},
		deviceStore{stores},
		backupStore{stores},
	)

	authHandler := NewAuthHandler(
		services.AuthService(),
		services.TokenService(),
		services.DeviceService(),
		services.TwoFactorService(),
		logger,
	)
	server := httptest.NewServer(NewRouter(authHandler, logger))
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, url string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t)

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegisterAndListDevicesOverHTTP(t *testing.T) {
	server := newTestServer(t)

	resp, body := postJSON(t, server.URL+"/api/v1/auth/register/request",
		map[string]string{"phoneNumber": "+14155552671"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]interface{})
	verificationID := data["verificationId"].(string)
	code := data["code"].(string)
	require.Len(t, code, 6)

	resp, body = postJSON(t, server.URL+"/api/v1/auth/register", map[string]string{
		"verificationId": verificationID,
		"code":           code,
		"deviceName":     "Pixel 9",
		"deviceType":     "android",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	data = body["data"].(map[string]interface{})
	tokens := data["tokens"].(map[string]interface{})
	accessToken := tokens["accessToken"].(string)
	require.NotEmpty(t, accessToken)

	req, err := http.NewRequest(http.MethodGet, server.URL+"/api/v1/devices/", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	listResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer listResp.Body.Close()
	assert.Equal(t, http.StatusOK, listResp.StatusCode)

	var listBody map[string]interface{}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&listBody))
	devices := listBody["data"].([]interface{})
	assert.Len(t, devices, 1)
}

func TestProtectedRoutesRejectMissingToken(t *testing.T) {
	server := newTestServer(t)

	resp, err := http.Get(server.URL + "/api/v1/devices/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStatusCodeMapping(t *testing.T) {
	server := newTestServer(t)

	// Unknown user on login request.
	resp, _ := postJSON(t, server.URL+"/api/v1/auth/login/request",
		map[string]string{"phoneNumber": "+14155552671"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Invalid phone number.
	resp, _ = postJSON(t, server.URL+"/api/v1/auth/register/request",
		map[string]string{"phoneNumber": "bogus"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Garbage refresh token.
	resp, _ = postJSON(t, server.URL+"/api/v1/auth/refresh",
		map[string]string{"refreshToken": "garbage"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRegisterConflictOverHTTP(t *testing.T) {
	server := newTestServer(t)

	resp, body := postJSON(t, server.URL+"/api/v1/auth/register/request",
		map[string]string{"phoneNumber": "+14155552671"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]interface{})

	resp, _ = postJSON(t, server.URL+"/api/v1/auth/register", map[string]string{
		"verificationId": data["verificationId"].(string),
		"code":           data["code"].(string),
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = postJSON(t, server.URL+"/api/v1/auth/register/request",
		map[string]string{"phoneNumber": "+14155552671"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
