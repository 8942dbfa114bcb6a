package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"whispr-auth/internal/models"
	"whispr-auth/internal/service"
	"whispr-auth/internal/util"
)

type contextKey string

const claimsContextKey contextKey = "accessClaims"

// AuthHandler handles HTTP requests for the authentication flows.
type AuthHandler struct {
	auth      *service.AuthService
	tokens    *service.TokenService
	devices   *service.DeviceService
	twoFactor *service.TwoFactorService
	logger    *zap.Logger
}

func NewAuthHandler(
	auth *service.AuthService,
	tokens *service.TokenService,
	devices *service.DeviceService,
	twoFactor *service.TwoFactorService,
	logger *zap.Logger,
) *AuthHandler {
	return &AuthHandler{
		auth:      auth,
		tokens:    tokens,
		devices:   devices,
		twoFactor: twoFactor,
		logger:    logger,
	}
}

// Response is the standard API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func errorResponse(err error, message string) Response {
	return Response{Success: false, Error: err.Error(), Message: message}
}

// RegisterRoutes registers the auth routes.
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/register/request", h.RequestRegistration)
		r.Post("/register/confirm", h.ConfirmRegistration)
		r.Post("/register", h.Register)
		r.Post("/login/request", h.RequestLogin)
		r.Post("/login/confirm", h.ConfirmLogin)
		r.Post("/login", h.Login)
		r.Post("/refresh", h.Refresh)
		r.Post("/qr/scan", h.ScanQRLogin)
	})

	router.Group(func(r chi.Router) {
		r.Use(h.RequireAuth)

		r.Post("/auth/logout", h.Logout)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", h.ListDevices)
			r.Get("/stats", h.DeviceStats)
			r.Post("/revoke-all", h.RevokeAllDevices)
			r.Delete("/{deviceID}", h.RevokeDevice)
			r.Patch("/{deviceID}/fcm-token", h.UpdateFCMToken)
		})

		r.Post("/qr/generate", h.GenerateQRChallenge)

		r.Route("/2fa", func(r chi.Router) {
			r.Post("/setup", h.SetupTwoFactor)
			r.Post("/enable", h.EnableTwoFactor)
			r.Post("/verify", h.VerifyTwoFactor)
			r.Post("/disable", h.DisableTwoFactor)
			r.Post("/backup-codes", h.RegenerateBackupCodes)
		})
	})
}

// RequireAuth validates the bearer access token and stashes its claims in
// the request context.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			h.respondWithError(w, http.StatusUnauthorized, service.ErrUnauthorized, "Missing bearer token")
			return
		}
		claims, err := h.tokens.ValidateToken(r.Context(), token)
		if err != nil {
			h.respondWithError(w, h.getStatusCode(err), err, "Invalid access token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *service.AccessClaims {
	claims, _ := ctx.Value(claimsContextKey).(*service.AccessClaims)
	return claims
}

type phoneRequest struct {
	PhoneNumber string `json:"phoneNumber"`
}

type confirmRequest struct {
	VerificationID string `json:"verificationId"`
	Code           string `json:"code"`
}

type registerRequest struct {
	VerificationID string `json:"verificationId"`
	Code           string `json:"code"`
	DeviceName     string `json:"deviceName"`
	DeviceType     string `json:"deviceType"`
	PublicKey      string `json:"publicKey"`
}

type loginRequest struct {
	VerificationID string `json:"verificationId"`
	Code           string `json:"code"`
	TwoFactorCode  string `json:"twoFactorCode"`
	DeviceName     string `json:"deviceName"`
	DeviceType     string `json:"deviceType"`
	PublicKey      string `json:"publicKey"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type scanRequest struct {
	ChallengeToken        string `json:"challengeToken"`
	AuthenticatedDeviceID string `json:"authenticatedDeviceId"`
	DeviceName            string `json:"deviceName"`
	DeviceType            string `json:"deviceType"`
}

type codeRequest struct {
	Code string `json:"code"`
}

func (h *AuthHandler) RequestRegistration(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	result, err := h.auth.RequestRegistrationVerification(r.Context(), req.PhoneNumber)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to request verification")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Verification code sent"))
}

func (h *AuthHandler) ConfirmRegistration(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if err := h.auth.ConfirmRegistrationVerification(r.Context(), req.VerificationID, req.Code); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Verification failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Phone number verified"))
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	device := service.DeviceInfo{Name: req.DeviceName, Type: req.DeviceType, PublicKey: req.PublicKey}
	result, err := h.auth.Register(r.Context(), req.VerificationID, req.Code, device, deviceFingerprint(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Registration failed")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(result, "User registered"))
}

func (h *AuthHandler) RequestLogin(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	result, err := h.auth.RequestLoginVerification(r.Context(), req.PhoneNumber)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to request verification")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Verification code sent"))
}

func (h *AuthHandler) ConfirmLogin(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	requires2FA, err := h.auth.ConfirmLoginVerification(r.Context(), req.VerificationID, req.Code)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Verification failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{"requiresTwoFactor": requires2FA}, "Phone number verified"))
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	device := service.DeviceInfo{Name: req.DeviceName, Type: req.DeviceType, PublicKey: req.PublicKey}
	result, err := h.auth.Login(r.Context(), req.VerificationID, req.Code, req.TwoFactorCode, device, deviceFingerprint(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Login failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Logged in"))
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	pair, err := h.auth.RefreshToken(r.Context(), req.RefreshToken, deviceFingerprint(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Token refresh failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(pair, "Tokens refreshed"))
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if err := h.auth.Logout(r.Context(), claims.Subject, claims.DeviceID); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Logout failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out"))
}

func (h *AuthHandler) ScanQRLogin(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	device := service.DeviceInfo{Name: req.DeviceName, Type: req.DeviceType}
	result, err := h.auth.ScanLogin(r.Context(), req.ChallengeToken, req.AuthenticatedDeviceID, device, deviceFingerprint(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "QR login failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Logged in"))
}

func (h *AuthHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	devices, err := h.auth.GetUserDevices(r.Context(), claims.Subject)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to list devices")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(devices, "Devices retrieved"))
}

func (h *AuthHandler) DeviceStats(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	stats, err := h.devices.GetDeviceStats(r.Context(), claims.Subject)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get device stats")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(stats, "Device stats retrieved"))
}

func (h *AuthHandler) RevokeDevice(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	deviceID := chi.URLParam(r, "deviceID")
	if err := h.auth.RevokeDevice(r.Context(), claims.Subject, deviceID); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to revoke device")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Device revoked"))
}

func (h *AuthHandler) RevokeAllDevices(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	var req struct {
		KeepCurrent bool `json:"keepCurrent"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
			return
		}
	}
	keep := ""
	if req.KeepCurrent {
		keep = claims.DeviceID
	}
	revoked, err := h.auth.RevokeAllDevices(r.Context(), claims.Subject, keep)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to revoke devices")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]int{"revoked": revoked}, "Devices revoked"))
}

func (h *AuthHandler) UpdateFCMToken(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	deviceID := chi.URLParam(r, "deviceID")
	var req struct {
		FCMToken string `json:"fcmToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if err := h.devices.UpdateFCMToken(r.Context(), claims.Subject, deviceID, req.FCMToken); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to update FCM token")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "FCM token updated"))
}

func (h *AuthHandler) GenerateQRChallenge(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	var req struct {
		DeviceID  string `json:"deviceId"`
		PublicKey string `json:"publicKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	token, err := h.devices.GenerateQRChallenge(r.Context(), claims.Subject, req.DeviceID, req.PublicKey)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to generate challenge")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{"challengeToken": token}, "Challenge generated"))
}

func (h *AuthHandler) SetupTwoFactor(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	setup, err := h.twoFactor.Setup(r.Context(), claims.Subject)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to set up two-factor")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(setup, "Two-factor setup created"))
}

func (h *AuthHandler) EnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	var req struct {
		Secret string `json:"secret"`
		Code   string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if err := h.twoFactor.Enable(r.Context(), claims.Subject, req.Secret, req.Code); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to enable two-factor")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Two-factor enabled"))
}

func (h *AuthHandler) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	var req codeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if err := h.twoFactor.Verify(r.Context(), claims.Subject, req.Code); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Two-factor verification failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Code verified"))
}

func (h *AuthHandler) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	var req codeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if err := h.twoFactor.Disable(r.Context(), claims.Subject, req.Code); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to disable two-factor")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Two-factor disabled"))
}

func (h *AuthHandler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	var req codeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	codes, err := h.twoFactor.RegenerateBackupCodes(r.Context(), claims.Subject, req.Code)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to regenerate backup codes")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string][]string{"backupCodes": codes}, "Backup codes regenerated"))
}

// deviceFingerprint builds the fingerprint inputs from request metadata. The
// client echoes its registration timestamp so the hash stays stable across
// requests from the same device.
func deviceFingerprint(r *http.Request) *models.DeviceFingerprint {
	timestamp, _ := strconv.ParseInt(r.Header.Get("X-Client-Timestamp"), 10, 64)
	return &models.DeviceFingerprint{
		UserAgent:  r.UserAgent(),
		IPAddress:  r.RemoteAddr,
		DeviceType: r.Header.Get("X-Device-Type"),
		Timestamp:  timestamp,
	}
}

func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *AuthHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode maps service errors to HTTP status codes.
func (h *AuthHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidPhoneNumber),
		errors.Is(err, service.ErrInvalidPurpose),
		errors.Is(err, service.ErrInvalidCode),
		errors.Is(err, service.ErrInvalidTwoFactorCode),
		errors.Is(err, service.ErrTwoFactorNotConfigured):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrVerificationNotFound),
		errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrUserExists),
		errors.Is(err, service.ErrTwoFactorAlreadyEnabled):
		return http.StatusConflict
	case errors.Is(err, service.ErrRateLimited),
		errors.Is(err, service.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrUnauthorized),
		errors.Is(err, service.ErrTokenRevoked),
		errors.Is(err, service.ErrInvalidChallenge),
		errors.Is(err, service.ErrTwoFactorRequired):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrFingerprintMismatch),
		errors.Is(err, service.ErrChallengeForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrChallengeExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
