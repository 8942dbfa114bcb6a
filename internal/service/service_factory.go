package service

import (
	"whispr-auth/internal/config"
	"whispr-auth/internal/encryption"
	"whispr-auth/internal/signing"
	"whispr-auth/internal/sms"
)

// ServiceFactory lazily constructs the services over their shared
// collaborators. Not safe for concurrent first use; build the services during
// startup.
type ServiceFactory struct {
	config        *config.Config
	signer        *signing.Signer
	crypto        *encryption.Manager
	sender        sms.Sender
	publisher     EventPublisher
	verifications VerificationStore
	tokens        TokenStore
	challenges    ChallengeStore
	users         UserStore
	devices       DeviceStore
	backupCodes   BackupCodeStore

	verificationService *VerificationService
	tokenService        *TokenService
	deviceService       *DeviceService
	twoFactorService    *TwoFactorService
	authService         *AuthService
}

func NewServiceFactory(
	cfg *config.Config,
	signer *signing.Signer,
	crypto *encryption.Manager,
	sender sms.Sender,
	publisher EventPublisher,
	verifications VerificationStore,
	tokens TokenStore,
	challenges ChallengeStore,
	users UserStore,
	devices DeviceStore,
	backupCodes BackupCodeStore,
) *ServiceFactory {
	return &ServiceFactory{
		config:        cfg,
		signer:        signer,
		crypto:        crypto,
		sender:        sender,
		publisher:     publisher,
		verifications: verifications,
		tokens:        tokens,
		challenges:    challenges,
		users:         users,
		devices:       devices,
		backupCodes:   backupCodes,
	}
}

func (f *ServiceFactory) VerificationService() *VerificationService {
	if f.verificationService == nil {
		f.verificationService = NewVerificationService(f.verifications, f.sender, &f.config.Auth, f.config.Auth.DemoMode && !f.config.IsProduction())
	}
	return f.verificationService
}

func (f *ServiceFactory) TokenService() *TokenService {
	if f.tokenService == nil {
		f.tokenService = NewTokenService(f.signer, f.tokens, &f.config.Auth)
	}
	return f.tokenService
}

func (f *ServiceFactory) DeviceService() *DeviceService {
	if f.deviceService == nil {
		f.deviceService = NewDeviceService(f.devices, f.challenges, f.signer, &f.config.Auth)
	}
	return f.deviceService
}

func (f *ServiceFactory) TwoFactorService() *TwoFactorService {
	if f.twoFactorService == nil {
		f.twoFactorService = NewTwoFactorService(f.users, f.backupCodes, f.crypto, &f.config.Auth, f.publisher)
	}
	return f.twoFactorService
}

func (f *ServiceFactory) AuthService() *AuthService {
	if f.authService == nil {
		f.authService = NewAuthService(
			f.VerificationService(),
			f.TokenService(),
			f.DeviceService(),
			f.TwoFactorService(),
			f.users,
			f.publisher,
		)
	}
	return f.authService
}
