package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"idplane.org/internal/audit"
	"idplane.org/internal/event"
	"idplane.org/internal/notify"
	"idplane.org/internal/session"
)

const (
	totpIssuer      = "idplane"
	totpSkew        = 2
	backupCodeCount = 8
	backupCodeBytes = 5
)

// SetupMFA generates a TOTP secret, provisioning URI and one-time backup
// codes, and moves the account to pending-setup. Calling it again before
// enabling replaces the pending secret.
func (s *Service) SetupMFA(ctx context.Context, userID string) (*MFASetup, error) {
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.MFAStatus == MFAEnabled {
		return nil, fmt.Errorf("%w: mfa already enabled", ErrConflict)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: u.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}

	codes, hashes, err := generateBackupCodes()
	if err != nil {
		return nil, err
	}

	u.MFASecret = key.Secret()
	u.BackupCodes = hashes
	u.MFAStatus = MFAPending
	u.UpdatedAt = s.now()
	if err := s.users.Update(ctx, u); err != nil {
		return nil, err
	}

	audit.Emit(ctx, s.rec, audit.Event{
		ActorID: u.ID, Action: "auth.mfa_setup", Resource: "user", ResourceID: u.ID,
		Success: true,
	})
	return &MFASetup{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		BackupCodes:     codes,
	}, nil
}

// EnableMFA verifies a TOTP code against the pending secret and transitions
// to enabled. Backup codes do not count here: enabling proves the
// authenticator works.
func (s *Service) EnableMFA(ctx context.Context, userID, code string) error {
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if u.MFAStatus != MFAPending {
		return fmt.Errorf("%w: mfa setup has not been started", ErrConflict)
	}
	if !s.validTOTP(u.MFASecret, code) {
		return fmt.Errorf("%w: invalid totp code", ErrUnauthorized)
	}
	u.MFAStatus = MFAEnabled
	u.UpdatedAt = s.now()
	if err := s.users.Update(ctx, u); err != nil {
		return err
	}
	s.bus.Publish(event.Event{Type: event.TypeMFAEnabled, SubjectID: u.ID})
	notify.Send(ctx, s.notifier, u.ID, notify.EventMFAStateChanged, map[string]any{"status": MFAEnabled})
	audit.Emit(ctx, s.rec, audit.Event{
		ActorID: u.ID, Action: "auth.mfa_enable", Resource: "user", ResourceID: u.ID,
		Success: true,
	})
	return nil
}

// DisableMFA verifies a TOTP or consumes a backup code, clears the secret
// and codes, and revokes every active session to force re-authentication.
func (s *Service) DisableMFA(ctx context.Context, userID, code string) error {
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if u.MFAStatus != MFAEnabled {
		return fmt.Errorf("%w: mfa is not enabled", ErrConflict)
	}
	ok, err := s.verifyMFACode(ctx, u, code)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: invalid mfa code", ErrUnauthorized)
	}
	u.MFAStatus = MFADisabled
	u.MFASecret = ""
	u.BackupCodes = nil
	u.UpdatedAt = s.now()
	if err := s.users.Update(ctx, u); err != nil {
		return err
	}
	if _, err := s.sessions.RevokeAll(ctx, u.ID, "", session.ReasonMFADisabled, u.ID); err != nil {
		return err
	}
	s.bus.Publish(event.Event{Type: event.TypeMFADisabled, SubjectID: u.ID})
	notify.Send(ctx, s.notifier, u.ID, notify.EventMFAStateChanged, map[string]any{"status": MFADisabled})
	audit.Emit(ctx, s.rec, audit.Event{
		ActorID: u.ID, Action: "auth.mfa_disable", Resource: "user", ResourceID: u.ID,
		Success: true,
	})
	return nil
}

// verifyMFACode accepts a TOTP code or consumes one backup code. Consuming a
// backup code persists the shrunken list before reporting success.
func (s *Service) verifyMFACode(ctx context.Context, u *User, code string) (bool, error) {
	if s.validTOTP(u.MFASecret, code) {
		return true, nil
	}
	for i, hash := range u.BackupCodes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil {
			u.BackupCodes = append(u.BackupCodes[:i], u.BackupCodes[i+1:]...)
			u.UpdatedAt = s.now()
			if err := s.users.Update(ctx, u); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) validTOTP(secret, code string) bool {
	if secret == "" || code == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, s.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func generateBackupCodes() ([]string, []string, error) {
	codes := make([]string, 0, backupCodeCount)
	hashes := make([]string, 0, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		buf := make([]byte, backupCodeBytes)
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, fmt.Errorf("generate backup code: %w", err)
		}
		code := hex.EncodeToString(buf)
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			return nil, nil, fmt.Errorf("hash backup code: %w", err)
		}
		codes = append(codes, code)
		hashes = append(hashes, string(hash))
	}
	return codes, hashes, nil
}
