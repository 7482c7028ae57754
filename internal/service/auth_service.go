package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tomatolab/classchat/internal/config"
	"github.com/tomatolab/classchat/internal/models"
	"github.com/tomatolab/classchat/internal/quota"
	"github.com/tomatolab/classchat/internal/repository"
)

// Credentials is one login attempt as typed by the user.
type Credentials struct {
	StudentID  string `json:"student_id"`
	PIN        string `json:"pin"`
	AccessCode string `json:"access_code"`
}

// Status is what the UI shows about a session.
type Status struct {
	LoggedIn       bool            `json:"logged_in"`
	Identity       string          `json:"identity,omitempty"`
	License        models.Tier     `json:"license,omitempty"`
	ChatRemaining  quota.Remaining `json:"chat_remaining"`
	ImageRemaining quota.Remaining `json:"image_remaining"`
	ChatLimit      int             `json:"chat_limit"`
	ImageLimit     int             `json:"image_limit"`
}

type AuthService struct {
	cfg      config.Config
	log      *slog.Logger
	accounts *repository.AccountRepository
	usage    *repository.UsageRepository
}

func NewAuthService(cfg config.Config, log *slog.Logger, accounts *repository.AccountRepository, usage *repository.UsageRepository) *AuthService {
	return &AuthService{cfg: cfg, log: log, accounts: accounts, usage: usage}
}

// Login authenticates creds and, on success, moves sess into an
// authenticated state with today's usage counts. A failed attempt leaves
// sess untouched.
func (s *AuthService) Login(ctx context.Context, sess *models.Session, creds Credentials) (Status, error) {
	access := strings.TrimSpace(creds.AccessCode)

	if s.cfg.AdminPassword != "" && secretEqual(access, s.cfg.AdminPassword) {
		s.enter(ctx, sess, models.AdminIdentity, models.TierAdmin)
		s.log.Info("admin logged in")
		return s.Status(sess), nil
	}

	if s.cfg.AppPassword == "" {
		s.log.Warn("student login refused", "err", fmt.Errorf("%w: APP_PASSWORD is not set", ErrConfig))
		return Status{}, ErrInvalidPassphrase
	}
	if !secretEqual(access, s.cfg.AppPassword) {
		return Status{}, ErrInvalidPassphrase
	}

	studentID := strings.TrimSpace(creds.StudentID)
	if _, err := ParseStudentID(studentID); err != nil {
		return Status{}, err
	}

	account, err := s.accounts.FindByStudentID(ctx, studentID)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return Status{}, ErrUnknownIdentity
	}
	if err != nil {
		return Status{}, fmt.Errorf("lookup account: %w", err)
	}

	pin := strings.TrimSpace(creds.PIN)
	if !account.Provisioned() {
		account, err = s.provision(ctx, account, pin)
		if err != nil {
			return Status{}, err
		}
	} else if err := s.verify(ctx, account, pin); err != nil {
		return Status{}, err
	}

	s.enter(ctx, sess, studentID, models.TierStudent)
	s.log.Info("student logged in", "student_id", studentID)
	return s.Status(sess), nil
}

// provision stores the first PIN. When another login provisioned the
// account in the meantime the attempt is re-run as a returning login.
func (s *AuthService) provision(ctx context.Context, account *models.Account, pin string) (*models.Account, error) {
	if !ValidPIN(pin) {
		return nil, ErrInvalidPinFormat
	}
	err := s.accounts.Provision(ctx, *account, pin)
	switch {
	case err == nil:
		s.log.Info("account provisioned", "student_id", account.StudentID)
		return account, nil
	case errors.Is(err, repository.ErrTimestampWrite):
		s.log.Warn("account provisioned without timestamps", "student_id", account.StudentID, "err", err)
		return account, nil
	case errors.Is(err, repository.ErrAlreadyProvisioned):
		current, err := s.accounts.FindByStudentID(ctx, account.StudentID)
		if err != nil {
			return nil, fmt.Errorf("reload account: %w", err)
		}
		if err := s.verify(ctx, current, pin); err != nil {
			return nil, err
		}
		return current, nil
	default:
		return nil, fmt.Errorf("provision pin: %w", err)
	}
}

func (s *AuthService) verify(ctx context.Context, account *models.Account, pin string) error {
	if !secretEqual(pin, account.PIN) {
		return ErrPinMismatch
	}
	if err := s.accounts.TouchLastLogin(ctx, *account); err != nil {
		s.log.Warn("update last login failed", "student_id", account.StudentID, "err", err)
	}
	return nil
}

func (s *AuthService) enter(ctx context.Context, sess *models.Session, identity string, tier models.Tier) {
	sess.Reset()
	sess.Identity = identity
	sess.Tier = tier
	sess.LoggedIn = true
	sess.Day = s.usage.Calendar().Today()

	counts, err := s.usage.CountForDay(ctx, identity, sess.Day)
	if err != nil {
		s.log.Warn("usage count unavailable, starting from zero", "identity", identity, "err", err)
		return
	}
	sess.ChatCount = counts.Chat
	sess.ImageCount = counts.Image
}

// Logout returns the session to the anonymous state.
func (s *AuthService) Logout(sess *models.Session) {
	if sess.LoggedIn {
		s.log.Info("logged out", "identity", sess.Identity)
	}
	sess.Reset()
}

func (s *AuthService) Status(sess *models.Session) Status {
	return NewStatus(sess, quota.Limits{Chat: s.cfg.MaxChatLimit, Image: s.cfg.MaxImageLimit})
}

func NewStatus(sess *models.Session, limits quota.Limits) Status {
	if !sess.LoggedIn {
		return Status{ChatLimit: limits.Chat, ImageLimit: limits.Image}
	}
	return Status{
		LoggedIn:       true,
		Identity:       sess.Identity,
		License:        sess.Tier,
		ChatRemaining:  quota.RemainingFor(sess.Tier, quota.ActionChat, sess.ChatCount, limits.Chat),
		ImageRemaining: quota.RemainingFor(sess.Tier, quota.ActionImage, sess.ImageCount, limits.Image),
		ChatLimit:      limits.Chat,
		ImageLimit:     limits.Image,
	}
}

func secretEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
