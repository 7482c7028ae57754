package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tomatolab/classchat/internal/models"
	"github.com/tomatolab/classchat/internal/repository"
)

// AccountView is a roster entry without its PIN.
type AccountView struct {
	StudentID   string `json:"student_id"`
	Provisioned bool   `json:"provisioned"`
	CreatedAt   string `json:"created_at,omitempty"`
	LastLogin   string `json:"last_login,omitempty"`
}

type UsageReport struct {
	Date    string                     `json:"date"`
	Entries []repository.IdentityUsage `json:"entries"`
	Total   repository.UsageCounts     `json:"total"`
}

// RosterService is the administrator's view of the roster and the ledger.
type RosterService struct {
	log      *slog.Logger
	accounts *repository.AccountRepository
	usage    *repository.UsageRepository
}

func NewRosterService(log *slog.Logger, accounts *repository.AccountRepository, usage *repository.UsageRepository) *RosterService {
	return &RosterService{log: log, accounts: accounts, usage: usage}
}

func (s *RosterService) List(ctx context.Context) ([]AccountView, error) {
	accounts, err := s.accounts.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	out := make([]AccountView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, toView(a))
	}
	return out, nil
}

// Add seeds an account with an empty PIN. The student picks the PIN at the
// first login.
func (s *RosterService) Add(ctx context.Context, studentID string) (AccountView, error) {
	studentID = strings.TrimSpace(studentID)
	if _, err := ParseStudentID(studentID); err != nil {
		return AccountView{}, err
	}
	account, err := s.accounts.Create(ctx, studentID)
	if err != nil {
		return AccountView{}, err
	}
	s.log.Info("account added", "student_id", studentID)
	return toView(*account), nil
}

// ResetPIN clears the PIN so the next login provisions a new one.
func (s *RosterService) ResetPIN(ctx context.Context, studentID string) error {
	studentID = strings.TrimSpace(studentID)
	account, err := s.accounts.FindByStudentID(ctx, studentID)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return ErrUnknownIdentity
	}
	if err != nil {
		return fmt.Errorf("lookup account: %w", err)
	}
	if err := s.accounts.ClearPIN(ctx, *account); err != nil {
		return err
	}
	s.log.Info("pin reset", "student_id", studentID)
	return nil
}

// UsageReport aggregates the ledger for date (YYYY-MM-DD, empty for today).
func (s *RosterService) UsageReport(ctx context.Context, date string) (UsageReport, error) {
	cal := s.usage.Calendar()
	day := cal.Today()
	if date = strings.TrimSpace(date); date != "" {
		parsed, err := cal.ParseDate(date)
		if err != nil {
			return UsageReport{}, fmt.Errorf("%w: %q", ErrInvalidDate, date)
		}
		day = parsed
	}
	entries, err := s.usage.Summary(ctx, day)
	if err != nil {
		return UsageReport{}, fmt.Errorf("usage summary: %w", err)
	}
	report := UsageReport{Date: day.Format("2006-01-02"), Entries: entries}
	for _, e := range entries {
		report.Total.Chat += e.Chat
		report.Total.Image += e.Image
	}
	return report, nil
}

func toView(a models.Account) AccountView {
	return AccountView{
		StudentID:   a.StudentID,
		Provisioned: a.Provisioned(),
		CreatedAt:   a.CreatedAt,
		LastLogin:   a.LastLogin,
	}
}
