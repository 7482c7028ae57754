package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tomatolab/classchat/internal/models"
	"github.com/tomatolab/classchat/internal/store"
)

const (
	ColumnStudentID = "student_id"
	ColumnPIN       = "pin"
	ColumnCreatedAt = "created_at"
	ColumnLastLogin = "last_login"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountExists      = errors.New("account already exists")
	ErrAlreadyProvisioned = errors.New("account already provisioned")
	// ErrTimestampWrite reports that the PIN was stored but a bookkeeping
	// timestamp could not be written.
	ErrTimestampWrite = errors.New("write account timestamp")
)

// AccountRepository is the identity directory backed by the roster sheet.
// Lookups scan every row; rosters are class sized.
type AccountRepository struct {
	backend  store.Backend
	sheet    string
	calendar Calendar
}

func NewAccountRepository(backend store.Backend, sheet string, calendar Calendar) *AccountRepository {
	return &AccountRepository{backend: backend, sheet: sheet, calendar: calendar}
}

func (r *AccountRepository) load(ctx context.Context) (store.Sheet, []string, []store.Record, error) {
	sheet, err := r.backend.Open(ctx, r.sheet)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open roster: %w", err)
	}
	values, err := sheet.Values(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read roster: %w", err)
	}
	header, records := store.Records(values)
	if store.ColumnIndex(header, ColumnStudentID) == 0 {
		return nil, nil, nil, fmt.Errorf("roster %s: %w: %s", r.sheet, store.ErrColumnMissing, ColumnStudentID)
	}
	return sheet, header, records, nil
}

func (r *AccountRepository) FindByStudentID(ctx context.Context, studentID string) (*models.Account, error) {
	_, _, records, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	studentID = strings.TrimSpace(studentID)
	for _, rec := range records {
		if rec.Get(ColumnStudentID) == studentID {
			account := toAccount(rec)
			return &account, nil
		}
	}
	return nil, ErrAccountNotFound
}

func (r *AccountRepository) List(ctx context.Context) ([]models.Account, error) {
	_, _, records, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	accounts := make([]models.Account, 0, len(records))
	for _, rec := range records {
		if rec.Get(ColumnStudentID) == "" {
			continue
		}
		accounts = append(accounts, toAccount(rec))
	}
	return accounts, nil
}

// Create seeds a roster row with an empty PIN.
func (r *AccountRepository) Create(ctx context.Context, studentID string) (*models.Account, error) {
	sheet, header, records, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.Get(ColumnStudentID) == studentID {
			return nil, ErrAccountExists
		}
	}
	row := make([]string, len(header))
	row[store.ColumnIndex(header, ColumnStudentID)-1] = studentID
	if err := sheet.AppendRow(ctx, row); err != nil {
		return nil, fmt.Errorf("append account: %w", err)
	}
	return &models.Account{StudentID: studentID}, nil
}

// Provision stores the first PIN of an account. The write only happens if
// the PIN cell is still empty; otherwise ErrAlreadyProvisioned is returned.
func (r *AccountRepository) Provision(ctx context.Context, account models.Account, pin string) error {
	sheet, header, _, err := r.load(ctx)
	if err != nil {
		return err
	}
	pinCol := store.ColumnIndex(header, ColumnPIN)
	if pinCol == 0 {
		return fmt.Errorf("roster %s: %w: %s", r.sheet, store.ErrColumnMissing, ColumnPIN)
	}
	swapped, err := store.CompareAndSwap(ctx, sheet, account.Row, pinCol, "", pin)
	if err != nil {
		return fmt.Errorf("write pin: %w", err)
	}
	if !swapped {
		return ErrAlreadyProvisioned
	}

	now := r.calendar.Stamp(r.calendar.Current())
	var errs []error
	for _, col := range []string{ColumnCreatedAt, ColumnLastLogin} {
		idx := store.ColumnIndex(header, col)
		if idx == 0 {
			continue
		}
		if err := sheet.UpdateCell(ctx, account.Row, idx, now); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", col, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrTimestampWrite, errors.Join(errs...))
	}
	return nil
}

// TouchLastLogin records a successful login. Rosters without a last_login
// column are left alone.
func (r *AccountRepository) TouchLastLogin(ctx context.Context, account models.Account) error {
	sheet, header, _, err := r.load(ctx)
	if err != nil {
		return err
	}
	col := store.ColumnIndex(header, ColumnLastLogin)
	if col == 0 {
		return nil
	}
	if err := sheet.UpdateCell(ctx, account.Row, col, r.calendar.Stamp(r.calendar.Current())); err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

// ClearPIN empties the PIN so the next login provisions a new one.
func (r *AccountRepository) ClearPIN(ctx context.Context, account models.Account) error {
	sheet, header, _, err := r.load(ctx)
	if err != nil {
		return err
	}
	col := store.ColumnIndex(header, ColumnPIN)
	if col == 0 {
		return fmt.Errorf("roster %s: %w: %s", r.sheet, store.ErrColumnMissing, ColumnPIN)
	}
	if err := sheet.UpdateCell(ctx, account.Row, col, ""); err != nil {
		return fmt.Errorf("clear pin: %w", err)
	}
	return nil
}

func toAccount(rec store.Record) models.Account {
	return models.Account{
		Row:       rec.Row,
		StudentID: rec.Get(ColumnStudentID),
		PIN:       NormalizePIN(rec.Get(ColumnPIN)),
		CreatedAt: rec.Get(ColumnCreatedAt),
		LastLogin: rec.Get(ColumnLastLogin),
	}
}

// NormalizePIN restores leading zeros lost when a spreadsheet stored the
// PIN as a number.
func NormalizePIN(pin string) string {
	pin = strings.TrimSpace(pin)
	if pin == "" || len(pin) >= 4 {
		return pin
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return pin
		}
	}
	return strings.Repeat("0", 4-len(pin)) + pin
}
