// Package identity resolves accounts by email or id and issues the bearer
// tokens that name the acting account.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"familynet/backend/internal/constants"
	"familynet/backend/internal/docstore"
	apperrors "familynet/backend/pkg/errors"
	"familynet/backend/pkg/logger"
)

// Account is the identity view the family network needs
type Account struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Admin bool   `json:"admin,omitempty"`
}

// Resolver looks up an account by email or account id
type Resolver interface {
	Resolve(ctx context.Context, emailOrID string) (*Account, error)
}

// emailEntry maps a lowercased email to its account
type emailEntry struct {
	AccountID string `json:"account_id"`
}

// Directory is a Resolver backed by the document store
type Directory struct {
	store  docstore.Store
	logger *zap.Logger
}

// NewDirectory creates a new account directory
func NewDirectory(store docstore.Store) *Directory {
	return &Directory{
		store:  store,
		logger: logger.Named("directory"),
	}
}

// NormalizeEmail lowercases and trims an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates or updates an account. An email already owned by a
// different account is rejected.
func (d *Directory) Register(ctx context.Context, acc Account) error {
	acc.Email = NormalizeEmail(acc.Email)
	if acc.ID == "" || acc.Email == "" {
		return apperrors.NewMissingFields("id", "email")
	}

	errTaken := fmt.Errorf("email %s belongs to another account", acc.Email)
	err := d.store.Update(ctx, constants.CollectionAccountEmails, acc.Email, func(cur []byte, exists bool) ([]byte, error) {
		if exists {
			var entry emailEntry
			if err := json.Unmarshal(cur, &entry); err == nil && entry.AccountID != acc.ID {
				return nil, errTaken
			}
			return nil, docstore.ErrNoChange
		}
		return json.Marshal(emailEntry{AccountID: acc.ID})
	})
	if errors.Is(err, errTaken) {
		return errTaken
	}
	if err != nil {
		return apperrors.NewStoreUnavailable("register email", err)
	}

	err = d.store.Update(ctx, constants.CollectionAccounts, acc.ID, func([]byte, bool) ([]byte, error) {
		return json.Marshal(acc)
	})
	if err != nil {
		return apperrors.NewStoreUnavailable("register account", err)
	}

	d.logger.Info("Account registered",
		zap.String("account_id", acc.ID),
		zap.String("email", acc.Email),
	)
	return nil
}

// Resolve finds an account by email (anything containing "@") or by id
func (d *Directory) Resolve(ctx context.Context, emailOrID string) (*Account, error) {
	ref := strings.TrimSpace(emailOrID)
	if ref == "" {
		return nil, apperrors.NewNotFound("account", emailOrID)
	}

	id := ref
	if strings.Contains(ref, "@") {
		doc, err := d.store.Get(ctx, constants.CollectionAccountEmails, NormalizeEmail(ref))
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, apperrors.NewNotFound("account", ref)
		}
		if err != nil {
			return nil, apperrors.NewStoreUnavailable("resolve email", err)
		}
		var entry emailEntry
		if err := json.Unmarshal(doc.Body, &entry); err != nil {
			return nil, fmt.Errorf("failed to decode email entry: %w", err)
		}
		id = entry.AccountID
	}

	doc, err := d.store.Get(ctx, constants.CollectionAccounts, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, apperrors.NewNotFound("account", ref)
	}
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("resolve account", err)
	}

	var acc Account
	if err := json.Unmarshal(doc.Body, &acc); err != nil {
		return nil, fmt.Errorf("failed to decode account: %w", err)
	}
	return &acc, nil
}
