// Package repository maps domain records onto document store collections.
package repository

import (
	"encoding/json"
	"errors"
	"fmt"

	"familynet/backend/internal/docstore"
	apperrors "familynet/backend/pkg/errors"
)

// storeErr classifies an error returned by a docstore call. fnErr is the
// error the caller's update function produced, if any; it passes through
// untouched so domain errors keep their type.
func storeErr(op string, err, fnErr error) error {
	if err == nil {
		return nil
	}
	if fnErr != nil && errors.Is(err, fnErr) {
		return fnErr
	}
	if errors.Is(err, docstore.ErrNotFound) {
		return err
	}
	return apperrors.NewStoreUnavailable(op, err)
}

func decode(body []byte, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}
