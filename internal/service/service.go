// Package service contains the consent and ingestion application services.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/medconsent/internal/errs"
)

// passthrough are domain outcomes reported by repositories that callers act on directly.
var passthrough = []error{
	errs.ErrNotFound,
	errs.ErrNotOwner,
	errs.ErrConflict,
	errs.ErrVersionConflict,
	errs.ErrAlreadyExists,
	context.Canceled,
	context.DeadlineExceeded,
}

// storageErr wraps a repository error. Anything that is not a domain outcome
// means the persistence layer is unavailable and becomes errs.ErrStorageFailure.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, e := range passthrough {
		if errors.Is(err, e) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return fmt.Errorf("%s: %w: %v", op, errs.ErrStorageFailure, err)
}
