package warehouse

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/lib/pq"
)

// classify maps driver errors onto the shared taxonomy:
//   - class 08 (connection), 57P01 (admin shutdown), 53 (resources), timeouts → TransientIO
//   - 23505 unique violation → IntegrityConflict
//   - class 42 (syntax/undefined) and 22 (data) → QueryShape
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, apperr.ErrTransientIO) || errors.Is(err, apperr.ErrQueryShape) ||
		errors.Is(err, apperr.ErrIntegrityConflict) || errors.Is(err, apperr.ErrNotFound) ||
		errors.Is(err, apperr.ErrValidation) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", apperr.ErrNotFound, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case code == "23505":
			return fmt.Errorf("%w: %s", apperr.ErrIntegrityConflict, pqErr.Message)
		case strings.HasPrefix(code, "08"), code == "57P01", strings.HasPrefix(code, "53"):
			return fmt.Errorf("%w: %s", apperr.ErrTransientIO, pqErr.Message)
		case strings.HasPrefix(code, "42"), strings.HasPrefix(code, "22"):
			return fmt.Errorf("%w: %s", apperr.ErrQueryShape, pqErr.Message)
		}
		return err
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", apperr.ErrTransientIO, err)
	}
	return err
}
