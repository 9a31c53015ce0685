// Package errors normalizes errors into stable class names for metric and
// log tagging.
package errors

import (
	"context"
	goerrors "errors"
	"reflect"
	"strings"

	apperrors "github.com/Xkonti/crude-functions-core/internal/errors"
	"github.com/jackc/pgx/v5/pgconn"
)

// Classify returns a normalized error class suitable for tagging metrics and
// logs. Application errors classify by their code, Postgres errors by their
// SQLSTATE, everything else by the innermost concrete type name.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	if code := apperrors.GetCode(err); code != "" {
		return string(code)
	}

	var pgErr *pgconn.PgError
	if goerrors.As(err, &pgErr) {
		return "pg_" + strings.ToLower(pgErr.Code)
	}

	switch {
	case goerrors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case goerrors.Is(err, context.Canceled):
		return "canceled"
	}

	return typeName(err)
}

// typeName unwraps to the innermost error and snake_cases its concrete type.
func typeName(err error) string {
	for {
		unwrapped := goerrors.Unwrap(err)
		if unwrapped == nil {
			break
		}
		err = unwrapped
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}

	name := strings.ToLower(strings.ReplaceAll(t.String(), "*", ""))
	name = strings.ReplaceAll(name, ".", "_")
	if name == "" {
		return "unknown"
	}
	return name
}
