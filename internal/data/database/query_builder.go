// Package database builds parameterised list queries for the admin read
// paths. Identifiers are sanitised through pgx so caller-supplied sort and
// filter fields cannot inject SQL; values always travel as bind parameters.
package database

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ConditionType enumerates the supported WHERE operators.
type ConditionType string

const (
	Equal              ConditionType = "="
	NotEqual           ConditionType = "!="
	GreaterThan        ConditionType = ">"
	GreaterThanOrEqual ConditionType = ">="
	LessThan           ConditionType = "<"
	LessThanOrEqual    ConditionType = "<="
	In                 ConditionType = "IN"
)

// sentinel values meaning "clause not set"; zero must stay expressible.
const (
	unsetLimit  = -1
	unsetOffset = -1
)

// Condition is one WHERE predicate. Build with WhereCond.
type Condition struct {
	Field string
	Type  ConditionType
	Value any
}

// WhereCond builds a condition comparing a column against a value. For In,
// the value must be a slice; an empty slice drops the condition.
func WhereCond(field string, condType ConditionType, value any) Condition {
	return Condition{
		Field: field,
		Type:  condType,
		Value: value,
	}
}

// ListQueryOptions accumulates the parts of a list query.
type ListQueryOptions struct {
	Table      string
	Columns    []string
	Conditions []Condition
	OrderBy    string
	OrderDir   string
	Limit      int
	Offset     int
}

// ListQueryOption mutates ListQueryOptions during construction.
type ListQueryOption func(*ListQueryOptions)

// NewListQueryOptions builds options for a list query on the given table.
func NewListQueryOptions(table string, opts ...ListQueryOption) *ListQueryOptions {
	options := &ListQueryOptions{
		Table:  table,
		Limit:  unsetLimit,
		Offset: unsetOffset,
	}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// WithColumns sets the columns to select. Without it the query selects *.
func WithColumns(cols ...string) ListQueryOption {
	return func(o *ListQueryOptions) {
		o.Columns = cols
	}
}

// WithCondition appends a single condition.
func WithCondition(cond Condition) ListQueryOption {
	return func(o *ListQueryOptions) {
		o.Conditions = append(o.Conditions, cond)
	}
}

// WithConditions replaces the condition list.
func WithConditions(conds ...Condition) ListQueryOption {
	return func(o *ListQueryOptions) {
		o.Conditions = conds
	}
}

// WithOrderBy sets the ordering column and direction. Directions other than
// ASC or DESC (case-insensitive) are omitted, leaving the server default.
func WithOrderBy(column, direction string) ListQueryOption {
	return func(o *ListQueryOptions) {
		o.OrderBy = column
		o.OrderDir = direction
	}
}

// WithLimit sets the limit. Zero is a valid (empty) page.
func WithLimit(limit int) ListQueryOption {
	return func(o *ListQueryOptions) {
		if limit >= 0 {
			o.Limit = limit
		}
	}
}

// WithOffset sets the offset. Accepts zero.
func WithOffset(offset int) ListQueryOption {
	return func(o *ListQueryOptions) {
		if offset >= 0 {
			o.Offset = offset
		}
	}
}

// BuildListQuery renders the options into a SQL string and its arguments.
//
//	query, args := BuildListQuery(NewListQueryOptions("jobs",
//		WithColumns("id", "type", "status"),
//		WithCondition(WhereCond("status", Equal, "pending")),
//		WithOrderBy("created_at", "DESC"),
//		WithLimit(50),
//	))
func BuildListQuery(options *ListQueryOptions) (string, []any) {
	if options == nil {
		return "", nil
	}

	var query strings.Builder
	query.WriteString(selectClause(options.Columns))
	query.WriteString("FROM ")
	query.WriteString(sanitizeIdentifier(options.Table))

	whereClause, args := buildWhereClause(options.Conditions)
	if whereClause != "" {
		query.WriteString(" ")
		query.WriteString(whereClause)
	}

	if options.OrderBy != "" {
		query.WriteString(" ORDER BY ")
		query.WriteString(sanitizeQualifiedIdentifier(options.OrderBy))
		if dir := strings.ToUpper(options.OrderDir); dir == "ASC" || dir == "DESC" {
			query.WriteString(" ")
			query.WriteString(dir)
		}
	}

	if options.Limit != unsetLimit {
		query.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)+1))
		args = append(args, options.Limit)
	}
	if options.Offset != unsetOffset {
		query.WriteString(fmt.Sprintf(" OFFSET $%d", len(args)+1))
		args = append(args, options.Offset)
	}

	return query.String(), args
}

func selectClause(columns []string) string {
	if len(columns) == 0 {
		return "SELECT * "
	}
	sanitized := make([]string, len(columns))
	for i, col := range columns {
		sanitized[i] = sanitizeQualifiedIdentifier(col)
	}
	return "SELECT " + strings.Join(sanitized, ", ") + " "
}

// buildWhereClause renders conditions joined by AND. Conditions with an
// empty field, or an In condition without values, are dropped.
func buildWhereClause(conds []Condition) (string, []any) {
	rendered := make([]string, 0, len(conds))
	args := []any{}

	for _, cond := range conds {
		if cond.Field == "" {
			continue
		}
		field := sanitizeIdentifier(cond.Field)

		switch cond.Type {
		case In:
			placeholders, inArgs := expandSlice(cond.Value, len(args)+1)
			if len(inArgs) == 0 {
				continue
			}
			rendered = append(rendered, fmt.Sprintf("%s IN (%s)", field, placeholders))
			args = append(args, inArgs...)
		case Equal, NotEqual, GreaterThan, GreaterThanOrEqual, LessThan, LessThanOrEqual:
			rendered = append(rendered, fmt.Sprintf("%s %s $%d", field, cond.Type, len(args)+1))
			args = append(args, cond.Value)
		default:
			continue
		}
	}

	if len(rendered) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(rendered, " AND "), args
}

// expandSlice turns a slice value into "$n, $n+1, ..." placeholders and the
// matching argument list. Non-slice or empty values expand to nothing.
func expandSlice(value any, firstParam int) (string, []any) {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice || rv.Len() == 0 {
		return "", nil
	}

	placeholders := make([]string, rv.Len())
	args := make([]any, rv.Len())
	for i := range rv.Len() {
		placeholders[i] = fmt.Sprintf("$%d", firstParam+i)
		args[i] = rv.Index(i).Interface()
	}
	return strings.Join(placeholders, ", "), args
}

func sanitizeIdentifier(ident string) string {
	return pgx.Identifier{ident}.Sanitize()
}

// sanitizeQualifiedIdentifier quotes dotted identifiers like "jobs.status"
// part by part.
func sanitizeQualifiedIdentifier(ident string) string {
	return pgx.Identifier(strings.Split(ident, ".")).Sanitize()
}
