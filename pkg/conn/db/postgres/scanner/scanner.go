// Package scanner maps rows of pgx into Go values.
package scanner

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
)

type Queryer interface {
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
}

// Scanner converts rows into []T.
//
//	type hostRow struct {
//		Host  string
//		State string
//	}
//
//	rows, err := scanner.New[hostRow]().QueryAll(
//		ctx, conn, `select "host", "state" from "deployment"`,
//	)
//
// When T is a struct, each column is stored into the field
//
//  1. tagged `sql:"column_name"`, or
//  2. named as the column, or
//  3. named as CamelCase of the column ("last_report_at" -> "LastReportAt").
//
// Otherwise, rows should have exactly one column, which is stored into T.
type Scanner[T any] interface {
	ScanAll(pgx.Rows) ([]T, error)

	// QueryAll runs the query and scans all rows of the result.
	QueryAll(context.Context, Queryer, string, ...interface{}) ([]T, error)
}

type scanner[T any] struct {
	// column name -> field index. nil when T is not a struct.
	fields map[string][]int
}

func New[T any]() Scanner[T] {
	t := reflect.TypeFor[T]()
	if t.Kind() != reflect.Struct || t == reflect.TypeFor[time.Time]() {
		return &scanner[T]{}
	}

	fields := map[string][]int{}
	tagged := map[string][]int{}
	for _, f := range reflect.VisibleFields(t) {
		if !f.IsExported() || f.Anonymous {
			continue
		}
		if tag, ok := f.Tag.Lookup("sql"); ok {
			tagged[tag] = f.Index
			continue
		}
		fields[f.Name] = f.Index
	}
	for col, idx := range tagged {
		fields[col] = idx
	}
	return &scanner[T]{fields: fields}
}

// camel converts snake_case into CamelCase. "aa_bb" becomes "AaBb".
func camel(s string) string {
	b := new(strings.Builder)
	for _, w := range strings.Split(s, "_") {
		if w == "" {
			b.WriteString("_")
			continue
		}
		b.WriteString(strings.ToUpper(w[:1]))
		b.WriteString(w[1:])
	}
	return b.String()
}

func (s *scanner[T]) columns(rows pgx.Rows) ([][]int, error) {
	fds := rows.FieldDescriptions()
	if s.fields == nil {
		if len(fds) != 1 {
			return nil, fmt.Errorf("%d columns can not be scanned into %T", len(fds), *new(T))
		}
		return nil, nil
	}

	idx := make([][]int, 0, len(fds))
	for _, fd := range fds {
		col := string(fd.Name)
		i, ok := s.fields[col]
		if !ok {
			i, ok = s.fields[camel(col)]
		}
		if !ok {
			return nil, fmt.Errorf(
				`no field in %T for column "%s" (%s)`, *new(T), col, typeName(fd.DataTypeOID),
			)
		}
		idx = append(idx, i)
	}
	return idx, nil
}

func (s *scanner[T]) ScanAll(rows pgx.Rows) ([]T, error) {
	idx, err := s.columns(rows)
	if err != nil {
		return nil, err
	}

	ret := []T{}
	for rows.Next() {
		elem := new(T)
		if s.fields == nil {
			if err := rows.Scan(elem); err != nil {
				return nil, err
			}
			ret = append(ret, *elem)
			continue
		}

		v := reflect.ValueOf(elem).Elem()
		dest := make([]any, len(idx))
		for n, i := range idx {
			dest[n] = v.FieldByIndex(i).Addr().Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		ret = append(ret, *elem)
	}
	return ret, rows.Err()
}

func (s *scanner[T]) QueryAll(ctx context.Context, conn Queryer, q string, params ...interface{}) ([]T, error) {
	rows, err := conn.Query(ctx, q, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.ScanAll(rows)
}

var typeNames = map[uint32]string{
	pgtype.BoolOID:        "bool",
	pgtype.Int4OID:        "int4",
	pgtype.Int8OID:        "int8",
	pgtype.Float8OID:      "float8",
	pgtype.TextOID:        "text",
	pgtype.VarcharOID:     "varchar",
	pgtype.TextArrayOID:   "text[]",
	pgtype.TimestamptzOID: "timestamptz",
	pgtype.JSONBOID:       "jsonb",
}

func typeName(oid uint32) string {
	if n, ok := typeNames[oid]; ok {
		return n
	}
	return fmt.Sprintf("oid %d", oid)
}
