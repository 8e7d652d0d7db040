package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"monthlyload/internal/pipeline"
	"monthlyload/pkg/errors"
)

// Warehouse is the part of *snowflake.Service the schema operations need.
type Warehouse interface {
	ExecScript(ctx context.Context, script string) error
	QueryInt64(ctx context.Context, query string, args ...interface{}) (int64, error)
}

// Service provides schema-related operations
type Service struct {
	wh     Warehouse
	tables pipeline.Tables
	log    *logrus.Entry
}

// NewService creates a new schema service
func NewService(wh Warehouse, tables pipeline.Tables, log *logrus.Entry) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{wh: wh, tables: tables, log: log.WithField("component", "schema")}
}

// Init creates every missing table the load owns.
func (s *Service) Init(ctx context.Context) error {
	script, err := Script(s.tables)
	if err != nil {
		return err
	}

	s.log.Info("creating warehouse tables if absent")
	if err := s.wh.ExecScript(ctx, script); err != nil {
		return errors.Wrap(err, errors.ErrCodeSQLExecution, "schema bootstrap failed").
			WithSuggestions("Ensure snowflake.role may CREATE TABLE in the target schemas")
	}
	return nil
}

// TableStatus reports whether one configured table exists.
type TableStatus struct {
	Role   string
	Name   string
	Exists bool
}

// Check looks every configured table up in INFORMATION_SCHEMA, including the
// staging table.
func (s *Service) Check(ctx context.Context) ([]TableStatus, error) {
	if err := s.tables.Validate(); err != nil {
		return nil, err
	}

	entries := []struct{ role, name string }{
		{"staging_orders", s.tables.StagingOrders},
		{"orders", s.tables.Orders},
		{"subcategory_map", s.tables.SubcategoryMap},
		{"customers", s.tables.Customers},
		{"products", s.tables.Products},
		{"geography", s.tables.Geography},
		{"fact_orders", s.tables.FactOrders},
	}

	out := make([]TableStatus, 0, len(entries))
	for _, e := range entries {
		query, args := existsQuery(e.name)
		n, err := s.wh.QueryInt64(ctx, query, args...)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeSQLExecution, "failed to look up table").
				WithContext("table", e.name)
		}
		s.log.WithFields(logrus.Fields{"table": e.name, "exists": n > 0}).Debug("table checked")
		out = append(out, TableStatus{Role: e.role, Name: e.name, Exists: n > 0})
	}
	return out, nil
}

// existsQuery builds the INFORMATION_SCHEMA lookup for a [db.][schema.]table
// name. Missing parts default to the session's current database and schema.
func existsQuery(name string) (string, []interface{}) {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = normalize(p)
	}

	var db, schemaName, table string
	switch len(parts) {
	case 3:
		db, schemaName, table = parts[0], parts[1], parts[2]
	case 2:
		schemaName, table = parts[0], parts[1]
	default:
		table = parts[0]
	}

	from := "INFORMATION_SCHEMA.TABLES"
	if db != "" {
		from = quoteIdent(db) + "." + from
	}

	schemaCond := "TABLE_SCHEMA = CURRENT_SCHEMA()"
	args := []interface{}{}
	if schemaName != "" {
		schemaCond = "TABLE_SCHEMA = ?"
		args = append(args, schemaName)
	}
	args = append(args, table)

	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s AND TABLE_NAME = ?", from, schemaCond), args
}

// normalize applies Snowflake identifier resolution: unquoted names are
// stored upper case, quoted names verbatim.
func normalize(ident string) string {
	if len(ident) >= 2 && strings.HasPrefix(ident, `"`) && strings.HasSuffix(ident, `"`) {
		return ident[1 : len(ident)-1]
	}
	return strings.ToUpper(ident)
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
