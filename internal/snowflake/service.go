package snowflake

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	sf "github.com/snowflakedb/gosnowflake"

	"monthlyload/pkg/errors"
)

// Snowflake error numbers the service classifies.
const (
	errNumSyntax              = 1003
	errNumObjectNotFound      = 2003
	errNumInsufficientPrivs   = 3001
	errNumStatementCancelled  = 604
	errNumIncorrectCredential = 390100
)

// Service executes single statements against the warehouse. Every statement
// autocommits; no transaction spans two calls.
type Service struct {
	db             *sql.DB
	config         Config
	connected      bool
	circuitBreaker *errors.CircuitBreaker
}

// Config holds Snowflake connection configuration
type Config struct {
	Account   string
	Username  string
	Password  string
	Database  string
	Schema    string
	Warehouse string
	Role      string
	// Timeout bounds a single statement.
	Timeout time.Duration
	// LoginTimeout bounds opening and pinging the connection.
	LoginTimeout time.Duration
}

// NewService creates a new Snowflake service
func NewService(config Config) *Service {
	return &Service{
		config:         config,
		circuitBreaker: errors.NewCircuitBreaker("snowflake", 5, 30*time.Second),
	}
}

// NewServiceWithDB wraps an already opened handle, e.g. a sqlmock database.
func NewServiceWithDB(db *sql.DB, config Config) *Service {
	s := NewService(config)
	s.db = db
	s.connected = true
	return s
}

// DSN renders the gosnowflake connection string for config.
func DSN(config Config) (string, error) {
	cfg := &sf.Config{
		Account:     config.Account,
		User:        config.Username,
		Password:    config.Password,
		Database:    config.Database,
		Schema:      config.Schema,
		Warehouse:   config.Warehouse,
		Role:        config.Role,
		Application: "monthlyload",
	}
	if config.LoginTimeout > 0 {
		cfg.LoginTimeout = config.LoginTimeout
	}
	dsn, err := sf.DSN(cfg)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeConfigInvalid, "Failed to build Snowflake DSN").
			WithContext("account", config.Account)
	}
	return dsn, nil
}

// Connect establishes a connection to Snowflake
func (s *Service) Connect(ctx context.Context) error {
	if s.connected {
		return nil
	}

	dsn, err := DSN(s.config)
	if err != nil {
		return err
	}

	return s.circuitBreaker.Execute(ctx, func() error {
		return errors.RetryWithBackoff(ctx, func(ctx context.Context) error {
			db, err := sql.Open("snowflake", dsn)
			if err != nil {
				return errors.ConnectionError("Failed to open Snowflake connection", err).
					WithContext("account", s.config.Account).
					WithContext("warehouse", s.config.Warehouse)
			}

			// One statement at a time; a single connection is enough.
			db.SetMaxOpenConns(2)
			db.SetMaxIdleConns(1)
			db.SetConnMaxLifetime(time.Hour)

			pingCtx, cancel := s.loginContext(ctx)
			defer cancel()

			if err := db.PingContext(pingCtx); err != nil {
				db.Close()

				var sfErr *sf.SnowflakeError
				if stderrors.As(err, &sfErr) && sfErr.Number == errNumIncorrectCredential {
					return errors.New(errors.ErrCodeAuthenticationFailed, "Authentication failed").
						WithContext("user", s.config.Username).
						WithSuggestions(
							"Verify snowflake.username and the stored password",
							"Run 'monthlyload credentials set' to replace the stored password",
						)
				}

				return errors.ConnectionError("Failed to connect to Snowflake", err).
					WithContext("account", s.config.Account).
					AsRecoverable()
			}

			s.db = db
			s.connected = true
			return nil
		})
	})
}

// Close closes the database connection
func (s *Service) Close() error {
	if !s.connected {
		return nil
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}

	s.connected = false
	return nil
}

// Exec runs one statement and returns the number of rows it inserted.
func (s *Service) Exec(ctx context.Context, stmt string, args ...interface{}) (int64, error) {
	if !s.connected {
		return 0, errors.New(errors.ErrCodeConnectionFailed, "Not connected to database").
			WithSuggestions("Call Connect() before executing SQL")
	}

	execCtx, cancel := s.statementContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(execCtx, stmt, args...)
	if err != nil {
		return 0, classify(err, stmt)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		// The statement committed; only the count is unknown.
		return -1, nil
	}
	return rows, nil
}

// ExecScript splits script on top-level semicolons and runs each statement in order.
func (s *Service) ExecScript(ctx context.Context, script string) error {
	statements := splitStatements(script)
	for i, stmt := range statements {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.Exec(ctx, stmt); err != nil {
			if ae, ok := err.(*errors.AppError); ok {
				ae.WithContext("statement_index", i+1).
					WithContext("total_statements", len(statements))
			}
			return err
		}
	}
	return nil
}

// QueryInt64 runs a single-value query such as COUNT(*).
func (s *Service) QueryInt64(ctx context.Context, query string, args ...interface{}) (int64, error) {
	if !s.connected {
		return 0, errors.New(errors.ErrCodeConnectionFailed, "Not connected to database")
	}

	queryCtx, cancel := s.statementContext(ctx)
	defer cancel()

	var n sql.NullInt64
	if err := s.db.QueryRowContext(queryCtx, query, args...).Scan(&n); err != nil {
		if err == sql.ErrNoRows {
			return 0, errors.New(errors.ErrCodeNoResults, "Query returned no rows").
				WithContext("query", query)
		}
		return 0, classify(err, query)
	}
	return n.Int64, nil
}

// ValidateConfig validates the Snowflake configuration
func ValidateConfig(config Config) error {
	if config.Account == "" {
		return fmt.Errorf("account is required")
	}
	if config.Username == "" {
		return fmt.Errorf("username is required")
	}
	if config.Password == "" {
		return fmt.Errorf("password is required")
	}
	if config.Warehouse == "" {
		return fmt.Errorf("warehouse is required")
	}
	if config.Role == "" {
		return fmt.Errorf("role is required")
	}
	return nil
}

func (s *Service) statementContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Minute
	}
	return context.WithTimeout(ctx, timeout)
}

func (s *Service) loginContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.config.LoginTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// classify turns a driver error into an AppError, preferring the Snowflake
// error number over message matching.
func classify(err error, stmt string) error {
	if stderrors.Is(err, context.Canceled) {
		return errors.Wrap(err, errors.ErrCodeRunCancelled, "Statement cancelled").
			WithContext("query", stmt)
	}

	sqlErr := errors.SQLError("Statement failed", stmt, err)

	var sfErr *sf.SnowflakeError
	if stderrors.As(err, &sfErr) {
		sqlErr.WithContext("snowflake_error", sfErr.Number).
			WithContext("sql_state", sfErr.SQLState).
			WithContext("query_id", sfErr.QueryID)

		switch sfErr.Number {
		case errNumSyntax:
			sqlErr.Code = errors.ErrCodeSQLSyntax
		case errNumObjectNotFound:
			sqlErr.Code = errors.ErrCodeSQLObjectNotFound
		case errNumInsufficientPrivs:
			sqlErr.Code = errors.ErrCodeSQLPermission
		case errNumStatementCancelled:
			sqlErr.Code = errors.ErrCodeSQLTimeout
		}
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		sqlErr.Code = errors.ErrCodeSQLTimeout
	}

	return sqlErr
}

func splitStatements(sql string) []string {
	// Splits on semicolons outside quoted strings.
	var statements []string
	var current strings.Builder
	inString := false
	stringChar := rune(0)

	for i, char := range sql {
		if !inString {
			if char == '\'' || char == '"' {
				inString = true
				stringChar = char
			} else if char == ';' {
				if i == 0 || sql[i-1] != '\\' {
					statements = append(statements, current.String())
					current.Reset()
					continue
				}
			}
		} else {
			if char == stringChar && (i == 0 || sql[i-1] != '\\') {
				inString = false
			}
		}
		current.WriteRune(char)
	}

	if current.Len() > 0 {
		statements = append(statements, current.String())
	}

	return statements
}
