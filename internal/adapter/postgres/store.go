// Package postgres implements the persistence port on PostgreSQL using pgx.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
	"github.com/TCC-OPCUAgua/opcuagua/internal/metrics"
	"github.com/TCC-OPCUAgua/opcuagua/pkg/logging"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

//go:embed schema.sql
var schema string

// Config contains PostgreSQL store configuration.
type Config struct {
	// DSN, when set, is used as is and the discrete fields are ignored.
	DSN string

	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	SSLMode     string
	PoolSize    int
	MaxIdleTime time.Duration

	// Migrate applies the embedded schema on startup.
	Migrate bool

	// BreakerFailures consecutive insert failures open the reading breaker.
	BreakerFailures uint32
	// BreakerTimeout is how long the breaker stays open.
	BreakerTimeout time.Duration
}

// ConnString builds the pgx connection string.
func (c Config) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	poolSize := c.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	idle := c.MaxIdleTime
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d&pool_max_conn_idle_time=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
		sslMode,
		poolSize,
		idle.String(),
	)
}

// Store is the PostgreSQL persistence port.
type Store struct {
	pool    *pgxpool.Pool
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
	metrics *metrics.Registry
}

var _ domain.Store = (*Store)(nil)

// NewStore opens the pool, pings the database and applies the schema when configured.
func NewStore(ctx context.Context, config Config, logger zerolog.Logger, metricsReg *metrics.Registry) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(config.ConnString())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse connection string: %v", domain.ErrPersistence, err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create connection pool: %v", domain.ErrPersistence, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %v", domain.ErrPersistence, err)
	}

	s := &Store{
		pool:    pool,
		logger:  logging.WithComponent(logger, "postgres-store"),
		metrics: metricsReg,
	}
	s.breaker = newReadingBreaker(config, s.logger)

	if config.Migrate {
		if _, err := pool.Exec(ctx, schema); err != nil {
			pool.Close()
			return nil, fmt.Errorf("%w: failed to apply schema: %v", domain.ErrPersistence, err)
		}
	}

	s.logger.Info().
		Str("host", poolConfig.ConnConfig.Host).
		Uint16("port", poolConfig.ConnConfig.Port).
		Str("database", poolConfig.ConnConfig.Database).
		Int32("pool_size", poolConfig.MaxConns).
		Bool("migrate", config.Migrate).
		Msg("PostgreSQL store initialized")

	return s, nil
}

func newReadingBreaker(config Config, logger zerolog.Logger) *gobreaker.CircuitBreaker {
	failures := config.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	timeout := config.BreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "reading-insert",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A missing tag is the caller's problem, not the database's.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
	s.logger.Info().Msg("PostgreSQL store closed")
}

// Stats returns pool and breaker statistics.
func (s *Store) Stats() map[string]interface{} {
	poolStats := s.pool.Stat()
	return map[string]interface{}{
		"pool_total_conns": poolStats.TotalConns(),
		"pool_idle_conns":  poolStats.IdleConns(),
		"pool_acquired":    poolStats.AcquiredConns(),
		"breaker_state":    s.breaker.State().String(),
	}
}

// wrapErr maps driver errors onto the domain taxonomy.
func wrapErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, op)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s: %s", domain.ErrValidation, op, pgErr.Detail)
		case "23503":
			return fmt.Errorf("%w: %s: %s", domain.ErrNotFound, op, pgErr.Detail)
		}
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrPersistence, op, err)
}

// ---- connections ----

const connectionColumns = `id, name, host, port, security_policy, security_mode, username, password, is_active, created_at, updated_at`

func scanConnection(row pgx.Row) (domain.ConnectionProfile, error) {
	var p domain.ConnectionProfile
	var policy, mode string
	err := row.Scan(&p.ID, &p.Name, &p.Host, &p.Port, &policy, &mode,
		&p.Username, &p.Password, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	p.SecurityPolicy = domain.SecurityPolicy(policy)
	p.SecurityMode = domain.SecurityMode(mode)
	return p, err
}

func (s *Store) ListConnections(ctx context.Context) ([]domain.ConnectionProfile, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+connectionColumns+` FROM connections ORDER BY id`)
	if err != nil {
		return nil, wrapErr(err, "list connections")
	}
	defer rows.Close()

	out := []domain.ConnectionProfile{}
	for rows.Next() {
		p, err := scanConnection(rows)
		if err != nil {
			return nil, wrapErr(err, "scan connection")
		}
		out = append(out, p)
	}
	return out, wrapErr(rows.Err(), "list connections")
}

func (s *Store) GetConnection(ctx context.Context, id int64) (domain.ConnectionProfile, error) {
	p, err := scanConnection(s.pool.QueryRow(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = $1`, id))
	if err != nil {
		return domain.ConnectionProfile{}, wrapErr(err, fmt.Sprintf("connection %d", id))
	}
	return p, nil
}

func (s *Store) CreateConnection(ctx context.Context, profile domain.ConnectionProfile) (domain.ConnectionProfile, error) {
	profile.Normalize()
	if err := profile.Validate(); err != nil {
		return domain.ConnectionProfile{}, err
	}

	p, err := scanConnection(s.pool.QueryRow(ctx, `
		INSERT INTO connections (name, host, port, security_policy, security_mode, username, password)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+connectionColumns,
		profile.Name, profile.Host, profile.Port, string(profile.SecurityPolicy),
		string(profile.SecurityMode), profile.Username, profile.Password,
	))
	if err != nil {
		return domain.ConnectionProfile{}, wrapErr(err, "create connection")
	}
	return p, nil
}

func (s *Store) UpdateConnection(ctx context.Context, profile domain.ConnectionProfile) (domain.ConnectionProfile, error) {
	profile.Normalize()
	if err := profile.Validate(); err != nil {
		return domain.ConnectionProfile{}, err
	}

	p, err := scanConnection(s.pool.QueryRow(ctx, `
		UPDATE connections
		SET name = $2, host = $3, port = $4, security_policy = $5, security_mode = $6,
		    username = $7, password = $8, updated_at = now()
		WHERE id = $1
		RETURNING `+connectionColumns,
		profile.ID, profile.Name, profile.Host, profile.Port, string(profile.SecurityPolicy),
		string(profile.SecurityMode), profile.Username, profile.Password,
	))
	if err != nil {
		return domain.ConnectionProfile{}, wrapErr(err, fmt.Sprintf("update connection %d", profile.ID))
	}
	return p, nil
}

func (s *Store) DeleteConnection(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM connections WHERE id = $1`, id)
	if err != nil {
		return wrapErr(err, "delete connection")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: connection %d", domain.ErrNotFound, id)
	}
	return nil
}

func (s *Store) SetActiveConnection(ctx context.Context, id int64) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE connections SET is_active = FALSE WHERE is_active`); err != nil {
			return wrapErr(err, "clear active connection")
		}
		if id == 0 {
			return nil
		}
		tag, err := tx.Exec(ctx, `UPDATE connections SET is_active = TRUE WHERE id = $1`, id)
		if err != nil {
			return wrapErr(err, "set active connection")
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: connection %d", domain.ErrNotFound, id)
		}
		return nil
	})
}

// ---- people ----

const personColumns = `id, name, email, phone, role, created_at, updated_at`

func scanPerson(row pgx.Row) (domain.Person, error) {
	var p domain.Person
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.Phone, &p.Role, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *Store) ListPeople(ctx context.Context) ([]domain.Person, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+personColumns+` FROM people ORDER BY id`)
	if err != nil {
		return nil, wrapErr(err, "list people")
	}
	defer rows.Close()

	out := []domain.Person{}
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, wrapErr(err, "scan person")
		}
		out = append(out, p)
	}
	return out, wrapErr(rows.Err(), "list people")
}

func (s *Store) GetPerson(ctx context.Context, id int64) (domain.Person, error) {
	p, err := scanPerson(s.pool.QueryRow(ctx, `SELECT `+personColumns+` FROM people WHERE id = $1`, id))
	if err != nil {
		return domain.Person{}, wrapErr(err, fmt.Sprintf("person %d", id))
	}
	return p, nil
}

func (s *Store) CreatePerson(ctx context.Context, person domain.Person) (domain.Person, error) {
	if err := person.Validate(); err != nil {
		return domain.Person{}, err
	}
	p, err := scanPerson(s.pool.QueryRow(ctx, `
		INSERT INTO people (name, email, phone, role) VALUES ($1, $2, $3, $4)
		RETURNING `+personColumns,
		person.Name, person.Email, person.Phone, person.Role,
	))
	if err != nil {
		return domain.Person{}, wrapErr(err, "create person")
	}
	return p, nil
}

func (s *Store) UpdatePerson(ctx context.Context, person domain.Person) (domain.Person, error) {
	if err := person.Validate(); err != nil {
		return domain.Person{}, err
	}
	p, err := scanPerson(s.pool.QueryRow(ctx, `
		UPDATE people SET name = $2, email = $3, phone = $4, role = $5, updated_at = now()
		WHERE id = $1
		RETURNING `+personColumns,
		person.ID, person.Name, person.Email, person.Phone, person.Role,
	))
	if err != nil {
		return domain.Person{}, wrapErr(err, fmt.Sprintf("update person %d", person.ID))
	}
	return p, nil
}

func (s *Store) DeletePerson(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM people WHERE id = $1`, id)
	if err != nil {
		return wrapErr(err, "delete person")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: person %d", domain.ErrNotFound, id)
	}
	return nil
}

// ---- settings ----

const settingsColumns = `id, name, publishing_interval_ms, sampling_interval_ms, queue_size, is_default, created_at, updated_at`

func scanSettings(row pgx.Row) (domain.SubscriptionSettings, error) {
	var st domain.SubscriptionSettings
	var publishing, sampling int64
	var queue int32
	err := row.Scan(&st.ID, &st.Name, &publishing, &sampling, &queue, &st.IsDefault, &st.CreatedAt, &st.UpdatedAt)
	st.PublishingInterval = time.Duration(publishing) * time.Millisecond
	st.SamplingInterval = time.Duration(sampling) * time.Millisecond
	st.QueueSize = uint32(queue)
	return st, err
}

func (s *Store) ListSettings(ctx context.Context) ([]domain.SubscriptionSettings, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+settingsColumns+` FROM subscription_settings ORDER BY id`)
	if err != nil {
		return nil, wrapErr(err, "list settings")
	}
	defer rows.Close()

	out := []domain.SubscriptionSettings{}
	for rows.Next() {
		st, err := scanSettings(rows)
		if err != nil {
			return nil, wrapErr(err, "scan settings")
		}
		out = append(out, st)
	}
	return out, wrapErr(rows.Err(), "list settings")
}

func (s *Store) GetDefaultSettings(ctx context.Context) (domain.SubscriptionSettings, error) {
	st, err := scanSettings(s.pool.QueryRow(ctx, `SELECT `+settingsColumns+` FROM subscription_settings WHERE is_default`))
	if err != nil {
		return domain.SubscriptionSettings{}, wrapErr(err, "default subscription settings")
	}
	return st, nil
}

// SaveSettings inserts (ID 0) or updates a row in one transaction that also
// keeps exactly one default.
func (s *Store) SaveSettings(ctx context.Context, settings domain.SubscriptionSettings) (domain.SubscriptionSettings, error) {
	if err := settings.Validate(); err != nil {
		return domain.SubscriptionSettings{}, err
	}

	var saved domain.SubscriptionSettings
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var otherDefault bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM subscription_settings WHERE is_default AND id <> $1)`,
			settings.ID,
		).Scan(&otherDefault); err != nil {
			return wrapErr(err, "check default settings")
		}

		if settings.ID != 0 && !settings.IsDefault && !otherDefault {
			var wasDefault bool
			err := tx.QueryRow(ctx, `SELECT is_default FROM subscription_settings WHERE id = $1`, settings.ID).Scan(&wasDefault)
			if err != nil {
				return wrapErr(err, fmt.Sprintf("settings %d", settings.ID))
			}
			if wasDefault {
				return fmt.Errorf("%w: cannot unset the default settings; mark another row default", domain.ErrValidation)
			}
		}

		if !otherDefault {
			settings.IsDefault = true
		}
		if settings.IsDefault && otherDefault {
			if _, err := tx.Exec(ctx, `UPDATE subscription_settings SET is_default = FALSE WHERE is_default`); err != nil {
				return wrapErr(err, "clear default settings")
			}
		}

		args := []any{
			settings.Name,
			settings.PublishingInterval.Milliseconds(),
			settings.SamplingInterval.Milliseconds(),
			int32(settings.QueueSize),
			settings.IsDefault,
		}

		var row pgx.Row
		if settings.ID == 0 {
			row = tx.QueryRow(ctx, `
				INSERT INTO subscription_settings (name, publishing_interval_ms, sampling_interval_ms, queue_size, is_default)
				VALUES ($1, $2, $3, $4, $5)
				RETURNING `+settingsColumns, args...)
		} else {
			row = tx.QueryRow(ctx, `
				UPDATE subscription_settings
				SET name = $1, publishing_interval_ms = $2, sampling_interval_ms = $3,
				    queue_size = $4, is_default = $5, updated_at = now()
				WHERE id = $6
				RETURNING `+settingsColumns, append(args, settings.ID)...)
		}

		var err error
		saved, err = scanSettings(row)
		return wrapErr(err, "save settings")
	})
	if err != nil {
		return domain.SubscriptionSettings{}, err
	}
	return saved, nil
}

// ---- activity ----

func (s *Store) AppendActivity(ctx context.Context, action, detail string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO activity_log (action, detail) VALUES ($1, $2)`, action, detail)
	return wrapErr(err, "append activity")
}

func (s *Store) RecentActivity(ctx context.Context, limit int) ([]domain.ActivityLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, action, detail, created_at FROM activity_log ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, wrapErr(err, "recent activity")
	}
	defer rows.Close()

	out := []domain.ActivityLog{}
	for rows.Next() {
		var a domain.ActivityLog
		if err := rows.Scan(&a.ID, &a.Action, &a.Detail, &a.CreatedAt); err != nil {
			return nil, wrapErr(err, "scan activity")
		}
		out = append(out, a)
	}
	return out, wrapErr(rows.Err(), "recent activity")
}
