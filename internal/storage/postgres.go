package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/providentiaww/sunrise/internal/models"
)

// PostgresRepository stores alarms and sleep summaries in Postgres
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository connects and ensures the schema exists
func NewPostgresRepository(connectionString string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return NewPostgresRepositoryFromDB(db)
}

// NewPostgresRepositoryFromDB wraps an open handle
func NewPostgresRepositoryFromDB(db *sql.DB) (*PostgresRepository, error) {
	repo := &PostgresRepository{db: db}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

func (r *PostgresRepository) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS alarms (
		id BIGSERIAL PRIMARY KEY,
		hour SMALLINT NOT NULL CHECK (hour BETWEEN 0 AND 23),
		minute SMALLINT NOT NULL CHECK (minute BETWEEN 0 AND 59),
		is_on BOOLEAN NOT NULL DEFAULT TRUE,
		sound_nonrem TEXT NOT NULL,
		sound_rem TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sleep_data (
		date DATE PRIMARY KEY,
		total_minutes INTEGER NOT NULL,
		deep_minutes INTEGER NOT NULL DEFAULT 0,
		light_minutes INTEGER NOT NULL DEFAULT 0,
		rem_minutes INTEGER NOT NULL DEFAULT 0,
		wake_minutes INTEGER NOT NULL DEFAULT 0,
		efficiency INTEGER NOT NULL DEFAULT 0
	);
	`

	_, err := r.db.Exec(query)
	return err
}

// ListAlarms returns all alarms ordered by time of day
func (r *PostgresRepository) ListAlarms(ctx context.Context) ([]models.Alarm, error) {
	query := `
		SELECT id, hour, minute, is_on, sound_nonrem, sound_rem
		FROM alarms
		ORDER BY hour, minute, id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alarms := []models.Alarm{}
	for rows.Next() {
		var a models.Alarm
		if err := rows.Scan(&a.ID, &a.Hour, &a.Minute, &a.Enabled, &a.SoundNonREM, &a.SoundREM); err != nil {
			return nil, err
		}
		alarms = append(alarms, a)
	}
	return alarms, rows.Err()
}

// AddAlarm inserts an enabled alarm and returns it with its id
func (r *PostgresRepository) AddAlarm(ctx context.Context, in models.NewAlarm) (*models.Alarm, error) {
	query := `
		INSERT INTO alarms (hour, minute, is_on, sound_nonrem, sound_rem)
		VALUES ($1, $2, TRUE, $3, $4)
		RETURNING id
	`

	alarm := &models.Alarm{
		Hour:        in.Hour,
		Minute:      in.Minute,
		Enabled:     true,
		SoundNonREM: in.SoundNonREM,
		SoundREM:    in.SoundREM,
	}
	if err := r.db.QueryRowContext(ctx, query, in.Hour, in.Minute, in.SoundNonREM, in.SoundREM).Scan(&alarm.ID); err != nil {
		return nil, err
	}
	return alarm, nil
}

// DeleteAlarm removes an alarm
func (r *PostgresRepository) DeleteAlarm(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM alarms WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ToggleAlarm sets the enabled flag of an alarm
func (r *PostgresRepository) ToggleAlarm(ctx context.Context, id int64, enabled bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE alarms SET is_on = $1 WHERE id = $2`, enabled, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// SaveSleepSession inserts the sample unless its date is already stored
func (r *PostgresRepository) SaveSleepSession(ctx context.Context, s models.SleepSample) (bool, error) {
	query := `
		INSERT INTO sleep_data
			(date, total_minutes, deep_minutes, light_minutes, rem_minutes, wake_minutes, efficiency)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (date) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, query,
		s.DateOfSleep,
		s.TotalMinutes,
		s.Stages.Deep,
		s.Stages.Light,
		s.Stages.REM,
		s.Stages.Wake,
		s.Efficiency,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecentSleepSessions returns the latest n samples, oldest first
func (r *PostgresRepository) RecentSleepSessions(ctx context.Context, n int) ([]models.SleepSample, error) {
	query := `
		SELECT to_char(date, 'YYYY-MM-DD'), total_minutes, deep_minutes, light_minutes, rem_minutes, wake_minutes, efficiency
		FROM (
			SELECT * FROM sleep_data ORDER BY date DESC LIMIT $1
		) recent
		ORDER BY date ASC
	`

	rows, err := r.db.QueryContext(ctx, query, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := []models.SleepSample{}
	for rows.Next() {
		var s models.SleepSample
		err := rows.Scan(
			&s.DateOfSleep,
			&s.TotalMinutes,
			&s.Stages.Deep,
			&s.Stages.Light,
			&s.Stages.REM,
			&s.Stages.Wake,
			&s.Efficiency,
		)
		if err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// Ping tests the database connection
func (r *PostgresRepository) Ping() error {
	return r.db.Ping()
}

// Close closes the database connection
func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
