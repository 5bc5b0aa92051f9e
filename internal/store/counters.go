package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrConflict is returned when an insert hits a unique constraint.
var ErrConflict = errors.New("store: conflict")

const activityCounterColumns = `id, group_id, class_name_id, class_pk, name, owner_type,
	current_value, total_value, grace_value, start_period, end_period, active`

func scanActivityCounter(row interface{ Scan(...any) error }) (ActivityCounter, error) {
	var c ActivityCounter
	err := row.Scan(&c.ID, &c.GroupID, &c.ClassNameID, &c.ClassPK, &c.Name, &c.OwnerType,
		&c.Current, &c.Total, &c.Grace, &c.StartPeriod, &c.EndPeriod, &c.Active)
	return c, err
}

func (s *PostgresStore) fetchActivityCounter(ctx context.Context, query string, args ...any) (*ActivityCounter, error) {
	counter, err := scanActivityCounter(s.conn(ctx).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch activity counter: %w", err)
	}
	return &counter, nil
}

func (s *PostgresStore) FetchActivityCounterByEndPeriod(ctx context.Context, groupID, classNameID, classPK int64, name string, ownerType, endPeriod int) (*ActivityCounter, error) {
	return s.fetchActivityCounter(ctx, `
		SELECT `+activityCounterColumns+` FROM activity_counters
		WHERE group_id = $1 AND class_name_id = $2 AND class_pk = $3 AND name = $4 AND owner_type = $5 AND end_period = $6
		ORDER BY start_period DESC LIMIT 1
	`, groupID, classNameID, classPK, name, ownerType, endPeriod)
}

func (s *PostgresStore) FetchActivityCounterByStartPeriod(ctx context.Context, groupID, classNameID, classPK int64, name string, ownerType, startPeriod int) (*ActivityCounter, error) {
	return s.fetchActivityCounter(ctx, `
		SELECT `+activityCounterColumns+` FROM activity_counters
		WHERE group_id = $1 AND class_name_id = $2 AND class_pk = $3 AND name = $4 AND owner_type = $5 AND start_period = $6
	`, groupID, classNameID, classPK, name, ownerType, startPeriod)
}

func (s *PostgresStore) GetActivityCounter(ctx context.Context, id int64) (ActivityCounter, error) {
	return scanActivityCounter(s.conn(ctx).QueryRowContext(ctx, `SELECT `+activityCounterColumns+` FROM activity_counters WHERE id = $1`, id))
}

func (s *PostgresStore) InsertActivityCounter(ctx context.Context, c *ActivityCounter) error {
	err := s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO activity_counters (group_id, class_name_id, class_pk, name, owner_type,
			current_value, total_value, grace_value, start_period, end_period, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, c.GroupID, c.ClassNameID, c.ClassPK, c.Name, c.OwnerType,
		c.Current, c.Total, c.Grace, c.StartPeriod, c.EndPeriod, c.Active).Scan(&c.ID)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert activity counter: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateActivityCounter(ctx context.Context, c ActivityCounter) error {
	result, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE activity_counters SET current_value = $2, total_value = $3, grace_value = $4,
			start_period = $5, end_period = $6, active = $7
		WHERE id = $1
	`, c.ID, c.Current, c.Total, c.Grace, c.StartPeriod, c.EndPeriod, c.Active)
	if err != nil {
		return fmt.Errorf("update activity counter: %w", err)
	}
	return requireRow(result)
}

// IncrementActivityCounter adds delta to the current and total values in
// one statement.
func (s *PostgresStore) IncrementActivityCounter(ctx context.Context, id int64, delta int) (ActivityCounter, error) {
	counter, err := scanActivityCounter(s.conn(ctx).QueryRowContext(ctx, `
		UPDATE activity_counters SET current_value = current_value + $2, total_value = total_value + $2
		WHERE id = $1
		RETURNING `+activityCounterColumns, id, delta))
	if err != nil {
		return ActivityCounter{}, fmt.Errorf("increment activity counter: %w", err)
	}
	return counter, nil
}

func (s *PostgresStore) ListActivityCountersByClass(ctx context.Context, classNameID, classPK int64) ([]ActivityCounter, error) {
	return s.queryActivityCounters(ctx, `
		SELECT `+activityCounterColumns+` FROM activity_counters WHERE class_name_id = $1 AND class_pk = $2 ORDER BY id
	`, classNameID, classPK)
}

func (s *PostgresStore) SetActivityCountersActive(ctx context.Context, classNameID, classPK int64, active bool) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE activity_counters SET active = $3 WHERE class_name_id = $1 AND class_pk = $2
	`, classNameID, classPK, active)
	if err != nil {
		return fmt.Errorf("set activity counters active: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteActivityCountersByClass(ctx context.Context, classNameID, classPK int64) error {
	if _, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM activity_counters WHERE class_name_id = $1 AND class_pk = $2`, classNameID, classPK); err != nil {
		return fmt.Errorf("delete activity counters: %w", err)
	}
	return nil
}

// SumActivityCountersByName sums current values per counter name over the
// counters of a group whose periods fall inside [startPeriod, endPeriod].
func (s *PostgresStore) SumActivityCountersByName(ctx context.Context, groupID int64, name string, startPeriod, endPeriod int) ([]ActivityCounter, error) {
	return s.sumActivityCounters(ctx, `
		SELECT name, 0, SUM(current_value)::int, MIN(start_period), MAX(end_period)
		FROM activity_counters
		WHERE group_id = $1 AND name = $2 AND active
			AND start_period >= $3 AND (end_period = -1 OR end_period <= $4)
		GROUP BY name
	`, groupID, name, startPeriod, endPeriod)
}

// SumActivityCountersByClass is SumActivityCountersByName grouped by the
// owning class instead.
func (s *PostgresStore) SumActivityCountersByClass(ctx context.Context, groupID int64, name string, startPeriod, endPeriod int) ([]ActivityCounter, error) {
	return s.sumActivityCounters(ctx, `
		SELECT name, class_name_id, SUM(current_value)::int, MIN(start_period), MAX(end_period)
		FROM activity_counters
		WHERE group_id = $1 AND name = $2 AND active
			AND start_period >= $3 AND (end_period = -1 OR end_period <= $4)
		GROUP BY name, class_name_id
		ORDER BY class_name_id
	`, groupID, name, startPeriod, endPeriod)
}

func (s *PostgresStore) sumActivityCounters(ctx context.Context, query string, groupID int64, name string, startPeriod, endPeriod int) ([]ActivityCounter, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, query, groupID, name, startPeriod, endPeriod)
	if err != nil {
		return nil, fmt.Errorf("sum activity counters: %w", err)
	}
	defer rows.Close()

	counters := make([]ActivityCounter, 0)
	for rows.Next() {
		c := ActivityCounter{GroupID: groupID, Active: true}
		if err := rows.Scan(&c.Name, &c.ClassNameID, &c.Current, &c.StartPeriod, &c.EndPeriod); err != nil {
			return nil, err
		}
		c.Total = c.Current
		counters = append(counters, c)
	}
	return counters, rows.Err()
}

// RankUsers orders the users of a group by the sum of their current
// ranking counters.
func (s *PostgresStore) RankUsers(ctx context.Context, groupID, userClassNameID int64, names []string, offset, limit int) ([]int64, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT c.class_pk
		FROM activity_counters c
		JOIN users u ON u.id = c.class_pk
		WHERE c.group_id = $1 AND c.class_name_id = $2 AND c.name = ANY($3) AND c.end_period = -1
			AND c.active AND u.active AND NOT u.is_default
		GROUP BY c.class_pk
		ORDER BY SUM(c.current_value) DESC, c.class_pk
		OFFSET $4 LIMIT $5
	`, groupID, userClassNameID, names, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("rank users: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) CountRankedUsers(ctx context.Context, groupID, userClassNameID int64, names []string) (int, error) {
	var count int
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT c.class_pk)
		FROM activity_counters c
		JOIN users u ON u.id = c.class_pk
		WHERE c.group_id = $1 AND c.class_name_id = $2 AND c.name = ANY($3) AND c.end_period = -1
			AND c.active AND u.active AND NOT u.is_default
	`, groupID, userClassNameID, names).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count ranked users: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListLatestActivityCounters(ctx context.Context, groupID, classNameID int64, classPKs []int64, names []string) ([]ActivityCounter, error) {
	return s.queryActivityCounters(ctx, `
		SELECT `+activityCounterColumns+` FROM activity_counters
		WHERE group_id = $1 AND class_name_id = $2 AND class_pk = ANY($3) AND name = ANY($4) AND end_period = -1
		ORDER BY class_pk, name
	`, groupID, classNameID, classPKs, names)
}

func (s *PostgresStore) queryActivityCounters(ctx context.Context, query string, args ...any) ([]ActivityCounter, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activity counters: %w", err)
	}
	defer rows.Close()

	counters := make([]ActivityCounter, 0)
	for rows.Next() {
		counter, err := scanActivityCounter(rows)
		if err != nil {
			return nil, err
		}
		counters = append(counters, counter)
	}
	return counters, rows.Err()
}

const activityLimitColumns = `id, group_id, user_id, class_name_id, class_pk, activity_type, activity_counter_name, marker, count`

func (s *PostgresStore) FetchActivityLimit(ctx context.Context, groupID, userID, classNameID, classPK int64, activityType int, counterName string) (*ActivityLimit, error) {
	var l ActivityLimit
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT `+activityLimitColumns+` FROM activity_limits
		WHERE group_id = $1 AND user_id = $2 AND class_name_id = $3 AND class_pk = $4
			AND activity_type = $5 AND activity_counter_name = $6
	`, groupID, userID, classNameID, classPK, activityType, counterName).Scan(
		&l.ID, &l.GroupID, &l.UserID, &l.ClassNameID, &l.ClassPK, &l.ActivityType, &l.ActivityCounterName, &l.Marker, &l.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch activity limit: %w", err)
	}
	return &l, nil
}

func (s *PostgresStore) InsertActivityLimit(ctx context.Context, l *ActivityLimit) error {
	err := s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO activity_limits (group_id, user_id, class_name_id, class_pk, activity_type, activity_counter_name, marker, count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, l.GroupID, l.UserID, l.ClassNameID, l.ClassPK, l.ActivityType, l.ActivityCounterName, l.Marker, l.Count).Scan(&l.ID)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert activity limit: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateActivityLimit(ctx context.Context, l ActivityLimit) error {
	result, err := s.conn(ctx).ExecContext(ctx, `UPDATE activity_limits SET marker = $2, count = $3 WHERE id = $1`, l.ID, l.Marker, l.Count)
	if err != nil {
		return fmt.Errorf("update activity limit: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) DeleteActivityLimitsByClass(ctx context.Context, classNameID, classPK int64) error {
	if _, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM activity_limits WHERE class_name_id = $1 AND class_pk = $2`, classNameID, classPK); err != nil {
		return fmt.Errorf("delete activity limits: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteActivityLimitsByUser(ctx context.Context, userID int64) error {
	if _, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM activity_limits WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete user activity limits: %w", err)
	}
	return nil
}

// IsActivityEnabled reports the per-asset setting; assets without a row are
// enabled.
func (s *PostgresStore) IsActivityEnabled(ctx context.Context, groupID, classNameID, classPK int64) (bool, error) {
	var enabled bool
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT enabled FROM activity_settings WHERE group_id = $1 AND class_name_id = $2 AND class_pk = $3
	`, groupID, classNameID, classPK).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read activity setting: %w", err)
	}
	return enabled, nil
}

func (s *PostgresStore) SetActivityEnabled(ctx context.Context, groupID, classNameID, classPK int64, enabled bool) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO activity_settings (group_id, class_name_id, class_pk, enabled) VALUES ($1, $2, $3, $4)
		ON CONFLICT (group_id, class_name_id, class_pk) DO UPDATE SET enabled = EXCLUDED.enabled
	`, groupID, classNameID, classPK, enabled)
	if err != nil {
		return fmt.Errorf("save activity setting: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteActivitySettings(ctx context.Context, classNameID, classPK int64) error {
	if _, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM activity_settings WHERE class_name_id = $1 AND class_pk = $2`, classNameID, classPK); err != nil {
		return fmt.Errorf("delete activity settings: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
