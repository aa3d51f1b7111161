package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"exposehub/reservation-service/internal/models"
	"exposehub/reservation-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const reservationColumns = `
	reservation_id, tenant_id, property_id, user_id,
	customer_name, customer_email, customer_phone,
	equity_amount::text, equity_percentage::text, is_90_10_deal,
	adjusted_purchase_price::text, external_commission::text, internal_commission::text,
	reservation_fee_paid, reservation_fee_paid_date,
	preferred_notary, notary_appointment_date, to_char(notary_appointment_time, 'HH24:MI'), notary_location,
	status, is_active, waitlist_position,
	notes, cancellation_reason, cancelled_at,
	created_at, updated_at, created_by, updated_by`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithinProperty locks the property row for the duration of one transaction
// and runs fn inside it. Serialization failures, deadlocks and unique
// violations surface as store.ErrConcurrentModification.
func (s *Store) WithinProperty(ctx context.Context, tenantID, propertyID string, fn func(ctx context.Context, tx store.PropertyTx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapError(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	property, err := lockProperty(ctx, tx, tenantID, propertyID)
	if err != nil {
		return mapError(err)
	}
	if err = fn(ctx, &propertyTx{tx: tx, property: property}); err != nil {
		return mapError(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

func lockProperty(ctx context.Context, tx pgx.Tx, tenantID, propertyID string) (models.Property, error) {
	var property models.Property
	var status int16
	row := tx.QueryRow(ctx, `
		SELECT property_id, tenant_id, name, status, updated_at
		FROM properties
		WHERE property_id = $1 AND tenant_id = $2
		FOR UPDATE
	`, propertyID, tenantID)
	if err := row.Scan(&property.PropertyID, &property.TenantID, &property.Name, &status, &property.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Property{}, store.ErrPropertyNotFound
		}
		return models.Property{}, err
	}
	property.Status = models.Status(status)
	return property, nil
}

func (s *Store) FindPropertyID(ctx context.Context, tenantID, reservationID string) (string, error) {
	var propertyID string
	row := s.pool.QueryRow(ctx, `
		SELECT property_id FROM reservations WHERE reservation_id = $1 AND tenant_id = $2
	`, reservationID, tenantID)
	if err := row.Scan(&propertyID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", store.ErrReservationNotFound
		}
		return "", err
	}
	return propertyID, nil
}

func (s *Store) GetProperty(ctx context.Context, tenantID, propertyID string) (models.Property, error) {
	var property models.Property
	var status int16
	row := s.pool.QueryRow(ctx, `
		SELECT property_id, tenant_id, name, status, updated_at
		FROM properties
		WHERE property_id = $1 AND tenant_id = $2
	`, propertyID, tenantID)
	if err := row.Scan(&property.PropertyID, &property.TenantID, &property.Name, &status, &property.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Property{}, store.ErrPropertyNotFound
		}
		return models.Property{}, err
	}
	property.Status = models.Status(status)
	return property, nil
}

func (s *Store) GetReservation(ctx context.Context, tenantID, reservationID string) (models.Reservation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE reservation_id = $1 AND tenant_id = $2
	`, reservationID, tenantID)
	r, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Reservation{}, store.ErrReservationNotFound
		}
		return models.Reservation{}, err
	}
	return r, nil
}

func (s *Store) GetActiveReservation(ctx context.Context, tenantID, propertyID string) (models.Reservation, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE property_id = $1 AND tenant_id = $2 AND is_active
	`, propertyID, tenantID)
	r, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Reservation{}, false, nil
		}
		return models.Reservation{}, false, err
	}
	return r, true, nil
}

func (s *Store) ListWaitlist(ctx context.Context, tenantID, propertyID string) ([]models.Reservation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE property_id = $1 AND tenant_id = $2
			AND NOT is_active AND waitlist_position IS NOT NULL AND status NOT IN (0, 1)
		ORDER BY waitlist_position ASC
	`, propertyID, tenantID)
	if err != nil {
		return nil, err
	}
	return collectReservations(rows)
}

func (s *Store) ListReservations(ctx context.Context, filter store.ListFilter) ([]models.Reservation, int, error) {
	where := " WHERE tenant_id = $1"
	args := []interface{}{filter.TenantID}
	if filter.PropertyID != "" {
		args = append(args, filter.PropertyID)
		where += fmt.Sprintf(" AND property_id = $%d", len(args))
	}
	if filter.Status != nil {
		args = append(args, int(*filter.Status))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.IsActive != nil {
		args = append(args, *filter.IsActive)
		where += fmt.Sprintf(" AND is_active = $%d", len(args))
	}
	if filter.UserIDs != nil {
		args = append(args, filter.UserIDs)
		where += fmt.Sprintf(" AND user_id = ANY($%d)", len(args))
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM reservations"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + reservationColumns + " FROM reservations" + where +
		" ORDER BY is_active DESC, waitlist_position ASC NULLS FIRST, created_at DESC"
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	reservations, err := collectReservations(rows)
	if err != nil {
		return nil, 0, err
	}
	return reservations, total, nil
}

func (s *Store) ListHistory(ctx context.Context, tenantID, reservationID string) ([]models.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, reservation_id, tenant_id, seq, from_status, to_status, changed_by, changed_at, notes, prev_hash, hash
		FROM reservation_status_history
		WHERE reservation_id = $1 AND tenant_id = $2
		ORDER BY seq ASC
	`, reservationID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		entry, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) ListPendingOutbox(ctx context.Context, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, tenant_id, property_id, type, payload_json, created_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY seq ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return collectOutboxEvents(rows)
}

// ClaimOutbox locks pending rows with SKIP LOCKED so concurrent relays never
// hand the same event to publishers.
func (s *Store) ClaimOutbox(ctx context.Context, limit int, deliver store.OutboxDelivery) (count int, err error) {
	if limit <= 0 {
		limit = 100
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := tx.Query(ctx, `
		SELECT event_id, tenant_id, property_id, type, payload_json, created_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY seq ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return 0, err
	}
	events, err := collectOutboxEvents(rows)
	if err != nil {
		return 0, err
	}

	var delivered []string
	var publishedAt time.Time
	if len(events) > 0 {
		delivered, publishedAt = deliver(ctx, events)
	}
	if len(delivered) > 0 {
		if _, err = tx.Exec(ctx, `
			UPDATE outbox_events
			SET published_at = $2
			WHERE event_id = ANY($1) AND published_at IS NULL
		`, delivered, publishedAt); err != nil {
			return 0, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(delivered), nil
}

func collectOutboxEvents(rows pgx.Rows) ([]store.OutboxEvent, error) {
	defer rows.Close()
	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		var payload []byte
		if err := rows.Scan(&event.EventID, &event.TenantID, &event.PropertyID, &event.Type, &payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.Payload = payload
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	var session store.Session
	var role string
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, user_id, tenant_id, role, expires_at
		FROM sessions
		WHERE session_id = $1 AND expires_at > now()
	`, sessionID)
	if err := row.Scan(&session.SessionID, &session.UserID, &session.TenantID, &role, &session.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Session{}, store.ErrSessionNotFound
		}
		return store.Session{}, err
	}
	session.Role = models.Role(role)
	return session, nil
}

func (s *Store) ListTeamMembers(ctx context.Context, tenantID, managerID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT member_id FROM user_team WHERE tenant_id = $1 AND manager_id = $2 ORDER BY member_id
	`, tenantID, managerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var memberID string
		if err := rows.Scan(&memberID); err != nil {
			return nil, err
		}
		members = append(members, memberID)
	}
	return members, rows.Err()
}

type propertyTx struct {
	tx       pgx.Tx
	property models.Property
}

func (p *propertyTx) Property() models.Property {
	return p.property
}

func (p *propertyTx) GetReservation(ctx context.Context, reservationID string) (models.Reservation, error) {
	row := p.tx.QueryRow(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE reservation_id = $1 AND property_id = $2 AND tenant_id = $3
	`, reservationID, p.property.PropertyID, p.property.TenantID)
	r, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Reservation{}, store.ErrReservationNotFound
		}
		return models.Reservation{}, err
	}
	return r, nil
}

func (p *propertyTx) ActiveReservation(ctx context.Context) (models.Reservation, bool, error) {
	row := p.tx.QueryRow(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE property_id = $1 AND is_active
	`, p.property.PropertyID)
	r, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Reservation{}, false, nil
		}
		return models.Reservation{}, false, err
	}
	return r, true, nil
}

func (p *propertyTx) Waitlist(ctx context.Context) ([]models.Reservation, error) {
	rows, err := p.tx.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE property_id = $1 AND NOT is_active AND waitlist_position IS NOT NULL AND status NOT IN (0, 1)
		ORDER BY waitlist_position ASC
	`, p.property.PropertyID)
	if err != nil {
		return nil, err
	}
	return collectReservations(rows)
}

func (p *propertyTx) InsertReservation(ctx context.Context, r models.Reservation) error {
	_, err := p.tx.Exec(ctx, `
		INSERT INTO reservations (
			reservation_id, tenant_id, property_id, user_id,
			customer_name, customer_email, customer_phone,
			equity_amount, equity_percentage, is_90_10_deal,
			adjusted_purchase_price, external_commission, internal_commission,
			reservation_fee_paid, reservation_fee_paid_date,
			preferred_notary, notary_appointment_date, notary_appointment_time, notary_location,
			status, is_active, waitlist_position,
			notes, cancellation_reason, cancelled_at,
			created_at, updated_at, created_by, updated_by
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8::text::numeric, $9::text::numeric, $10,
			$11::text::numeric, $12::text::numeric, $13::text::numeric,
			$14, $15,
			$16, $17, $18::text::time, $19,
			$20, $21, $22,
			$23, $24, $25,
			$26, $27, $28, $29
		)
	`, r.ReservationID, r.TenantID, r.PropertyID, r.UserID,
		r.CustomerName, nullIfEmpty(r.CustomerEmail), nullIfEmpty(r.CustomerPhone),
		decimalArg(r.EquityAmount), decimalArg(r.EquityPercentage), r.Is9010Deal,
		decimalArg(r.AdjustedPurchasePrice), decimalArg(r.ExternalCommission), decimalArg(r.InternalCommission),
		r.ReservationFeePaid, timeArg(r.ReservationFeePaidDate),
		nullIfEmpty(r.PreferredNotary), timeArg(r.NotaryAppointmentDate), stringArg(r.NotaryAppointmentTime), nullIfEmpty(r.NotaryLocation),
		int16(r.Status), r.IsActive, intArg(r.WaitlistPosition),
		nullIfEmpty(r.Notes), nullIfEmpty(r.CancellationReason), timeArg(r.CancelledAt),
		r.CreatedAt, r.UpdatedAt, r.CreatedBy, nullIfEmpty(r.UpdatedBy),
	)
	return err
}

func (p *propertyTx) UpdateReservation(ctx context.Context, r models.Reservation) error {
	tag, err := p.tx.Exec(ctx, `
		UPDATE reservations
		SET customer_name = $3,
			customer_email = $4,
			customer_phone = $5,
			equity_amount = $6::text::numeric,
			equity_percentage = $7::text::numeric,
			is_90_10_deal = $8,
			adjusted_purchase_price = $9::text::numeric,
			external_commission = $10::text::numeric,
			internal_commission = $11::text::numeric,
			reservation_fee_paid = $12,
			reservation_fee_paid_date = $13,
			preferred_notary = $14,
			notary_appointment_date = $15,
			notary_appointment_time = $16::text::time,
			notary_location = $17,
			status = $18,
			is_active = $19,
			waitlist_position = $20,
			notes = $21,
			cancellation_reason = $22,
			cancelled_at = $23,
			updated_at = $24,
			updated_by = $25
		WHERE reservation_id = $1 AND property_id = $2
	`, r.ReservationID, p.property.PropertyID,
		r.CustomerName, nullIfEmpty(r.CustomerEmail), nullIfEmpty(r.CustomerPhone),
		decimalArg(r.EquityAmount), decimalArg(r.EquityPercentage), r.Is9010Deal,
		decimalArg(r.AdjustedPurchasePrice), decimalArg(r.ExternalCommission), decimalArg(r.InternalCommission),
		r.ReservationFeePaid, timeArg(r.ReservationFeePaidDate),
		nullIfEmpty(r.PreferredNotary), timeArg(r.NotaryAppointmentDate), stringArg(r.NotaryAppointmentTime), nullIfEmpty(r.NotaryLocation),
		int16(r.Status), r.IsActive, intArg(r.WaitlistPosition),
		nullIfEmpty(r.Notes), nullIfEmpty(r.CancellationReason), timeArg(r.CancelledAt),
		r.UpdatedAt, nullIfEmpty(r.UpdatedBy),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrReservationNotFound
	}
	return nil
}

func (p *propertyTx) SetPropertyStatus(ctx context.Context, status models.Status, at time.Time) error {
	_, err := p.tx.Exec(ctx, `
		UPDATE properties SET status = $1, updated_at = $2 WHERE property_id = $3
	`, int16(status), at, p.property.PropertyID)
	if err != nil {
		return err
	}
	p.property.Status = status
	p.property.UpdatedAt = at
	return nil
}

func (p *propertyTx) LastHistoryEntry(ctx context.Context, reservationID string) (models.HistoryEntry, bool, error) {
	row := p.tx.QueryRow(ctx, `
		SELECT entry_id, reservation_id, tenant_id, seq, from_status, to_status, changed_by, changed_at, notes, prev_hash, hash
		FROM reservation_status_history
		WHERE reservation_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, reservationID)
	entry, err := scanHistoryEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.HistoryEntry{}, false, nil
		}
		return models.HistoryEntry{}, false, err
	}
	return entry, true, nil
}

func (p *propertyTx) AppendHistory(ctx context.Context, entry models.HistoryEntry) error {
	var from interface{}
	if entry.FromStatus != nil {
		from = int16(*entry.FromStatus)
	}
	_, err := p.tx.Exec(ctx, `
		INSERT INTO reservation_status_history (
			entry_id, reservation_id, tenant_id, seq, from_status, to_status, changed_by, changed_at, notes, prev_hash, hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, entry.EntryID, entry.ReservationID, entry.TenantID, entry.Seq, from, int16(entry.ToStatus),
		entry.ChangedBy, entry.ChangedAt, nullIfEmpty(entry.Notes), entry.PrevHash, entry.Hash)
	return err
}

func (p *propertyTx) InsertOutboxEvent(ctx context.Context, event store.OutboxEvent) error {
	_, err := p.tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, tenant_id, property_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.EventID, event.TenantID, event.PropertyID, event.Type, []byte(event.Payload), event.CreatedAt)
	return err
}

func scanReservation(row pgx.Row) (models.Reservation, error) {
	var r models.Reservation
	var email, phone, notary, location, notes, reason, updatedBy sql.NullString
	var equityAmount, equityPercentage, adjusted, external, internal sql.NullString
	var feePaidDate, appointmentDate, cancelledAt sql.NullTime
	var appointmentTime sql.NullString
	var position sql.NullInt32
	var status int16
	if err := row.Scan(
		&r.ReservationID, &r.TenantID, &r.PropertyID, &r.UserID,
		&r.CustomerName, &email, &phone,
		&equityAmount, &equityPercentage, &r.Is9010Deal,
		&adjusted, &external, &internal,
		&r.ReservationFeePaid, &feePaidDate,
		&notary, &appointmentDate, &appointmentTime, &location,
		&status, &r.IsActive, &position,
		&notes, &reason, &cancelledAt,
		&r.CreatedAt, &r.UpdatedAt, &r.CreatedBy, &updatedBy,
	); err != nil {
		return models.Reservation{}, err
	}

	r.CustomerEmail = email.String
	r.CustomerPhone = phone.String
	r.PreferredNotary = notary.String
	r.NotaryLocation = location.String
	r.Notes = notes.String
	r.CancellationReason = reason.String
	r.UpdatedBy = updatedBy.String
	r.ReservationFeePaidDate = nullTimePtr(feePaidDate)
	r.NotaryAppointmentDate = nullTimePtr(appointmentDate)
	r.NotaryAppointmentTime = nullStringPtr(appointmentTime)
	r.CancelledAt = nullTimePtr(cancelledAt)
	r.Status = models.Status(status)
	if position.Valid {
		pos := int(position.Int32)
		r.WaitlistPosition = &pos
	}

	var err error
	for _, field := range []struct {
		target *decimal.NullDecimal
		value  sql.NullString
	}{
		{&r.EquityAmount, equityAmount},
		{&r.EquityPercentage, equityPercentage},
		{&r.AdjustedPurchasePrice, adjusted},
		{&r.ExternalCommission, external},
		{&r.InternalCommission, internal},
	} {
		if *field.target, err = nullDecimal(field.value); err != nil {
			return models.Reservation{}, err
		}
	}
	return r, nil
}

func collectReservations(rows pgx.Rows) ([]models.Reservation, error) {
	defer rows.Close()
	var reservations []models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return reservations, nil
}

func scanHistoryEntry(row pgx.Row) (models.HistoryEntry, error) {
	var entry models.HistoryEntry
	var from sql.NullInt16
	var to int16
	var notes sql.NullString
	if err := row.Scan(&entry.EntryID, &entry.ReservationID, &entry.TenantID, &entry.Seq, &from, &to, &entry.ChangedBy, &entry.ChangedAt, &notes, &entry.PrevHash, &entry.Hash); err != nil {
		return models.HistoryEntry{}, err
	}
	if from.Valid {
		entry.FromStatus = models.StatusPtr(models.Status(from.Int16))
	}
	entry.ToStatus = models.Status(to)
	entry.Notes = notes.String
	entry.ChangedAt = entry.ChangedAt.UTC()
	return entry, nil
}

// mapError turns lock and constraint conflicts into ErrConcurrentModification
// and leaves every other error untouched.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505", "55P03":
			return fmt.Errorf("%w: %s", store.ErrConcurrentModification, pgErr.Message)
		}
	}
	return err
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func decimalArg(value decimal.NullDecimal) interface{} {
	if !value.Valid {
		return nil
	}
	return value.Decimal.String()
}

func timeArg(value *time.Time) interface{} {
	if value == nil {
		return nil
	}
	return *value
}

func stringArg(value *string) interface{} {
	if value == nil {
		return nil
	}
	return *value
}

func intArg(value *int) interface{} {
	if value == nil {
		return nil
	}
	return *value
}

func nullDecimal(value sql.NullString) (decimal.NullDecimal, error) {
	if !value.Valid {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(value.String)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
