package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shifta/marketplace-engine/engine"
	"github.com/shifta/marketplace-engine/geo"
	"github.com/shifta/marketplace-engine/jobs"
	"github.com/shifta/marketplace-engine/ledger"
	"github.com/shopspring/decimal"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// conn runs every query against q without taking the store lock. Inside
// WithTx, q is the *sql.Tx.
type conn struct {
	q querier
}

// =============================================================================
// PARTIES
// =============================================================================

const facilityColumns = `SELECT id, user_id, name, address, is_verified, lat, lng,
	wallet_balance_minor, credit_limit, currency, created_at`

func scanFacility(row scanner) (*engine.Facility, error) {
	var (
		f           engine.Facility
		verified    int
		lat, lng    sql.NullFloat64
		balance     int64
		creditLimit string
		currency    string
		createdAt   string
	)
	err := row.Scan(&f.ID, &f.UserID, &f.Name, &f.Address, &verified, &lat, &lng,
		&balance, &creditLimit, &currency, &createdAt)
	if err != nil {
		return nil, err
	}
	f.IsVerified = verified == 1
	f.Location = point(lat, lng)
	f.WalletBalance = ledger.FromMinor(balance)
	f.CreditLimit = parseDecimal(creditLimit)
	f.Currency = ledger.Currency(currency)
	f.CreatedAt = parseTime(createdAt)
	return &f, nil
}

func (c conn) GetFacility(ctx context.Context, id string) (*engine.Facility, error) {
	row := c.q.QueryRowContext(ctx, facilityColumns+" FROM facilities WHERE id = ?", id)
	f, err := scanFacility(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("facility %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get facility: %w", err)
	}
	return f, nil
}

// SaveFacility upserts profile fields; the wallet balance and creation time
// of an existing row are left alone.
func (c conn) SaveFacility(ctx context.Context, f engine.Facility) error {
	lat, lng := coords(f.Location)
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO facilities
		(id, user_id, name, address, is_verified, lat, lng, credit_limit, currency, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			name = excluded.name,
			address = excluded.address,
			is_verified = excluded.is_verified,
			lat = excluded.lat,
			lng = excluded.lng,
			credit_limit = excluded.credit_limit,
			currency = excluded.currency
	`,
		f.ID, f.UserID, f.Name, f.Address, boolInt(f.IsVerified), lat, lng,
		f.CreditLimit.String(), string(f.Currency), formatTime(f.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save facility: %w", err)
	}
	return nil
}

const professionalColumns = `SELECT id, user_id, email, full_name, specialties_json, is_verified,
	lat, lng, wallet_balance_minor, currency, created_at`

func scanProfessional(row scanner) (*engine.Professional, error) {
	var (
		p           engine.Professional
		specialties string
		verified    int
		lat, lng    sql.NullFloat64
		balance     int64
		currency    string
		createdAt   string
	)
	err := row.Scan(&p.ID, &p.UserID, &p.Email, &p.FullName, &specialties, &verified,
		&lat, &lng, &balance, &currency, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(specialties), &p.Specialties); err != nil {
		return nil, fmt.Errorf("professional %s: bad specialties: %w", p.ID, err)
	}
	p.IsVerified = verified == 1
	p.Location = point(lat, lng)
	p.WalletBalance = ledger.FromMinor(balance)
	p.Currency = ledger.Currency(currency)
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

func (c conn) GetProfessional(ctx context.Context, id string) (*engine.Professional, error) {
	row := c.q.QueryRowContext(ctx, professionalColumns+" FROM professionals WHERE id = ?", id)
	p, err := scanProfessional(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("professional %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get professional: %w", err)
	}
	return p, nil
}

func (c conn) SaveProfessional(ctx context.Context, p engine.Professional) error {
	specialties := p.Specialties
	if specialties == nil {
		specialties = []string{}
	}
	specialtiesJSON, err := json.Marshal(specialties)
	if err != nil {
		return err
	}
	lat, lng := coords(p.Location)
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO professionals
		(id, user_id, email, full_name, specialties_json, is_verified, lat, lng, currency, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			email = excluded.email,
			full_name = excluded.full_name,
			specialties_json = excluded.specialties_json,
			is_verified = excluded.is_verified,
			lat = excluded.lat,
			lng = excluded.lng,
			currency = excluded.currency
	`,
		p.ID, p.UserID, p.Email, p.FullName, string(specialtiesJSON), boolInt(p.IsVerified),
		lat, lng, string(p.Currency), formatTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save professional: %w", err)
	}
	return nil
}

// ListMatchCandidates filters specialty in Go: specialties are a JSON list
// and matching is case-insensitive.
func (c conn) ListMatchCandidates(ctx context.Context, specialty string) ([]engine.Professional, error) {
	rows, err := c.q.QueryContext(ctx, professionalColumns+`
		FROM professionals
		WHERE is_verified = 1 AND lat IS NOT NULL AND lng IS NOT NULL
		ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query professionals: %w", err)
	}
	defer rows.Close()

	var out []engine.Professional
	for rows.Next() {
		p, err := scanProfessional(rows)
		if err != nil {
			return nil, err
		}
		if p.HasSpecialty(specialty) {
			out = append(out, *p)
		}
	}
	return out, rows.Err()
}

// =============================================================================
// SHIFTS
// =============================================================================

const shiftColumns = `SELECT id, facility_id, role, specialty, quantity_needed, quantity_filled,
	start_time, end_time, rate, is_negotiable, min_rate, address, lat, lng, status,
	escrow_minor, created_at, updated_at`

func scanShift(row scanner) (*engine.Shift, error) {
	var (
		sh                   engine.Shift
		start, end           string
		rate                 string
		negotiable           int
		minRate              sql.NullString
		lat, lng             sql.NullFloat64
		status               string
		escrow               int64
		createdAt, updatedAt string
	)
	err := row.Scan(&sh.ID, &sh.FacilityID, &sh.Role, &sh.Specialty, &sh.QuantityNeeded,
		&sh.QuantityFilled, &start, &end, &rate, &negotiable, &minRate, &sh.Address,
		&lat, &lng, &status, &escrow, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sh.StartTime = parseTime(start)
	sh.EndTime = parseTime(end)
	sh.Rate = parseDecimal(rate)
	sh.IsNegotiable = negotiable == 1
	if minRate.Valid {
		d := parseDecimal(minRate.String)
		sh.MinRate = &d
	}
	sh.Location = point(lat, lng)
	sh.Status = engine.ShiftStatus(status)
	sh.EscrowBalance = ledger.FromMinor(escrow)
	sh.CreatedAt = parseTime(createdAt)
	sh.UpdatedAt = parseTime(updatedAt)
	return &sh, nil
}

func (c conn) GetShift(ctx context.Context, id string) (*engine.Shift, error) {
	row := c.q.QueryRowContext(ctx, shiftColumns+" FROM shifts WHERE id = ?", id)
	sh, err := scanShift(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("shift %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get shift: %w", err)
	}
	return sh, nil
}

func (c conn) InsertShift(ctx context.Context, sh engine.Shift) error {
	lat, lng := coords(sh.Location)
	var minRate sql.NullString
	if sh.MinRate != nil {
		minRate = sql.NullString{String: sh.MinRate.String(), Valid: true}
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO shifts
		(id, facility_id, role, specialty, quantity_needed, quantity_filled, start_time, end_time,
		 rate, is_negotiable, min_rate, address, lat, lng, status, escrow_minor, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sh.ID, sh.FacilityID, sh.Role, sh.Specialty, sh.QuantityNeeded, sh.QuantityFilled,
		formatTime(sh.StartTime), formatTime(sh.EndTime), sh.Rate.String(), boolInt(sh.IsNegotiable),
		minRate, sh.Address, lat, lng, string(sh.Status), ledger.ToMinor(sh.EscrowBalance),
		formatTime(sh.CreatedAt), formatTime(sh.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return fmt.Errorf("facility %s: %w", sh.FacilityID, engine.ErrNotFound)
		}
		return fmt.Errorf("failed to insert shift: %w", err)
	}
	return nil
}

// UpdateShift writes the mutable fields. The CHECK constraints reject an
// out-of-range fill count or a negative escrow.
func (c conn) UpdateShift(ctx context.Context, sh engine.Shift) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE shifts
		SET quantity_filled = ?, status = ?, escrow_minor = ?, updated_at = ?
		WHERE id = ?
	`,
		sh.QuantityFilled, string(sh.Status), ledger.ToMinor(sh.EscrowBalance),
		formatTime(sh.UpdatedAt), sh.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update shift %s: %w", sh.ID, err)
	}
	return requireRow(res, "shift", sh.ID)
}

func (c conn) ListShifts(ctx context.Context, f engine.ShiftFilter) ([]engine.Shift, error) {
	var (
		where []string
		args  []any
	)
	if f.FacilityID != "" {
		where = append(where, "facility_id = ?")
		args = append(args, f.FacilityID)
	}
	if f.Specialty != "" {
		where = append(where, "specialty = ? COLLATE NOCASE")
		args = append(args, f.Specialty)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}

	query := shiftColumns + " FROM shifts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time ASC, id ASC"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query shifts: %w", err)
	}
	defer rows.Close()

	var out []engine.Shift
	for rows.Next() {
		sh, err := scanShift(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sh)
	}
	return out, rows.Err()
}

// =============================================================================
// APPLICATIONS
// =============================================================================

const applicationColumns = `SELECT id, shift_id, professional_id, status, clock_in_time,
	clock_out_time, approved_by, paid_amount, settled_at, created_at, updated_at`

func scanApplication(row scanner) (*engine.Application, error) {
	var (
		a                    engine.Application
		status               string
		clockIn, clockOut    sql.NullString
		paid                 string
		settledAt            sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&a.ID, &a.ShiftID, &a.ProfessionalID, &status, &clockIn, &clockOut,
		&a.ApprovedBy, &paid, &settledAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = engine.ApplicationStatus(status)
	a.ClockInTime = timePtr(clockIn)
	a.ClockOutTime = timePtr(clockOut)
	a.PaidAmount = parseDecimal(paid)
	a.SettledAt = timePtr(settledAt)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

func (c conn) getApplication(ctx context.Context, notFound string, where string, args ...any) (*engine.Application, error) {
	row := c.q.QueryRowContext(ctx, applicationColumns+" FROM shift_applications WHERE "+where, args...)
	a, err := scanApplication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", notFound, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get application: %w", err)
	}
	return a, nil
}

func (c conn) GetApplication(ctx context.Context, id string) (*engine.Application, error) {
	return c.getApplication(ctx, "application "+id, "id = ?", id)
}

func (c conn) FindApplication(ctx context.Context, shiftID, professionalID string) (*engine.Application, error) {
	return c.getApplication(ctx,
		fmt.Sprintf("application for %s on shift %s", professionalID, shiftID),
		"shift_id = ? AND professional_id = ?", shiftID, professionalID)
}

func (c conn) InsertApplication(ctx context.Context, a engine.Application) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO shift_applications
		(id, shift_id, professional_id, status, clock_in_time, clock_out_time, approved_by,
		 paid_amount, settled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID, a.ShiftID, a.ProfessionalID, string(a.Status), nullTime(a.ClockInTime),
		nullTime(a.ClockOutTime), a.ApprovedBy, a.PaidAmount.String(), nullTime(a.SettledAt),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrAlreadyApplied
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return fmt.Errorf("shift %s or professional %s: %w", a.ShiftID, a.ProfessionalID, engine.ErrNotFound)
		}
		return fmt.Errorf("failed to insert application: %w", err)
	}
	return nil
}

// UpdateApplication never moves an application to another shift or
// professional.
func (c conn) UpdateApplication(ctx context.Context, a engine.Application) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE shift_applications
		SET status = ?, clock_in_time = ?, clock_out_time = ?, approved_by = ?,
		    paid_amount = ?, settled_at = ?, updated_at = ?
		WHERE id = ?
	`,
		string(a.Status), nullTime(a.ClockInTime), nullTime(a.ClockOutTime), a.ApprovedBy,
		a.PaidAmount.String(), nullTime(a.SettledAt), formatTime(a.UpdatedAt), a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update application %s: %w", a.ID, err)
	}
	return requireRow(res, "application", a.ID)
}

func (c conn) ListApplications(ctx context.Context, f engine.ApplicationFilter) ([]engine.Application, error) {
	var (
		where []string
		args  []any
	)
	if f.ShiftID != "" {
		where = append(where, "shift_id = ?")
		args = append(args, f.ShiftID)
	}
	if f.ProfessionalID != "" {
		where = append(where, "professional_id = ?")
		args = append(args, f.ProfessionalID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.ClockedOutBefore != nil {
		where = append(where, "clock_out_time IS NOT NULL AND settled_at IS NULL AND clock_out_time < ?")
		args = append(args, formatTime(*f.ClockedOutBefore))
	}

	query := applicationColumns + " FROM shift_applications"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY rowid ASC"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query applications: %w", err)
	}
	defer rows.Close()

	var out []engine.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (c conn) ListCommitments(ctx context.Context, professionalID string) ([]engine.Commitment, error) {
	args := []any{professionalID}
	for _, st := range engine.BlockingStatuses {
		args = append(args, string(st))
	}
	rows, err := c.q.QueryContext(ctx, `
		SELECT a.id, a.shift_id, a.status, s.start_time, s.end_time
		FROM shift_applications a
		JOIN shifts s ON s.id = a.shift_id
		WHERE a.professional_id = ? AND a.status IN (`+placeholders(len(engine.BlockingStatuses))+`)
		ORDER BY s.start_time ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query commitments: %w", err)
	}
	defer rows.Close()

	var out []engine.Commitment
	for rows.Next() {
		var (
			cm         engine.Commitment
			status     string
			start, end string
		)
		if err := rows.Scan(&cm.ApplicationID, &cm.ShiftID, &status, &start, &end); err != nil {
			return nil, err
		}
		cm.Status = engine.ApplicationStatus(status)
		cm.Start = parseTime(start)
		cm.End = parseTime(end)
		out = append(out, cm)
	}
	return out, rows.Err()
}

// =============================================================================
// LEDGER (ledger.Store)
// =============================================================================

func walletTable(kind ledger.OwnerKind) (string, error) {
	switch kind {
	case ledger.OwnerFacility:
		return "facilities", nil
	case ledger.OwnerProfessional:
		return "professionals", nil
	}
	return "", fmt.Errorf("owner kind %q: %w", kind, ledger.ErrAccountNotFound)
}

func (c conn) Balance(ctx context.Context, a ledger.Account) (decimal.Decimal, error) {
	table, err := walletTable(a.Kind)
	if err != nil {
		return decimal.Zero, err
	}
	var minor int64
	err = c.q.QueryRowContext(ctx,
		"SELECT wallet_balance_minor FROM "+table+" WHERE id = ?", a.OwnerID,
	).Scan(&minor)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%s: %w", a, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balance: %w", err)
	}
	return ledger.FromMinor(minor), nil
}

// ApplyEntry moves the balance with a conditional UPDATE, then appends the
// entry. Callers outside a transaction go through Store.ApplyEntry.
func (c conn) ApplyEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	table, err := walletTable(e.Account.Kind)
	if err != nil {
		return ledger.Entry{}, err
	}

	if e.IdempotencyKey != "" {
		var n int
		err := c.q.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM ledger_entries WHERE idempotency_key = ?", e.IdempotencyKey,
		).Scan(&n)
		if err != nil {
			return ledger.Entry{}, fmt.Errorf("failed to check idempotency key: %w", err)
		}
		if n > 0 {
			return ledger.Entry{}, ledger.ErrDuplicatePosting
		}
	}

	delta := ledger.ToMinor(e.Delta.Value)
	res, err := c.q.ExecContext(ctx,
		"UPDATE "+table+" SET wallet_balance_minor = wallet_balance_minor + ? WHERE id = ? AND wallet_balance_minor + ? >= 0",
		delta, e.Account.OwnerID, delta,
	)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("failed to update balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.Entry{}, err
	}
	if n == 0 {
		available, err := c.Balance(ctx, e.Account)
		if err != nil {
			return ledger.Entry{}, err
		}
		return ledger.Entry{}, &ledger.InsufficientFundsError{
			Account:   e.Account,
			Available: available,
			Requested: e.Delta.Value.Neg(),
		}
	}

	after, err := c.Balance(ctx, e.Account)
	if err != nil {
		return ledger.Entry{}, err
	}
	e.BalanceAfter = after

	_, err = c.q.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, owner_kind, owner_id, delta_minor, balance_after_minor, currency, entry_type,
		 reference_id, reason, idempotency_key, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(e.ID), string(e.Account.Kind), e.Account.OwnerID, delta, ledger.ToMinor(after),
		string(e.Delta.Currency), string(e.Type), nullString(e.ReferenceID), nullString(e.Reason),
		nullString(e.IdempotencyKey), nullString(e.CreatedBy), formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.Entry{}, ledger.ErrDuplicatePosting
		}
		return ledger.Entry{}, fmt.Errorf("failed to append entry: %w", err)
	}
	return e, nil
}

func (c conn) Entries(ctx context.Context, a ledger.Account) ([]ledger.Entry, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, owner_kind, owner_id, delta_minor, balance_after_minor, currency, entry_type,
		       reference_id, reason, idempotency_key, created_by, created_at
		FROM ledger_entries
		WHERE owner_kind = ? AND owner_id = ?
		ORDER BY rowid ASC
	`, string(a.Kind), a.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var (
			e                                        ledger.Entry
			id, kind, currency, entryType, createdAt string
			delta, after                             int64
			referenceID, reason, idemKey, createdBy  sql.NullString
		)
		err := rows.Scan(&id, &kind, &e.Account.OwnerID, &delta, &after, &currency, &entryType,
			&referenceID, &reason, &idemKey, &createdBy, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.ID = ledger.EntryID(id)
		e.Account.Kind = ledger.OwnerKind(kind)
		e.Delta = ledger.NewAmount(ledger.FromMinor(delta), ledger.Currency(currency))
		e.BalanceAfter = ledger.FromMinor(after)
		e.Type = ledger.EntryType(entryType)
		e.ReferenceID = referenceID.String
		e.Reason = reason.String
		e.IdempotencyKey = idemKey.String
		e.CreatedBy = createdBy.String
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// JOBS
// =============================================================================

const jobColumns = `SELECT id, job_type, payload_json, idempotency_key, run_at, attempts, status,
	last_error, created_at, updated_at`

// EnqueueJob inserts the job. A job with the same idempotency key is left
// alone unless it has failed, in which case it is re-armed.
func (c conn) EnqueueJob(ctx context.Context, j jobs.Job) error {
	payload := string(j.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO jobs
		(id, job_type, payload_json, idempotency_key, run_at, attempts, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO UPDATE SET
			status = 'pending',
			run_at = excluded.run_at,
			attempts = 0,
			last_error = '',
			updated_at = excluded.updated_at
		WHERE jobs.status = 'failed'
	`,
		j.ID, string(j.Type), payload, nullString(j.IdempotencyKey), formatTime(j.RunAt),
		j.Attempts, string(j.Status), j.LastError, formatTime(j.CreatedAt), formatTime(j.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func scanJob(row scanner) (*jobs.Job, error) {
	var (
		j                    jobs.Job
		jobType, status      string
		payload              string
		key                  sql.NullString
		runAt                string
		createdAt, updatedAt string
	)
	err := row.Scan(&j.ID, &jobType, &payload, &key, &runAt, &j.Attempts, &status,
		&j.LastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	j.Type = jobs.Type(jobType)
	j.Payload = json.RawMessage(payload)
	j.IdempotencyKey = key.String
	j.RunAt = parseTime(runAt)
	j.Status = jobs.Status(status)
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}

func (c conn) GetJobByKey(ctx context.Context, key string) (*jobs.Job, error) {
	row := c.q.QueryRowContext(ctx, jobColumns+" FROM jobs WHERE idempotency_key = ?", key)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", key, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

func (c conn) queryJobs(ctx context.Context, query string, args ...any) ([]jobs.Job, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var out []jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// =============================================================================
// COORDINATES
// =============================================================================

func point(lat, lng sql.NullFloat64) *geo.Point {
	if !lat.Valid || !lng.Valid {
		return nil
	}
	return &geo.Point{Lat: lat.Float64, Lng: lng.Float64}
}

func coords(p *geo.Point) (sql.NullFloat64, sql.NullFloat64) {
	if p == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: p.Lat, Valid: true}, sql.NullFloat64{Float64: p.Lng, Valid: true}
}
