// Package store keeps converted visit tables in a local SQLite database so
// imported exports can be browsed, corrected and removed later.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hyperifyio/koteria/internal/visit"
)

// ErrNotFound is returned when a visit or batch id does not exist.
var ErrNotFound = errors.New("not found")

// Batch is one imported document.
type Batch struct {
	ID            string    `json:"id"`
	Source        string    `json:"source"`
	ContentSHA256 string    `json:"content_sha256"`
	Rows          int       `json:"rows"`
	Warnings      int       `json:"warnings"`
	CreatedAt     time.Time `json:"created_at"`
}

// Visit is a stored record with its identity.
type Visit struct {
	ID        string       `json:"id"`
	BatchID   string       `json:"batch_id"`
	Position  int          `json:"position"`
	Record    visit.Record `json:"record"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	BatchID string
	// Owner and Patient match case-insensitive substrings.
	Owner   string
	Patient string
	Limit   int
}

// Stats are the headline counters of the store.
type Stats struct {
	Visits   int `json:"visits"`
	Batches  int `json:"batches"`
	Owners   int `json:"owners"`
	Patients int `json:"patients"`
}

// Store is a SQLite-backed visit table store. It is safe for concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

const visitColumns = `v.id, v.batch_id, v.position, v.visit_timestamp, v.visit_kind,
	v.owner_name, v.owner_phone, v.owner_email, v.patient_name, v.patient_id,
	v.species, v.breed, v.sex, v.age, v.microchip_id,
	v.procedures, v.medications, v.recommendations, v.updated_at`

// AddBatch stores every row of one converted document in a single
// transaction and returns the new batch.
func (s *Store) AddBatch(ctx context.Context, source string, digest string, rows []visit.Record, warnings int) (Batch, error) {
	now := s.now().UTC()
	b := Batch{
		ID:            uuid.NewString(),
		Source:        source,
		ContentSHA256: digest,
		Rows:          len(rows),
		Warnings:      warnings,
		CreatedAt:     now,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Batch{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO batches (id, source, content_sha256, row_count, warning_count, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.Source, b.ContentSHA256, b.Rows, b.Warnings, now.UnixMilli()); err != nil {
		return Batch{}, fmt.Errorf("insert batch: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO visits (
		id, batch_id, position, visit_timestamp, timestamp_parsed, visit_kind,
		owner_name, owner_phone, owner_email, patient_name, patient_id,
		species, breed, sex, age, microchip_id,
		procedures, medications, recommendations, owner_name_fold, patient_name_fold, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return Batch{}, fmt.Errorf("prepare visit insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range rows {
		args := append([]any{uuid.NewString(), b.ID, i}, recordArgs(r)...)
		args = append(args, now.UnixMilli())
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return Batch{}, fmt.Errorf("insert visit %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Batch{}, fmt.Errorf("commit: %w", err)
	}
	return b, nil
}

// FindBatchByDigest returns the most recent batch imported from content with
// the given digest.
func (s *Store) FindBatchByDigest(ctx context.Context, digest string) (Batch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source, content_sha256, row_count, warning_count, created_at
		 FROM batches WHERE content_sha256 = ? ORDER BY rowid DESC LIMIT 1`, digest)
	return scanBatch(row)
}

// Batches lists imported documents, oldest first.
func (s *Store) Batches(ctx context.Context) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, content_sha256, row_count, warning_count, created_at FROM batches ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()
	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// List returns visits in import order, and within a batch in document order.
func (s *Store) List(ctx context.Context, f Filter) ([]Visit, error) {
	var (
		where []string
		args  []any
	)
	if f.BatchID != "" {
		where = append(where, "v.batch_id = ?")
		args = append(args, f.BatchID)
	}
	if f.Owner != "" {
		where = append(where, `v.owner_name_fold LIKE ? ESCAPE '\'`)
		args = append(args, containsPattern(f.Owner))
	}
	if f.Patient != "" {
		where = append(where, `v.patient_name_fold LIKE ? ESCAPE '\'`)
		args = append(args, containsPattern(f.Patient))
	}
	q := "SELECT " + visitColumns + " FROM visits v JOIN batches b ON b.id = v.batch_id"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY b.rowid, v.position"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query visits: %w", err)
	}
	defer rows.Close()
	var out []Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Get returns one visit by id.
func (s *Store) Get(ctx context.Context, id string) (Visit, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+visitColumns+" FROM visits v WHERE v.id = ?", id)
	return scanVisit(row)
}

// Update replaces the record of an existing visit.
func (s *Store) Update(ctx context.Context, id string, r visit.Record) error {
	args := append(recordArgs(r), s.now().UTC().UnixMilli(), id)
	res, err := s.db.ExecContext(ctx, `UPDATE visits SET
		visit_timestamp = ?, timestamp_parsed = ?, visit_kind = ?,
		owner_name = ?, owner_phone = ?, owner_email = ?, patient_name = ?, patient_id = ?,
		species = ?, breed = ?, sex = ?, age = ?, microchip_id = ?,
		procedures = ?, medications = ?, recommendations = ?,
		owner_name_fold = ?, patient_name_fold = ?, updated_at = ?
		WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update visit: %w", err)
	}
	return expectOne(res)
}

// Delete removes one visit.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var batchID string
	if err := tx.QueryRowContext(ctx, `SELECT batch_id FROM visits WHERE id = ?`, id).Scan(&batchID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lookup visit: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM visits WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete visit: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE batches SET row_count = row_count - 1 WHERE id = ?`, batchID); err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	return tx.Commit()
}

// DeleteBatch removes a batch and all of its visits, returning how many
// visits were removed.
func (s *Store) DeleteBatch(ctx context.Context, batchID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM visits WHERE batch_id = ?`, batchID)
	if err != nil {
		return 0, fmt.Errorf("delete visits: %w", err)
	}
	n, _ := res.RowsAffected()
	bres, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE id = ?`, batchID)
	if err != nil {
		return 0, fmt.Errorf("delete batch: %w", err)
	}
	if err := expectOne(bres); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int(n), nil
}

// Stats counts visits, batches, distinct owners and distinct patients.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM visits),
		(SELECT COUNT(*) FROM batches),
		(SELECT COUNT(DISTINCT owner_name) FROM visits WHERE owner_name IS NOT NULL AND owner_name <> ''),
		(SELECT COUNT(DISTINCT patient_id) FROM visits WHERE patient_id IS NOT NULL AND patient_id <> '')`).
		Scan(&st.Visits, &st.Batches, &st.Owners, &st.Patients)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

// likeEscaper makes a user query literal inside a LIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern is a LIKE pattern matching q as a case-folded substring.
func containsPattern(q string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(q)) + "%"
}

// foldNull is the search form of a nullable name column.
func foldNull(ns sql.NullString) sql.NullString {
	if !ns.Valid {
		return ns
	}
	return sql.NullString{String: strings.ToLower(ns.String), Valid: true}
}

// recordArgs returns the record's column values from visit_timestamp to
// recommendations, followed by the folded name columns, in schema order.
func recordArgs(r visit.Record) []any {
	parsed := 0
	if r.VisitTimestamp.Parsed {
		parsed = 1
	}
	return []any{
		r.VisitTimestamp.String(), parsed, r.VisitKind,
		nullable(r.OwnerName), nullable(r.OwnerPhone), nullable(r.OwnerEmail),
		nullable(r.PatientName), nullable(r.PatientID),
		nullable(r.Species), nullable(r.Breed), nullable(r.Sex), nullable(r.Age), nullable(r.MicrochipID),
		r.Procedures, r.Medications, r.Recommendations,
		foldNull(nullable(r.OwnerName)), foldNull(nullable(r.PatientName)),
	}
}

func nullable(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func fromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVisit(sc scanner) (Visit, error) {
	var (
		v         Visit
		ts        string
		updatedAt int64
		owner, phone, email, pname, pid,
		species, breed, sex, age, chip sql.NullString
	)
	err := sc.Scan(&v.ID, &v.BatchID, &v.Position, &ts, &v.Record.VisitKind,
		&owner, &phone, &email, &pname, &pid,
		&species, &breed, &sex, &age, &chip,
		&v.Record.Procedures, &v.Record.Medications, &v.Record.Recommendations, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Visit{}, ErrNotFound
		}
		return Visit{}, fmt.Errorf("scan visit: %w", err)
	}
	v.Record.VisitTimestamp = visit.TimestampFromString(ts)
	v.Record.OwnerName = fromNull(owner)
	v.Record.OwnerPhone = fromNull(phone)
	v.Record.OwnerEmail = fromNull(email)
	v.Record.PatientName = fromNull(pname)
	v.Record.PatientID = fromNull(pid)
	v.Record.Species = fromNull(species)
	v.Record.Breed = fromNull(breed)
	v.Record.Sex = fromNull(sex)
	v.Record.Age = fromNull(age)
	v.Record.MicrochipID = fromNull(chip)
	v.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return v, nil
}

func scanBatch(sc scanner) (Batch, error) {
	var (
		b       Batch
		created int64
	)
	if err := sc.Scan(&b.ID, &b.Source, &b.ContentSHA256, &b.Rows, &b.Warnings, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Batch{}, ErrNotFound
		}
		return Batch{}, fmt.Errorf("scan batch: %w", err)
	}
	b.CreatedAt = time.UnixMilli(created).UTC()
	return b, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
