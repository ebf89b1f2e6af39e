package patientflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const tokenUniqueConstraint = "queue_entry_token_number_key"

type queueRepoPG struct{ pool *pgxpool.Pool }

func NewQueueRepoPG(pool *pgxpool.Pool) QueueRepository { return &queueRepoPG{pool: pool} }

const queueCols = `id, patient_id, patient_name, token_number, status, priority,
	doctor_id, doctor_name, registered_at, last_updated_at, estimated_wait_time,
	vitals, lab_tests, medications, diagnosis, chief_complaints, notes`

type queueRow struct {
	status    string
	priority  string
	vitals    []byte
	labs      []byte
	meds      []byte
	diagnosis []byte
}

func (r *queueRepoPG) scanEntry(row pgx.Row) (*QueueEntry, error) {
	var e QueueEntry
	var q queueRow
	err := row.Scan(&e.ID, &e.PatientID, &e.PatientName, &e.TokenNumber, &q.status, &q.priority,
		&e.DoctorID, &e.DoctorName, &e.RegisteredAt, &e.LastUpdatedAt, &e.EstimatedWaitTime,
		&q.vitals, &q.labs, &q.meds, &q.diagnosis, &e.ChiefComplaints, &e.Notes)
	if err != nil {
		return nil, err
	}
	e.Status = Status(q.status)
	e.Priority = Priority(q.priority)
	if len(q.vitals) > 0 && string(q.vitals) != "null" {
		e.Vitals = &Vitals{}
		if err := json.Unmarshal(q.vitals, e.Vitals); err != nil {
			return nil, fmt.Errorf("decode vitals: %w", err)
		}
	}
	if err := decodeList(q.labs, &e.LabTests); err != nil {
		return nil, fmt.Errorf("decode lab_tests: %w", err)
	}
	if err := decodeList(q.meds, &e.Medications); err != nil {
		return nil, fmt.Errorf("decode medications: %w", err)
	}
	if err := decodeList(q.diagnosis, &e.Diagnosis); err != nil {
		return nil, fmt.Errorf("decode diagnosis: %w", err)
	}
	e.RegisteredAt = e.RegisteredAt.UTC()
	e.LastUpdatedAt = e.LastUpdatedAt.UTC()
	return &e, nil
}

func decodeList(raw []byte, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func encodeDocs(e *QueueEntry) (vitals, labs, meds, diagnosis []byte, err error) {
	if e.Vitals != nil {
		if vitals, err = json.Marshal(e.Vitals); err != nil {
			return
		}
	}
	if labs, err = json.Marshal(nonNil(e.LabTests)); err != nil {
		return
	}
	if meds, err = json.Marshal(nonNil(e.Medications)); err != nil {
		return
	}
	diagnosis, err = json.Marshal(nonNil(e.Diagnosis))
	return
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (r *queueRepoPG) Create(ctx context.Context, e *QueueEntry) error {
	vitals, labs, meds, diagnosis, err := encodeDocs(e)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO queue_entry (`+queueCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		e.ID, e.PatientID, e.PatientName, e.TokenNumber, string(e.Status), string(e.Priority),
		e.DoctorID, e.DoctorName, e.RegisteredAt, e.LastUpdatedAt, e.EstimatedWaitTime,
		vitals, labs, meds, diagnosis, e.ChiefComplaints, e.Notes)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == tokenUniqueConstraint {
			return fmt.Errorf("%w: token %d", ErrDuplicateTokenAllocation, e.TokenNumber)
		}
		return err
	}
	return nil
}

func (r *queueRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*QueueEntry, error) {
	e, err := r.scanEntry(r.pool.QueryRow(ctx, `SELECT `+queueCols+` FROM queue_entry WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return e, err
}

func (r *queueRepoPG) Update(ctx context.Context, e *QueueEntry) error {
	vitals, labs, meds, diagnosis, err := encodeDocs(e)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE queue_entry SET status=$2, priority=$3, doctor_id=$4, doctor_name=$5,
			last_updated_at=$6, estimated_wait_time=$7, vitals=$8, lab_tests=$9,
			medications=$10, diagnosis=$11, chief_complaints=$12, notes=$13
		WHERE id = $1`,
		e.ID, string(e.Status), string(e.Priority), e.DoctorID, e.DoctorName,
		e.LastUpdatedAt, e.EstimatedWaitTime, vitals, labs,
		meds, diagnosis, e.ChiefComplaints, e.Notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, e.ID)
	}
	return nil
}

func (r *queueRepoPG) List(ctx context.Context, filter QueueFilter) ([]*QueueEntry, error) {
	var where []string
	var args []interface{}
	idx := 1

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, fmt.Sprintf("status = ANY($%d)", idx))
		args = append(args, statuses)
		idx++
	}
	if filter.PatientID != "" {
		where = append(where, fmt.Sprintf("patient_id = $%d", idx))
		args = append(args, filter.PatientID)
		idx++
	}
	if filter.DoctorID != "" {
		where = append(where, fmt.Sprintf("doctor_id = $%d", idx))
		args = append(args, filter.DoctorID)
	}

	query := `SELECT ` + queueCols + ` FROM queue_entry`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY token_number ASC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*QueueEntry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *queueRepoPG) MaxToken(ctx context.Context) (int, error) {
	var highest int
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(token_number), 0) FROM queue_entry`).Scan(&highest)
	return highest, err
}
