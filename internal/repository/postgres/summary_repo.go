package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/medconsent/internal/errs"
	"github.com/and161185/medconsent/internal/model"
)

// SummaryRepo implements SummaryRepository using PostgreSQL.
// One row per patient; entries are stored as a JSONB array and version is the CAS witness.
type SummaryRepo struct{ db *DB }

// NewSummaryRepo constructs a summary repository.
func NewSummaryRepo(db *DB) *SummaryRepo { return &SummaryRepo{db: db} }

// entryDoc is the JSONB shape of a summary entry.
type entryDoc struct {
	Text         string    `json:"text"`
	DocumentDate string    `json:"document_date,omitempty"` // YYYY-MM-DD
	RecordedAt   time.Time `json:"recorded_at"`
	RecordID     string    `json:"record_id,omitempty"`
}

// Get returns the patient's log, or an empty log at version 0.
func (r *SummaryRepo) Get(ctx context.Context, patientID uuid.UUID) (model.SummaryLog, error) {
	const q = `SELECT version, entries, updated_at FROM summary_logs WHERE patient_id=$1`
	var (
		ver int64
		raw []byte
		ts  time.Time
	)
	if err := r.db.Pool.QueryRow(ctx, q, patientID).Scan(&ver, &raw, &ts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SummaryLog{PatientID: patientID, Entries: []model.SummaryEntry{}}, nil
		}
		return model.SummaryLog{}, err
	}
	entries, err := decodeEntries(raw)
	if err != nil {
		return model.SummaryLog{}, err
	}
	return model.SummaryLog{PatientID: patientID, Version: ver, Entries: entries, UpdatedAt: ts}, nil
}

// Update locks the patient's row, applies fn and writes the result in one transaction.
func (r *SummaryRepo) Update(
	ctx context.Context, patientID uuid.UUID, fn func(model.SummaryLog) model.SummaryLog,
) (out model.SummaryLog, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.SummaryLog{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const ensure = `
INSERT INTO summary_logs (patient_id, version, entries, updated_at)
VALUES ($1, 0, '[]'::jsonb, now())
ON CONFLICT (patient_id) DO NOTHING`
	const sel = `SELECT version, entries, updated_at FROM summary_logs WHERE patient_id=$1 FOR UPDATE`
	const upd = `UPDATE summary_logs SET version=$2, entries=$3::jsonb, updated_at=$4 WHERE patient_id=$1 AND version=$5`

	if _, err = tx.Exec(ctx, ensure, patientID); err != nil {
		return model.SummaryLog{}, err
	}

	var (
		ver int64
		raw []byte
		ts  time.Time
	)
	if err = tx.QueryRow(ctx, sel, patientID).Scan(&ver, &raw, &ts); err != nil {
		return model.SummaryLog{}, err
	}
	entries, err := decodeEntries(raw)
	if err != nil {
		return model.SummaryLog{}, err
	}
	cur := model.SummaryLog{PatientID: patientID, Version: ver, Entries: entries, UpdatedAt: ts}

	next := fn(cur)
	if next.Version == cur.Version {
		return cur, nil
	}

	doc, err := encodeEntries(next.Entries)
	if err != nil {
		return model.SummaryLog{}, err
	}
	tag, err := tx.Exec(ctx, upd, patientID, next.Version, doc, next.UpdatedAt, cur.Version)
	if err != nil {
		return model.SummaryLog{}, err
	}
	if tag.RowsAffected() == 0 {
		return model.SummaryLog{}, errs.ErrVersionConflict
	}
	next.PatientID = patientID
	return next, nil
}

func decodeEntries(raw []byte) ([]model.SummaryEntry, error) {
	var docs []entryDoc
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &docs); err != nil {
			return nil, fmt.Errorf("decode summary entries: %w", err)
		}
	}
	out := make([]model.SummaryEntry, 0, len(docs))
	for _, d := range docs {
		e := model.SummaryEntry{Text: d.Text, RecordedAt: d.RecordedAt}
		if d.DocumentDate != "" {
			dd, err := time.Parse(time.DateOnly, d.DocumentDate)
			if err != nil {
				return nil, fmt.Errorf("decode summary entries: %w", err)
			}
			e.DocumentDate = &dd
		}
		if d.RecordID != "" {
			id, err := uuid.FromString(d.RecordID)
			if err != nil {
				return nil, fmt.Errorf("decode summary entries: %w", err)
			}
			e.RecordID = id
		}
		out = append(out, e)
	}
	return out, nil
}

func encodeEntries(entries []model.SummaryEntry) (string, error) {
	docs := make([]entryDoc, 0, len(entries))
	for _, e := range entries {
		d := entryDoc{Text: e.Text, RecordedAt: e.RecordedAt.UTC()}
		if e.DocumentDate != nil {
			d.DocumentDate = e.DocumentDate.Format(time.DateOnly)
		}
		if e.RecordID != uuid.Nil {
			d.RecordID = e.RecordID.String()
		}
		docs = append(docs, d)
	}
	b, err := json.Marshal(docs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
