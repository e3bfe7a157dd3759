package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ExistingPicIDs returns which of ids already have a durable PIC record.
func (r *Repository) ExistingPicIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	if len(ids) == 0 {
		return existing, nil
	}

	query := `SELECT id FROM uar_pic_records WHERE id = ANY($1)`

	rows, err := r.db.conn(ctx).Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("query existing pic ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pic id: %w", err)
		}
		existing[id] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return existing, nil
}

// InsertPicRecords creates the given records in one batch. Keys that already
// exist are skipped, existing rows are never modified. Returns the number of
// rows actually created.
func (r *Repository) InsertPicRecords(ctx context.Context, records []*PicRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO uar_pic_records (id, name, division_id, mail, application_id, source)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`

	inserted := 0
	err := r.WithinTx(ctx, func(ctx context.Context) error {
		tx, ok := r.db.conn(ctx).(pgx.Tx)
		if !ok {
			return fmt.Errorf("insert pic records: no transaction")
		}

		batch := &pgx.Batch{}
		for _, rec := range records {
			batch.Queue(query, rec.ID, rec.Name, rec.DivisionID, rec.Mail, rec.ApplicationID, rec.Source)
		}

		results := tx.SendBatch(ctx, batch)
		for _, rec := range records {
			tag, err := results.Exec()
			if err != nil {
				_ = results.Close()
				return fmt.Errorf("insert pic %s: %w", rec.ID, err)
			}
			inserted += int(tag.RowsAffected())
		}
		return results.Close()
	})
	if err != nil {
		r.logger.Error("failed to insert pic records", zap.Error(err), zap.Int("count", len(records)))
		return 0, err
	}

	return inserted, nil
}
