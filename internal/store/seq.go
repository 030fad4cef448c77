package store

import (
	"context"
	"database/sql"
)

// nextConvSeq bumps the per conversation counter inside tx and returns the new
// value. The row is created on first use; LAST_INSERT_ID(expr) carries the
// incremented value back on the same connection.
func nextConvSeq(ctx context.Context, tx *sql.Tx, convID string) (int64, error) {
	_, err := tx.ExecContext(ctx, `
INSERT INTO im_conv_seq (conv_id, seq)
VALUES (?, LAST_INSERT_ID(1))
ON DUPLICATE KEY UPDATE seq = LAST_INSERT_ID(seq + 1)
`, convID)
	if err != nil {
		return 0, err
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT LAST_INSERT_ID()`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}
