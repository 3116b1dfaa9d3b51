package output

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/lib/pq"

	"spool/internal/constants"
	"spool/pkg/models"
)

type PostgresSink struct {
	db    *sql.DB
	query string
}

func NewPostgresSink(db *sql.DB, table string) *PostgresSink {
	if table == "" {
		table = constants.DefaultMessagesTable
	}
	return &PostgresSink{
		db: db,
		query: fmt.Sprintf(`INSERT INTO %s (id, received_at, input_id, node_id, codec, source, streams, fields)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING`, pq.QuoteIdentifier(table)),
	}
}

func (s *PostgresSink) Name() string {
	return "postgres"
}

// Insert writes the batch in one transaction. Already stored ids are skipped.
func (s *PostgresSink) Insert(ctx context.Context, msgs []*models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.query)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, msg := range msgs {
		fields, err := sonic.ConfigStd.Marshal(msg.Fields)
		if err != nil {
			return fmt.Errorf("failed to encode fields of message %s: %w", msg.ID, err)
		}

		_, err = stmt.ExecContext(ctx,
			msg.ID,
			msg.ReceivedAt,
			msg.Source.InputID,
			msg.Source.NodeID,
			msg.Codec,
			msg.GetString(models.FieldSource),
			pq.Array(msg.Streams),
			fields,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close leaves the shared connection pool to its owner.
func (s *PostgresSink) Close(ctx context.Context) error {
	return nil
}
