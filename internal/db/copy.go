package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// CopyFrom bulk-inserts rows into a table using the COPY protocol.
func CopyFrom(ctx context.Context, conn Conn, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	n, err := conn.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", table)
	}
	return n, nil
}

// CopyInChunks issues one COPY per chunk of at most chunkSize rows so a
// single statement never carries an unbounded payload.
func CopyInChunks(ctx context.Context, conn Conn, table string, columns []string, rows [][]any, chunkSize int) (int64, error) {
	var total int64
	for _, chunk := range Chunk(rows, chunkSize) {
		n, err := CopyFrom(ctx, conn, table, columns, chunk)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
