package results

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS training_runs (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		started_at DATETIME(6) NOT NULL,
		world_size INT NOT NULL,
		batch_size INT NOT NULL,
		epochs INT NOT NULL,
		learning_rate DOUBLE NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS training_epochs (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		run_id VARCHAR(36) NOT NULL,
		rank_id INT NOT NULL,
		epoch INT NOT NULL,
		loss DOUBLE NOT NULL,
		row_count BIGINT NOT NULL,
		took_ms BIGINT NOT NULL,
		throughput DOUBLE NOT NULL,
		finished_at DATETIME(6) NOT NULL,
		UNIQUE KEY run_rank_epoch (run_id, rank_id, epoch)
	)`,
}

const (
	insertRun = `INSERT INTO training_runs
		(id, started_at, world_size, batch_size, epochs, learning_rate)
		VALUES (?, ?, ?, ?, ?, ?)`
	insertEpoch = `INSERT INTO training_epochs
		(run_id, rank_id, epoch, loss, row_count, took_ms, throughput, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
)

// MySQL records results into a MySQL database.
type MySQL struct {
	db *sql.DB
}

// withParseTime makes the driver scan DATETIME columns into time.Time.
func withParseTime(dsn string) string {
	if strings.Contains(dsn, "parseTime") {
		return dsn
	}
	if !strings.Contains(dsn, "?") {
		return dsn + "?parseTime=true"
	}
	return dsn + "&parseTime=true"
}

// ConnectMySQL opens and pings the database and creates the result tables
// if they do not exist.
func ConnectMySQL(ctx context.Context, dsn string) (*MySQL, error) {
	db, err := sql.Open("mysql", withParseTime(dsn))
	if err != nil {
		return nil, fmt.Errorf("opening mysql connection: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging mysql database: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating result tables: %w", err)
		}
	}
	return &MySQL{db: db}, nil
}

func (m *MySQL) StartRun(ctx context.Context, run Run) error {
	if _, err := m.db.ExecContext(ctx, insertRun,
		run.ID, run.StartedAt, run.WorldSize, run.BatchSize, run.Epochs, run.LearningRate,
	); err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}
	return nil
}

func (m *MySQL) RecordEpoch(ctx context.Context, e Epoch) error {
	if _, err := m.db.ExecContext(ctx, insertEpoch,
		e.RunID, e.Rank, e.Epoch, e.Loss, e.Rows, e.Took.Milliseconds(), e.Throughput, e.FinishedAt,
	); err != nil {
		return fmt.Errorf("inserting epoch %d of run %s: %w", e.Epoch, e.RunID, err)
	}
	return nil
}

func (m *MySQL) Close() error {
	return m.db.Close()
}
