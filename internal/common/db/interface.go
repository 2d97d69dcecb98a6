package db

import "context"

// Database is the minimal SQL surface the judge repositories depend on.
// Tests provide in-memory fakes.
type Database interface {
	Querier

	// Transaction runs fn inside a transaction, rolling back when fn fails
	Transaction(ctx context.Context, fn func(tx Transaction) error) error

	// Ping verifies a connection to the database is still alive
	Ping(ctx context.Context) error

	// Close closes the database connection
	Close() error
}

// Transaction is a Querier bound to an open transaction.
type Transaction interface {
	Querier
	Commit() error
	Rollback() error
}

// Rows is an iterator over a query result.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// Row is the result of QueryRow.
type Row interface {
	Scan(dest ...interface{}) error
}

// Result summarizes an executed statement.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}
