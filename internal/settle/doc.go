// Package settle applies the new CDN URLs to the database in one
// transaction.
//
// [Settler.Settle] runs
//
//	UPDATE "<table>" SET "<url_column>" = $1 WHERE "<id_column>" = $2
//
// for every successful transfer, sending statements in pages of
// Options.PageSize inside a single transaction. Either every row is updated
// or the transaction is rolled back and a *SettlementError is returned.
// Objects already written to the store are left in place either way.
//
// Failed transfers are never written: nothing was inserted for them, so
// there is nothing to undo.
//
// # Backends
//
//   - [PgxBackend]: jackc/pgx pool, statements queued in a pgx.Batch
//   - [SQLBackend]: database/sql with the lib/pq driver
package settle
