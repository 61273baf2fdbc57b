// Package postgres implements store.Store on PostgreSQL.
//
// Claims use FOR UPDATE SKIP LOCKED, so any number of broker processes can
// claim from one database without handing a task out twice. Event sequence
// numbers are assigned inside a transaction that holds the task row lock.
//
// The schema is embedded and applied with Migrate:
//
//	st, err := postgres.New(ctx, postgres.Config{URL: dsn})
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
//	if err := st.Migrate(); err != nil {
//	    return err
//	}
package postgres
