package history

import (
	"database/sql"

	_ "github.com/lib/pq"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Archive(rec Record) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`INSERT INTO trips(id, passenger_id, driver_id, final_state, escalated) VALUES($1,$2,$3,$4,$5)`,
		rec.TripID, rec.PassengerID, nullable(rec.DriverID), string(rec.FinalState), rec.Escalated)
	if err != nil {
		return err
	}
	for i, tr := range rec.Transitions {
		_, err = tx.Exec(`INSERT INTO trip_transitions(trip_id, seq, from_state, to_state, actor, at) VALUES($1,$2,$3,$4,$5,$6)`,
			rec.TripID, i+1, string(tr.From), string(tr.To), string(tr.Actor), tr.At)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
