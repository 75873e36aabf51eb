package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Connect initializes the database connection and runs migrations.
func Connect(dsn string, log logrus.FieldLogger) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info("database migrations applied")

	return db, nil
}

// Every row change is announced with pg_notify on a channel named after the
// change partition: messages:<donation_id> for messages, donations for donations.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS donations (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            donor_id TEXT NOT NULL,
            title TEXT NOT NULL,
            description TEXT NOT NULL DEFAULT '',
            category TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT 'available',
            lat DOUBLE PRECISION,
            lng DOUBLE PRECISION,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS messages (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            sender_id TEXT NOT NULL,
            receiver_id TEXT NOT NULL,
            donation_id UUID NOT NULL REFERENCES donations(id) ON DELETE CASCADE,
            content TEXT NOT NULL DEFAULT '',
            photo_url TEXT,
            location_lat DOUBLE PRECISION,
            location_lng DOUBLE PRECISION,
            location_name TEXT,
            read BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            CHECK (btrim(content) <> '' OR photo_url IS NOT NULL OR location_lat IS NOT NULL)
        );`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages (donation_id, created_at, id);`,
	`CREATE INDEX IF NOT EXISTS messages_unread_idx ON messages (receiver_id) WHERE read = FALSE;`,
	`CREATE INDEX IF NOT EXISTS donations_available_idx ON donations (status) WHERE lat IS NOT NULL AND lng IS NOT NULL;`,
	`CREATE OR REPLACE FUNCTION notify_message_change() RETURNS trigger AS $$
        DECLARE
            rec messages;
        BEGIN
            IF TG_OP = 'DELETE' THEN rec := OLD; ELSE rec := NEW; END IF;
            PERFORM pg_notify('messages:' || rec.donation_id::text, json_build_object(
                'kind', lower(TG_OP),
                'table', TG_TABLE_NAME,
                'id', rec.id,
                'record', row_to_json(rec),
                'committed_at', now()
            )::text);
            RETURN rec;
        END;
        $$ LANGUAGE plpgsql;`,
	`CREATE OR REPLACE FUNCTION notify_donation_change() RETURNS trigger AS $$
        DECLARE
            rec donations;
        BEGIN
            IF TG_OP = 'DELETE' THEN rec := OLD; ELSE rec := NEW; END IF;
            PERFORM pg_notify('donations', json_build_object(
                'kind', lower(TG_OP),
                'table', TG_TABLE_NAME,
                'id', rec.id,
                'record', row_to_json(rec),
                'committed_at', now()
            )::text);
            RETURN rec;
        END;
        $$ LANGUAGE plpgsql;`,
	`DROP TRIGGER IF EXISTS messages_notify ON messages;`,
	`CREATE TRIGGER messages_notify AFTER INSERT OR UPDATE OR DELETE ON messages
        FOR EACH ROW EXECUTE FUNCTION notify_message_change();`,
	`DROP TRIGGER IF EXISTS donations_notify ON donations;`,
	`CREATE TRIGGER donations_notify AFTER INSERT OR UPDATE OR DELETE ON donations
        FOR EACH ROW EXECUTE FUNCTION notify_donation_change();`,
}

func runMigrations(db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}
