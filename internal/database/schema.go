package database

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            SERIAL PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	display_name  TEXT NOT NULL DEFAULT '',
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role          TEXT NOT NULL DEFAULT 'user',
	suspended     BOOLEAN NOT NULL DEFAULT false,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS rooms (
	id         SERIAL PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	is_public  BOOLEAN NOT NULL DEFAULT true,
	owner_id   INTEGER REFERENCES users(id) ON DELETE SET NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS memberships (
	user_id   INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	room_id   INTEGER NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, room_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id         BIGSERIAL PRIMARY KEY,
	room_id    INTEGER NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	user_id    INTEGER NOT NULL REFERENCES users(id),
	body       TEXT NOT NULL,
	reply_to   BIGINT REFERENCES messages(id) ON DELETE SET NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	edited_at  TIMESTAMPTZ,
	deleted    BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS messages_room_id_idx ON messages (room_id, id);

CREATE TABLE IF NOT EXISTS suspensions (
	id          BIGSERIAL PRIMARY KEY,
	scope       TEXT NOT NULL CHECK (scope IN ('account', 'address')),
	identity_id INTEGER REFERENCES users(id) ON DELETE CASCADE,
	address     TEXT,
	reason      TEXT NOT NULL,
	expires_at  TIMESTAMPTZ,
	issued_by   INTEGER REFERENCES users(id) ON DELETE SET NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS suspensions_identity_idx ON suspensions (identity_id);
CREATE INDEX IF NOT EXISTS suspensions_address_idx ON suspensions (address);
`
