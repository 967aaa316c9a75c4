package sequence

// Dialect supplies the counter queries for one SQL engine. SQLite relies on
// its single-writer transaction to serialize allocations; Postgres takes a
// row lock explicitly.
type Dialect interface {
	Select() string
	SelectForUpdate() string
	InsertIgnore() string
	Update() string
	Upsert() string
}

// SQLite is the default dialect.
type SQLite struct{}

func (SQLite) Select() string {
	return `SELECT next_value FROM sequence_counters
		WHERE emitter_code = ? AND emission_point = ? AND doc_type = ?`
}

func (SQLite) SelectForUpdate() string {
	return SQLite{}.Select()
}

func (SQLite) InsertIgnore() string {
	return `INSERT INTO sequence_counters (emitter_code, emission_point, doc_type, next_value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (emitter_code, emission_point, doc_type) DO NOTHING`
}

func (SQLite) Update() string {
	return `UPDATE sequence_counters SET next_value = ?, updated_at = ?
		WHERE emitter_code = ? AND emission_point = ? AND doc_type = ?`
}

func (SQLite) Upsert() string {
	return `INSERT INTO sequence_counters (emitter_code, emission_point, doc_type, next_value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (emitter_code, emission_point, doc_type)
		DO UPDATE SET next_value = excluded.next_value, updated_at = excluded.updated_at`
}

// Postgres numbers its placeholders and locks the counter row.
type Postgres struct{}

func (Postgres) Select() string {
	return `SELECT next_value FROM sequence_counters
		WHERE emitter_code = $1 AND emission_point = $2 AND doc_type = $3`
}

func (Postgres) SelectForUpdate() string {
	return Postgres{}.Select() + ` FOR UPDATE`
}

func (Postgres) InsertIgnore() string {
	return `INSERT INTO sequence_counters (emitter_code, emission_point, doc_type, next_value, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (emitter_code, emission_point, doc_type) DO NOTHING`
}

func (Postgres) Update() string {
	return `UPDATE sequence_counters SET next_value = $1, updated_at = $2
		WHERE emitter_code = $3 AND emission_point = $4 AND doc_type = $5`
}

func (Postgres) Upsert() string {
	return `INSERT INTO sequence_counters (emitter_code, emission_point, doc_type, next_value, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (emitter_code, emission_point, doc_type)
		DO UPDATE SET next_value = excluded.next_value, updated_at = excluded.updated_at`
}
