package memory

// migrations is the ordered list of schema versions. Entry i brings the
// database to version i+1.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id)`,
	},
	{
		`ALTER TABLE messages ADD COLUMN generation_id TEXT`,
		`ALTER TABLE messages ADD COLUMN provider TEXT`,
		`ALTER TABLE messages ADD COLUMN model TEXT`,
		`ALTER TABLE messages ADD COLUMN prompt_tokens INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE messages ADD COLUMN completion_tokens INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE messages ADD COLUMN total_tokens INTEGER NOT NULL DEFAULT 0`,
	},
}
