package store

// initSchema creates the database tables if they don't exist.
func (s *Store) initSchema() error {
	if _, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		resume_token TEXT,
		skills TEXT NOT NULL DEFAULT '[]',
		mcp_servers TEXT NOT NULL DEFAULT '[]',
		mode TEXT NOT NULL DEFAULT '',
		agent_mode TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		workdir TEXT NOT NULL DEFAULT '',
		last_user_msg TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		partial_text TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'text',
		content TEXT NOT NULL DEFAULT '',
		tool_name TEXT,
		agent_id TEXT,
		reply_to INTEGER,
		attachments TEXT,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'backlog',
		sort_order INTEGER NOT NULL DEFAULT 0,
		session_id TEXT,
		workdir TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL DEFAULT '',
		agent_mode TEXT NOT NULL DEFAULT '',
		max_turns INTEGER NOT NULL DEFAULT 0,
		attachments TEXT,
		depends_on TEXT,
		chain_id TEXT,
		source_session_id TEXT,
		failure_reason TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		worker_pid INTEGER,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS queued_chats (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	`); err != nil {
		return err
	}
	return s.initIndexes()
}

func (s *Store) initIndexes() error {
	_, err := s.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id);
	CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_session_id ON tasks(session_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_chain_id ON tasks(chain_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);
	CREATE INDEX IF NOT EXISTS idx_queued_chats_session ON queued_chats(session_id, created_at);
	`)
	return err
}
