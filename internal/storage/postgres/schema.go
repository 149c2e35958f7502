package postgres

// Schema creates the conversation tables. Every statement is idempotent and
// runs on each open.
const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    root_id TEXT NOT NULL,
    current_node_id TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS nodes (
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    id TEXT NOT NULL,
    content TEXT NOT NULL,
    role TEXT NOT NULL,
    branch_name TEXT,
    node_type TEXT NOT NULL DEFAULT 'message',
    timestamp TIMESTAMPTZ NOT NULL,
    merge_metadata JSONB,
    state_summary_cache JSONB,
    PRIMARY KEY (conversation_id, id)
);

CREATE TABLE IF NOT EXISTS edges (
    conversation_id TEXT NOT NULL,
    parent_id TEXT NOT NULL,
    child_id TEXT NOT NULL,
    parent_pos INTEGER NOT NULL,
    child_pos INTEGER NOT NULL,
    PRIMARY KEY (conversation_id, parent_id, child_id),
    FOREIGN KEY (conversation_id, parent_id) REFERENCES nodes(conversation_id, id) ON DELETE CASCADE,
    FOREIGN KEY (conversation_id, child_id) REFERENCES nodes(conversation_id, id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_nodes_conversation ON nodes(conversation_id);
CREATE INDEX IF NOT EXISTS idx_edges_child ON edges(conversation_id, child_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_branch
    ON nodes(conversation_id, branch_name) WHERE branch_name IS NOT NULL;
`
