package db

import "fmt"

// DefaultEmbeddingDimension matches all-minilm style embedders.
const DefaultEmbeddingDimension = 384

// Schema returns the schema definition with the document index sized to dim.
func Schema(dim int) string {
	if dim <= 0 {
		dim = DefaultEmbeddingDimension
	}
	return fmt.Sprintf(schemaSQL, dim)
}

const schemaSQL = `
    -- ==========================================================================
    -- TASK TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS task SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS name ON task TYPE string;
    DEFINE FIELD IF NOT EXISTS description ON task TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS owner ON task TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS status ON task TYPE string
        ASSERT $value IN ["PENDING", "RUNNING", "COMPLETED", "FAILED", "CANCELLED"];
    DEFINE FIELD IF NOT EXISTS progress ON task TYPE int DEFAULT 0
        ASSERT $value >= 0 AND $value <= 100;
    DEFINE FIELD IF NOT EXISTS logs ON task TYPE array<object> FLEXIBLE DEFAULT [];
    DEFINE FIELD IF NOT EXISTS logs_truncated ON task TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS result ON task TYPE option<any>;
    DEFINE FIELD IF NOT EXISTS error ON task TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS file_name ON task TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS total_files ON task TYPE option<int>;
    DEFINE FIELD IF NOT EXISTS seq ON task TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS created_at ON task TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS started_at ON task TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS completed_at ON task TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS updated_at ON task TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS task_owner ON task FIELDS owner;
    DEFINE INDEX IF NOT EXISTS task_status ON task FIELDS status;
    DEFINE INDEX IF NOT EXISTS task_created ON task FIELDS created_at, seq;

    -- ==========================================================================
    -- PERIODIC JOB STATE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS periodic_job SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS last_ran_at ON periodic_job TYPE datetime;

    -- ==========================================================================
    -- DOCUMENT TABLE (vector store for flow nodes)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS document SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS collection ON document TYPE string;
    DEFINE FIELD IF NOT EXISTS owner ON document TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS content ON document TYPE string;
    DEFINE FIELD IF NOT EXISTS metadata ON document TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS embedding ON document TYPE array<float>;
    DEFINE FIELD IF NOT EXISTS created_at ON document TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS document_collection ON document FIELDS owner, collection;
    DEFINE INDEX IF NOT EXISTS document_embedding ON document FIELDS embedding HNSW DIMENSION %d DIST COSINE TYPE F32;
`
