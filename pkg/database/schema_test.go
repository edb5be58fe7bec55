package database

import (
	"strings"
	"testing"

	"github.com/jmoiron/sqlx"
)

func migratedDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := Open(openTestDB(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := NewMigrationManager(db).ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	return db
}

func TestSchemaValidator_TablesAndIndexes(t *testing.T) {
	db := migratedDB(t)
	v := NewSchemaValidator(db)

	if err := v.ValidateTablesExist(); err != nil {
		t.Errorf("ValidateTablesExist: %v", err)
	}
	if err := v.ValidateIndexes(); err != nil {
		t.Errorf("ValidateIndexes: %v", err)
	}

	if _, err := db.Exec("DROP INDEX idx_prompts_session_time"); err != nil {
		t.Fatalf("drop index: %v", err)
	}
	if err := v.ValidateIndexes(); err == nil || !strings.Contains(err.Error(), "idx_prompts_session_time") {
		t.Errorf("Expected missing index error, got %v", err)
	}
}

func TestSchemaValidator_Columns(t *testing.T) {
	v := NewSchemaValidator(migratedDB(t))

	sessionColumns := []string{
		"id", "code", "lesson_id", "teacher_id", "status", "current_section",
		"current_question_index", "allow_ahead", "revision", "created_at", "updated_at", "ended_at",
	}
	if err := v.ValidateColumns("sessions", sessionColumns); err != nil {
		t.Errorf("sessions: %v", err)
	}
	if err := v.ValidateColumns("responses", []string{"response", "is_correct", "question_type"}); err != nil {
		t.Errorf("responses: %v", err)
	}
	if err := v.ValidateColumns("prompts", []string{"missing_column"}); err == nil {
		t.Error("Expected error for missing column")
	}
}

func TestSchema_LiveCodeUniqueness(t *testing.T) {
	db := migratedDB(t)

	insert := `INSERT INTO sessions (id, code, status) VALUES (?, ?, ?)`
	if _, err := db.Exec(insert, "s-1", "ABC123", "active"); err != nil {
		t.Fatalf("insert first session: %v", err)
	}
	if _, err := db.Exec(insert, "s-2", "ABC123", "waiting"); err == nil {
		t.Error("Two live sessions must not share a code")
	}

	if _, err := db.Exec(`UPDATE sessions SET status = 'ended' WHERE id = 's-1'`); err != nil {
		t.Fatalf("end session: %v", err)
	}
	if _, err := db.Exec(insert, "s-2", "ABC123", "waiting"); err != nil {
		t.Errorf("Code of an ended session should be reusable: %v", err)
	}
}

func TestSchema_Constraints(t *testing.T) {
	db := migratedDB(t)

	if _, err := db.Exec(`INSERT INTO sessions (id, code, status) VALUES ('s-1', 'ABC123', 'bogus')`); err == nil {
		t.Error("Check constraint on status not enforced")
	}
	if _, err := db.Exec(`INSERT INTO participants (id, session_id, student_identifier) VALUES ('p-1', 'missing', 'stu')`); err == nil {
		t.Error("Foreign key on participants.session_id not enforced")
	}

	if _, err := db.Exec(`INSERT INTO sessions (id, code) VALUES ('s-1', 'ABC123')`); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO participants (id, session_id, student_identifier) VALUES ('p-1', 's-1', 'stu')`); err != nil {
		t.Fatalf("insert participant: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO participants (id, session_id, student_identifier) VALUES ('p-2', 's-1', 'stu')`); err == nil {
		t.Error("Duplicate (session_id, student_identifier) accepted")
	}
}
