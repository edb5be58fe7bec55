package database

import (
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// SchemaValidator provides database schema validation functionality
// ARCHITECTURAL DISCOVERY: Separate validation component enables deployment
// verification without coupling to the migration system
type SchemaValidator struct {
	db *sqlx.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sqlx.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	for _, table := range RequiredTables {
		exists, err := v.tableExists(table)
		if err != nil {
			return errors.Wrapf(err, "error checking table %s", table)
		}
		if !exists {
			return errors.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateIndexes verifies that all required indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range RequiredIndexes {
		exists, err := v.indexExists(index)
		if err != nil {
			return errors.Wrapf(err, "error checking index %s", index)
		}
		if !exists {
			return errors.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

// ValidateColumns checks that table has at least the given columns.
func (v *SchemaValidator) ValidateColumns(table string, columns []string) error {
	found, err := v.columns(table)
	if err != nil {
		return err
	}
	for _, column := range columns {
		if !found[column] {
			return errors.Errorf("column %s.%s not found", table, column)
		}
	}
	return nil
}

func (v *SchemaValidator) tableExists(table string) (bool, error) {
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
	if v.db.DriverName() == DriverPostgres {
		query = "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?"
	}
	return v.count(query, table)
}

func (v *SchemaValidator) indexExists(index string) (bool, error) {
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?"
	if v.db.DriverName() == DriverPostgres {
		query = "SELECT COUNT(*) FROM pg_indexes WHERE schemaname = current_schema() AND indexname = ?"
	}
	return v.count(query, index)
}

func (v *SchemaValidator) count(query string, arg string) (bool, error) {
	var n int
	if err := v.db.Get(&n, v.db.Rebind(query), arg); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (v *SchemaValidator) columns(table string) (map[string]bool, error) {
	var names []string
	var err error
	if v.db.DriverName() == DriverPostgres {
		err = v.db.Select(&names, v.db.Rebind(
			"SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = ?"), table)
	} else {
		err = v.db.Select(&names, "SELECT name FROM pragma_table_info(?)", table)
	}
	if err != nil {
		return nil, err
	}

	found := make(map[string]bool, len(names))
	for _, name := range names {
		found[name] = true
	}
	return found, nil
}
