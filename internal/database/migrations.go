package database

import (
	"bufio"
	"embed"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var migrationNameRe = regexp.MustCompile(`^(\d{8})_.+\.sql$`)

// errSkipMigration marks a migration that does not apply to this database
var errSkipMigration = errors.New("migration not applicable")

// migration is one embedded SQL file. Table and column come from the
// "-- table:" and "-- column:" header comments and describe what it adds.
type migration struct {
	filename string
	name     string
	sql      string
	table    string
	column   string
}

// RunMigrations applies pending embedded migrations in filename order
func RunMigrations(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`).Error; err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("failed to get migrations: %w", err)
	}

	var applied []string
	if err := db.Table("schema_migrations").Pluck("name", &applied).Error; err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}
	done := make(map[string]bool, len(applied))
	for _, name := range applied {
		done[name] = true
	}

	for _, m := range migrations {
		if done[m.name] {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", m.filename, err)
		}
	}

	return nil
}

func loadMigrations() ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		content, err := migrationsFS.ReadFile(path.Join("migrations", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		m := migration{
			filename: entry.Name(),
			name:     migrationName(entry.Name()),
			sql:      string(content),
		}
		m.table, m.column = parseMigrationHeader(m.sql)
		migrations = append(migrations, m)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].name < migrations[j].name
	})

	return migrations, nil
}

// migrationName extracts the YYYYMMDD prefix, falling back to the filename
func migrationName(filename string) string {
	matches := migrationNameRe.FindStringSubmatch(filename)
	if len(matches) < 2 {
		return filename
	}
	return matches[1]
}

func parseMigrationHeader(sql string) (table, column string) {
	scanner := bufio.NewScanner(strings.NewReader(sql))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "--") {
			break
		}
		key, value, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, "--")), ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "table":
			table = strings.TrimSpace(value)
		case "column":
			column = strings.TrimSpace(value)
		}
	}
	return table, column
}

func applyMigration(db *gorm.DB, m migration) error {
	tx := db.Begin()
	if tx.Error != nil {
		return tx.Error
	}

	if err := checkMigrationPrerequisites(tx, m); err != nil {
		tx.Rollback()
		if !errors.Is(err, errSkipMigration) {
			return err
		}
		// Fresh databases get the column from AutoMigrate; record so it never runs
		return db.Exec("INSERT OR IGNORE INTO schema_migrations (name) VALUES (?)", m.name).Error
	}

	if err := tx.Exec(m.sql).Error; err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Exec("INSERT INTO schema_migrations (name) VALUES (?)", m.name).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// checkMigrationPrerequisites returns errSkipMigration when the target table
// does not exist yet or already has the column.
func checkMigrationPrerequisites(db *gorm.DB, m migration) error {
	if m.table == "" {
		return nil
	}

	var count int64
	if err := db.Raw("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", m.table).Scan(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: table %s does not exist yet", errSkipMigration, m.table)
	}

	if m.column == "" {
		return nil
	}
	if err := db.Raw("SELECT COUNT(*) FROM pragma_table_info(?) WHERE name=?", m.table, m.column).Scan(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: %s.%s already exists", errSkipMigration, m.table, m.column)
	}

	return nil
}
