// Package db opens the gorm connections used by the mapping table and the
// activity recorder. A DSN prefixed with mysql:// selects MySQL; anything
// else is a SQLite path.
package db

import (
	"fmt"
	"strings"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	mysqlScheme  = "mysql://"
	sqliteScheme = "sqlite://"
)

// Dialect reports which driver a DSN selects.
func Dialect(dsn string) string {
	if strings.HasPrefix(dsn, mysqlScheme) {
		return "mysql"
	}
	return "sqlite"
}

// MySQLDSN validates a mysql:// DSN and returns the driver form with
// parseTime enabled.
func MySQLDSN(dsn string) (string, error) {
	cfg, err := gomysql.ParseDSN(strings.TrimPrefix(dsn, mysqlScheme))
	if err != nil {
		return "", fmt.Errorf("db: parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// Open opens a gorm connection for dsn.
func Open(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("db: dsn is required")
	}
	var dialector gorm.Dialector
	switch Dialect(dsn) {
	case "mysql":
		driverDSN, err := MySQLDSN(dsn)
		if err != nil {
			return nil, err
		}
		dialector = mysql.Open(driverDSN)
	default:
		dialector = sqlite.Open(strings.TrimPrefix(dsn, sqliteScheme))
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", Dialect(dsn), err)
	}
	// Every pooled connection to :memory: would see its own empty database.
	if strings.Contains(dsn, ":memory:") {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("db: open sqlite: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// AutoMigrate creates or updates the tables for models.
func AutoMigrate(db *gorm.DB, models ...interface{}) error {
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// Close releases the pool behind db.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("db: close: %w", err)
	}
	return sqlDB.Close()
}
