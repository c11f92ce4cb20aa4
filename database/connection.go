package database

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database holds the GORM connection to one SQLite store file and
// serializes all write transactions behind a single mutex.
type Database struct {
	db      *gorm.DB
	path    string
	writeMu sync.Mutex
}

// DB returns the underlying GORM instance for direct access when needed
func (d *Database) DB() *gorm.DB {
	return d.db
}

// Path returns the store file path
func (d *Database) Path() string {
	return d.path
}

// Open opens (creating if needed) the SQLite store at path.
// WAL journaling, NORMAL sync and a 5s busy timeout let multiple process
// roles share the same file; _txlock=immediate makes every write
// transaction take the write lock up front.
func Open(path string) (*Database, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?%s", path, url.Values{
		"_journal_mode": {"WAL"},
		"_synchronous":  {"NORMAL"},
		"_busy_timeout": {"5000"},
		"_txlock":       {"immediate"},
	}.Encode())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // Silent logging for production
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}

	// SQLite allows one writer; a small pool is enough for WAL readers
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Printf("✅ Database opened at %s", path)
	return &Database{db: db, path: path}, nil
}

// WithTransaction runs fn inside an immediate-mode write transaction.
// Transactions execute one at a time in call order; concurrent writers
// from other processes are handled by busy_timeout backoff.
func (d *Database) WithTransaction(fn func(tx *gorm.DB) error) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.db.Transaction(fn)
}

// Close closes the database connection
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	log.Printf("📡 Closing database %s...", d.path)
	return sqlDB.Close()
}
