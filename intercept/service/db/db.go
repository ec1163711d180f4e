// Package db persists history and findings in SQLite session files and
// implements the session save, snapshot, load and new operations over them.
package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Info describes the open session.
type Info struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path,omitempty"`
	Unnamed   bool      `json:"unnamed"`
	CreatedAt time.Time `json:"created_at"`
}

type sessionRow struct {
	ID        string `gorm:"primaryKey;size:36"`
	Name      string
	CreatedAt time.Time
}

func (sessionRow) TableName() string { return "session" }

// DB is a stable handle over the currently open session file.
// Save, Load and New swap the underlying connection.
type DB struct {
	log    zerolog.Logger
	tmpDir string

	// ops is held shared by every statement and exclusively across a
	// session switch, so no write lands in a connection being replaced.
	ops sync.RWMutex

	mu   sync.RWMutex
	gdb  *gorm.DB
	info Info
}

// Open creates a handle with a fresh unnamed session stored under a private temp directory.
func Open(log zerolog.Logger) (*DB, error) {
	tmpDir, err := os.MkdirTemp("", "intercept-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	d := &DB{log: log, tmpDir: tmpDir}
	if err := d.New(""); err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, err
	}
	return d, nil
}

// Current returns the open session.
func (d *DB) Current() Info {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.info
}

// SessionID returns the id of the open session.
func (d *DB) SessionID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.info.ID
}

// acquire returns the open connection, holding off session switches until release is called.
func (d *DB) acquire() (*gorm.DB, func(), error) {
	d.ops.RLock()
	gdb, err := d.conn()
	if err != nil {
		d.ops.RUnlock()
		return nil, nil, err
	}
	return gdb, d.ops.RUnlock, nil
}

func (d *DB) conn() (*gorm.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.gdb == nil {
		return nil, errors.New("database closed")
	}
	return d.gdb, nil
}

func (d *DB) openFile(path, name string) (*gorm.DB, Info, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, Info{}, fmt.Errorf("create session dir: %w", err)
	}
	gdb, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger: newGormLogger(d.log),
	})
	if err != nil {
		return nil, Info{}, fmt.Errorf("open %s: %w", path, err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, Info{}, err
	}
	sqlDB.SetMaxOpenConns(1)

	fail := func(err error) (*gorm.DB, Info, error) {
		_ = sqlDB.Close()
		return nil, Info{}, err
	}
	if err := gdb.AutoMigrate(&sessionRow{}, &historyRow{}, &alertRow{}); err != nil {
		return fail(fmt.Errorf("migrate %s: %w", path, err))
	}

	var row sessionRow
	if err := gdb.Limit(1).Find(&row).Error; err != nil {
		return fail(fmt.Errorf("read session: %w", err))
	} else if row.ID == "" {
		row = sessionRow{ID: uuid.NewString(), Name: name, CreatedAt: time.Now()}
		if err := gdb.Create(&row).Error; err != nil {
			return fail(fmt.Errorf("create session: %w", err))
		}
	}
	return gdb, Info{ID: row.ID, Name: row.Name, Path: path, CreatedAt: row.CreatedAt}, nil
}

// swap installs gdb as the open session and disposes of the previous one.
// The caller holds ops exclusively.
func (d *DB) swap(gdb *gorm.DB, info Info) {
	d.mu.Lock()
	old, oldInfo := d.gdb, d.info
	d.gdb, d.info = gdb, info
	d.mu.Unlock()

	if old == nil {
		return
	}
	closeGorm(old)
	if oldInfo.Unnamed && oldInfo.Path != info.Path {
		removeSessionFile(oldInfo.Path)
	}
}

// New starts an empty session. An empty path creates an unnamed session in
// the temp directory; otherwise any existing file at path is replaced.
func (d *DB) New(path string) error {
	unnamed := path == ""
	if unnamed {
		path = filepath.Join(d.tmpDir, uuid.NewString()+".session")
	} else {
		removeSessionFile(path)
	}
	gdb, info, err := d.openFile(path, sessionName(path))
	if err != nil {
		return err
	}
	info.Unnamed = unnamed
	if unnamed {
		info.Name = ""
	}
	d.ops.Lock()
	d.swap(gdb, info)
	d.ops.Unlock()
	d.log.Info().Str("session", info.ID).Str("path", path).Msg("new session")
	return nil
}

// Load opens the session stored at path.
func (d *DB) Load(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("session file: %w", err)
	}
	gdb, info, err := d.openFile(path, sessionName(path))
	if err != nil {
		return err
	}
	d.ops.Lock()
	d.swap(gdb, info)
	d.ops.Unlock()
	d.log.Info().Str("session", info.ID).Str("path", path).Msg("loaded session")
	return nil
}

// Save writes the open session to path in the background and switches to it.
// done is invoked exactly once with the outcome.
func (d *DB) Save(path string, done func(error)) {
	go func() {
		err := d.saveTo(path)
		if err != nil {
			d.log.Error().Err(err).Str("path", path).Msg("session save failed")
		}
		done(err)
	}()
}

// saveTo holds ops exclusively from the copy until the switch, so every
// statement that completed before it is in the saved file and none is lost.
func (d *DB) saveTo(path string) error {
	d.ops.Lock()
	defer d.ops.Unlock()

	if d.Current().Path == path {
		return fmt.Errorf("%s is the open session", path)
	} else if err := d.copyTo(path); err != nil {
		return err
	}
	gdb, info, err := d.openFile(path, sessionName(path))
	if err != nil {
		return err
	}
	info.Name = sessionName(path)
	if err := gdb.Model(&sessionRow{}).Where("id = ?", info.ID).Update("name", info.Name).Error; err != nil {
		closeGorm(gdb)
		return fmt.Errorf("name session: %w", err)
	}
	d.swap(gdb, info)
	d.log.Info().Str("session", info.ID).Str("path", path).Msg("saved session")
	return nil
}

// Snapshot writes a copy of the open session to path in the background
// without switching to it. done is invoked exactly once with the outcome.
func (d *DB) Snapshot(path string, done func(error)) {
	go func() {
		d.ops.RLock()
		err := d.copyTo(path)
		d.ops.RUnlock()
		if err != nil {
			d.log.Error().Err(err).Str("path", path).Msg("session snapshot failed")
		}
		done(err)
	}()
}

func (d *DB) copyTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	lock, err := lockFile(path)
	if err != nil {
		return err
	}
	defer lock.release()

	gdb, err := d.conn()
	if err != nil {
		return err
	}
	removeSessionFile(path)
	if err := gdb.Exec("VACUUM INTO ?", path).Error; err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Close closes the open session and removes unnamed session data.
func (d *DB) Close() error {
	d.ops.Lock()
	d.mu.Lock()
	old := d.gdb
	d.gdb = nil
	d.mu.Unlock()
	d.ops.Unlock()

	if old != nil {
		closeGorm(old)
	}
	return os.RemoveAll(d.tmpDir)
}

func closeGorm(gdb *gorm.DB) {
	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func removeSessionFile(path string) {
	for _, suffix := range []string{"", "-journal", "-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}
}

func sessionName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
