// Package journal persists injected commands and transport state changes to
// a local SQLite file so a headless bridge can be inspected after the fact.
package journal

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// queueDepth bounds how many pending records a slow disk can back up before
// writers start dropping; journaling must never stall the relay pumps.
const queueDepth = 256

// Journal is an append-only store backed by SQLite. Writes are queued and
// flushed by a background goroutine.
type Journal struct {
	db *gorm.DB

	records chan any
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

// Open creates or opens the journal database at path using the pure Go
// SQLite driver and starts the background writer.
func Open(path string) (*Journal, error) {
	dialector := sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        path,
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	if err := configureSQLite(sqlDB); err != nil {
		return nil, fmt.Errorf("journal: configure: %w", err)
	}

	if err := db.AutoMigrate(&CommandRecord{}, &LinkEvent{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}

	j := &Journal{
		db:      db,
		records: make(chan any, queueDepth),
		done:    make(chan struct{}),
	}
	go j.writer()

	log.Printf("Journal: writing to %s", path)
	return j, nil
}

func configureSQLite(sqlDB *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=memory",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			return err
		}
	}
	return nil
}

// Command records a mapping-engine injection. Non-blocking; drops with a
// log line if the queue is full.
func (j *Journal) Command(event, command string) {
	j.enqueue(&CommandRecord{Event: event, Command: command, SentAt: time.Now()})
}

// Link records a transport state change. Non-blocking.
func (j *Journal) Link(link, kind, detail string) {
	j.enqueue(&LinkEvent{Link: link, Kind: kind, Detail: detail, At: time.Now()})
}

func (j *Journal) enqueue(rec any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}

	select {
	case j.records <- rec:
	default:
		log.Printf("Journal: queue full, dropping record")
	}
}

func (j *Journal) writer() {
	defer close(j.done)
	for rec := range j.records {
		if err := j.db.Create(rec).Error; err != nil {
			log.Printf("Journal: write failed: %v", err)
		}
	}
}

// Commands returns the most recent injected commands, newest first.
func (j *Journal) Commands(limit int) ([]CommandRecord, error) {
	var records []CommandRecord
	err := j.db.Order("sent_at desc").Limit(limit).Find(&records).Error
	return records, err
}

// LinkEvents returns the most recent transport state changes, newest first.
func (j *Journal) LinkEvents(limit int) ([]LinkEvent, error) {
	var events []LinkEvent
	err := j.db.Order("at desc").Limit(limit).Find(&events).Error
	return events, err
}

// Close flushes queued records and closes the database. Idempotent.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	close(j.records)
	<-j.done

	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
