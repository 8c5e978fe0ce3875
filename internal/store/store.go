// Package store persists load state and a transition audit trail in
// SQLite so that a restart keeps the daily runtime counter and dwell.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sweeney/solar-ems/internal/logic"
)

// LoadRecord is the persisted form of one load's state.
type LoadRecord struct {
	Load               string `gorm:"primaryKey;column:load_name"`
	On                 bool
	LastTransition     time.Time
	RunStartedAt       time.Time
	HeatingTimeCounter time.Duration
	HeatingTimeReset   time.Time
	SavedAt            time.Time
}

// Transition is one audited on/off change.
type Transition struct {
	ID       uint      `gorm:"primaryKey" json:"-"`
	Load     string    `gorm:"column:load_name;index" json:"load"`
	At       time.Time `gorm:"index" json:"timestamp"`
	Command  string    `json:"command"`
	Reason   string    `json:"reason"`
	Evidence string    `json:"-"`
}

// Measurements decodes the stored evidence.
func (t Transition) Measurements() []logic.Measurement {
	var ms []logic.Measurement
	if t.Evidence == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(t.Evidence), &ms); err != nil {
		return nil
	}
	return ms
}

// Store wraps the database handle.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("state db handle: %w", err)
	}
	// One writer; sqlite serialises anyway.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&LoadRecord{}, &Transition{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate state db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveState upserts the state of load.
func (s *Store) SaveState(load string, st logic.LoadState, at time.Time) error {
	rec := LoadRecord{
		Load:               load,
		On:                 st.On,
		LastTransition:     st.LastTransition,
		RunStartedAt:       st.RunStartedAt,
		HeatingTimeCounter: st.HeatingTimeCounter,
		HeatingTimeReset:   st.HeatingTimeReset,
		SavedAt:            at,
	}
	if err := s.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("save %s state: %w", load, err)
	}
	return nil
}

// LoadState returns the persisted state of load and when it was saved.
// ok is false when nothing has been saved for load.
func (s *Store) LoadState(load string) (st logic.LoadState, savedAt time.Time, ok bool, err error) {
	var rec LoadRecord
	err = s.db.Where("load_name = ?", load).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return logic.LoadState{}, time.Time{}, false, nil
	}
	if err != nil {
		return logic.LoadState{}, time.Time{}, false, fmt.Errorf("load %s state: %w", load, err)
	}
	return logic.LoadState{
		On:                 rec.On,
		LastTransition:     rec.LastTransition,
		RunStartedAt:       rec.RunStartedAt,
		HeatingTimeCounter: rec.HeatingTimeCounter,
		HeatingTimeReset:   rec.HeatingTimeReset,
	}, rec.SavedAt, true, nil
}

// RecordTransition appends a transition to the audit trail.
func (s *Store) RecordTransition(load string, d logic.Decision, at time.Time) error {
	evidence, err := json.Marshal(d.Evidence)
	if err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}
	t := Transition{
		Load:     load,
		At:       at,
		Command:  string(d.Command),
		Reason:   string(d.Reason),
		Evidence: string(evidence),
	}
	if err := s.db.Create(&t).Error; err != nil {
		return fmt.Errorf("record %s transition: %w", load, err)
	}
	return nil
}

// History returns up to limit transitions, newest first.
func (s *Store) History(limit int) ([]Transition, error) {
	var ts []Transition
	err := s.db.Order("at desc").Order("id desc").Limit(limit).Find(&ts).Error
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return ts, nil
}

// Prune deletes transitions older than before.
func (s *Store) Prune(before time.Time) (int64, error) {
	res := s.db.Where("at < ?", before).Delete(&Transition{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune history: %w", res.Error)
	}
	return res.RowsAffected, nil
}
