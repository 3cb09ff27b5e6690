// Package archive keeps a sqlite index of completed sessions so report tools
// can find them without walking the output directory.
package archive

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bosley/rehearse/session"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("session not found")

// Session is one archived run.
type Session struct {
	ID          string    `json:"id" gorm:"type:varchar(36);primaryKey"`
	Dir         string    `json:"dir" gorm:"type:text;not null"`
	StartedAt   time.Time `json:"started_at" gorm:"not null;index"`
	CompletedAt time.Time `json:"completed_at"`
	Aborted     bool      `json:"aborted" gorm:"not null;default:false"`
	Answered    int       `json:"answered" gorm:"not null;default:0"`
	Answers     []Answer  `json:"answers,omitempty" gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
}

func (Session) TableName() string {
	return "sessions"
}

// Answer is the searchable part of one entry. Gesture summaries stay in the
// artifact files.
type Answer struct {
	ID                    uint    `json:"id" gorm:"primaryKey"`
	SessionID             string  `json:"session_id" gorm:"type:varchar(36);not null;index"`
	Position              int     `json:"position" gorm:"not null"`
	QuestionID            string  `json:"question_id" gorm:"type:varchar(64);not null"`
	Category              string  `json:"category" gorm:"type:varchar(20)"`
	Prompt                string  `json:"prompt" gorm:"type:text"`
	Text                  string  `json:"text" gorm:"type:text"`
	DurationSeconds       float64 `json:"duration_seconds"`
	RecognitionIncomplete bool    `json:"recognition_incomplete"`
	Flags                 string  `json:"flags" gorm:"type:text"`
	Feedback              string  `json:"feedback" gorm:"type:text"`
}

func (Answer) TableName() string {
	return "answers"
}

type Archive struct {
	db *gorm.DB
}

// Open opens or creates the index at path and migrates the schema.
func Open(path string) (*Archive, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Session{}, &Answer{}); err != nil {
		return nil, fmt.Errorf("failed to migrate archive: %w", err)
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveSession indexes record, replacing any earlier index of the same
// session.
func (a *Archive) SaveSession(dir string, record *session.Record) error {
	s := Session{
		ID:          record.SessionID,
		Dir:         dir,
		StartedAt:   record.StartedAt,
		CompletedAt: record.CompletedAt,
		Aborted:     record.Aborted,
		Answered:    len(record.Entries),
	}
	for i, e := range record.Entries {
		flags := make([]string, len(e.Flags))
		for j, f := range e.Flags {
			flags[j] = string(f)
		}
		answer := Answer{
			SessionID:             record.SessionID,
			Position:              i + 1,
			QuestionID:            e.QuestionID,
			Category:              string(e.Category),
			Prompt:                e.Prompt,
			Text:                  e.Answer,
			DurationSeconds:       e.AnswerDuration.Seconds(),
			RecognitionIncomplete: e.RecognitionIncomplete,
			Flags:                 strings.Join(flags, ","),
		}
		if e.Feedback != nil && e.Feedback.OK {
			answer.Feedback = e.Feedback.Text
		}
		s.Answers = append(s.Answers, answer)
	}

	err := a.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", s.ID).Delete(&Answer{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", s.ID).Delete(&Session{}).Error; err != nil {
			return err
		}
		return tx.Create(&s).Error
	})
	if err != nil {
		return fmt.Errorf("failed to archive session %s: %w", s.ID, err)
	}

	slog.Debug("Session archived", "sessionID", s.ID, "answers", len(s.Answers))
	return nil
}

// Get returns an archived session with its answers in order.
func (a *Archive) Get(id string) (Session, error) {
	var s Session
	err := a.db.Preload("Answers", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("position")
	}).First(&s, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return s, nil
}

// List returns the most recent sessions first, without answers.
func (a *Archive) List(limit int) ([]Session, error) {
	var sessions []Session
	q := a.db.Order("started_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}
