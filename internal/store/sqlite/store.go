// Package sqlite is the single-process store used for local runs and tests.
// It shares the uniqueness and lease semantics of the postgres store; the
// connection pool is pinned to one connection so writes serialize.
package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"votedispatch/internal/domain"
	"votedispatch/internal/store"
)

type Store struct {
	db *gorm.DB
}

// Open opens the database file at path, creating its directory if needed.
// An empty path opens a private in-memory database.
func Open(path string) (*Store, error) {
	var dsn string
	if path == "" {
		dsn = fmt.Sprintf("file:votedispatch-%s?mode=memory&cache=shared", ulid.Make().String())
	} else {
		if err := os.MkdirAll(filepath.Dir(path), fs.ModePerm); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Discard,
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

// Migrate creates all tables. Safe to call multiple times.
func (s *Store) Migrate(ctx context.Context) error {
	for _, m := range migrateModels {
		if err := s.db.WithContext(ctx).AutoMigrate(m); err != nil {
			return fmt.Errorf("migrate %T: %w", m, err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get database handle: %w", err)
	}
	return sqlDB.Close()
}

func (s *Store) FindVote(ctx context.Context, electionID, voterID int64) (domain.Vote, bool, error) {
	var m voteModel
	err := s.db.WithContext(ctx).
		Where("election_id = ? AND voter_id = ?", electionID, voterID).
		Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Vote{}, false, nil
		}
		return domain.Vote{}, false, translate(err)
	}
	return domain.Vote{
		ID:             m.ID,
		ElectionID:     m.ElectionID,
		VoterID:        m.VoterID,
		IntegrityToken: m.IntegrityToken,
		Answers:        json.RawMessage(m.Answers),
		Origin:         domain.OriginMeta{IPAddress: m.IPAddress, UserAgent: m.UserAgent},
		CreatedAt:      m.CreatedAt,
	}, true, nil
}

func (s *Store) InsertVote(ctx context.Context, in store.VoteInsert) error {
	m := voteModel{
		ID:             in.ID,
		ElectionID:     in.ElectionID,
		VoterID:        in.VoterID,
		IntegrityToken: in.IntegrityToken,
		Answers:        string(in.Answers),
		IPAddress:      in.IPAddress,
		UserAgent:      in.UserAgent,
		CreatedAt:      in.Now.UTC(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&m).Error
	})
	return translate(err)
}

func (s *Store) InsertFailure(ctx context.Context, f store.Failure) error {
	m := failureModel{
		ID:         f.ID,
		Kind:       string(f.Kind),
		Reference:  f.Reference,
		Channel:    string(f.Channel),
		Reason:     f.Reason,
		Attempts:   f.Attempts,
		OccurredAt: f.OccurredAt.UTC(),
	}
	return translate(s.db.WithContext(ctx).Create(&m).Error)
}

func (s *Store) ListFailures(ctx context.Context, since time.Time, limit int) ([]store.Failure, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []failureModel
	err := s.db.WithContext(ctx).
		Where("occurred_at >= ?", since.UTC()).
		Order("occurred_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	out := make([]store.Failure, 0, len(rows))
	for _, m := range rows {
		out = append(out, store.Failure{
			ID:         m.ID,
			Kind:       store.FailureKind(m.Kind),
			Reference:  m.Reference,
			Channel:    domain.Channel(m.Channel),
			Reason:     m.Reason,
			Attempts:   m.Attempts,
			OccurredAt: m.OccurredAt,
		})
	}
	return out, nil
}

// translate maps sqlite failures onto store sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(msg, "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %w", store.ErrUniqueViolation, err)
	}
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %w", store.ErrContention, err)
	}
	return err
}
