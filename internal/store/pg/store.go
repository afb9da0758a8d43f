package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"votedispatch/internal/domain"
	"votedispatch/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

func (s *Store) Close() error {
	s.DB.Close()
	return nil
}

func (s *Store) FindVote(ctx context.Context, electionID, voterID int64) (domain.Vote, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, election_id, voter_id, integrity_token, answers, COALESCE(ip_address,''), COALESCE(user_agent,''), created_at
		FROM vote_submissions WHERE election_id=$1 AND voter_id=$2
	`, electionID, voterID)
	var v domain.Vote
	var answers []byte
	err := row.Scan(&v.ID, &v.ElectionID, &v.VoterID, &v.IntegrityToken, &answers, &v.Origin.IPAddress, &v.Origin.UserAgent, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Vote{}, false, nil
		}
		return domain.Vote{}, false, err
	}
	v.Answers = answers
	return v, true, nil
}

func (s *Store) InsertVote(ctx context.Context, in store.VoteInsert) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO vote_submissions (id, election_id, voter_id, integrity_token, answers, ip_address, user_agent, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, in.ID, in.ElectionID, in.VoterID, in.IntegrityToken, []byte(in.Answers), nullIfEmpty(in.IPAddress), nullIfEmpty(in.UserAgent), in.Now)
	if err != nil {
		return classify(err)
	}
	return classify(tx.Commit(ctx))
}

func (s *Store) InsertFailure(ctx context.Context, f store.Failure) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO dispatch_failures (id, kind, reference, channel, reason, attempts, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, f.ID, string(f.Kind), f.Reference, nullIfEmpty(string(f.Channel)), f.Reason, f.Attempts, f.OccurredAt)
	return err
}

func (s *Store) ListFailures(ctx context.Context, since time.Time, limit int) ([]store.Failure, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id, kind, reference, COALESCE(channel,''), reason, attempts, occurred_at
		FROM dispatch_failures WHERE occurred_at >= $1
		ORDER BY occurred_at DESC LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Failure
	for rows.Next() {
		var f store.Failure
		var kind, channel string
		if err := rows.Scan(&f.ID, &kind, &f.Reference, &channel, &f.Reason, &f.Attempts, &f.OccurredAt); err != nil {
			return nil, err
		}
		f.Kind = store.FailureKind(kind)
		f.Channel = domain.Channel(channel)
		out = append(out, f)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
