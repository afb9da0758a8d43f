package pg

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"votedispatch/internal/store"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{"23505", store.ErrUniqueViolation},
		{"40001", store.ErrContention},
		{"40P01", store.ErrContention},
		{"55P03", store.ErrContention},
	}
	for _, tc := range cases {
		err := classify(&pgconn.PgError{Code: tc.code})
		assert.ErrorIs(t, err, tc.want, tc.code)

		var pgErr *pgconn.PgError
		assert.True(t, errors.As(err, &pgErr), "driver error must stay reachable")
	}

	other := &pgconn.PgError{Code: "23503"}
	assert.Same(t, other, classify(other))
	assert.NoError(t, classify(nil))

	plain := errors.New("conn reset")
	assert.Equal(t, plain, classify(plain))
}
