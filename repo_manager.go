package auth

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// RepositoryManager groups the stores backing the lifecycle service so they
// can share one database handle and one transaction boundary.
type RepositoryManager interface {
	repository.Validator
	repository.TransactionManager
	Users() Users
	VerificationTokens() *VerificationTokens
	Ping(ctx context.Context) error
	// InTx is a TxRunner over the managed stores
	InTx(ctx context.Context, fn func(ctx context.Context, stores TxStores) error) error
}

type stores struct {
	db     *bun.DB
	users  Users
	tokens *VerificationTokens
}

// NewRepositoryManager builds the user and verification token stores over db.
// opts are forwarded to the users store.
func NewRepositoryManager(db *bun.DB, opts ...UsersOption) RepositoryManager {
	s := &stores{db: db}
	if db != nil {
		s.users = NewUsersRepository(db, opts...)
		s.tokens = NewVerificationTokensRepository(db)
	}
	return s
}

func (s *stores) Validate() error {
	var errs []error
	if s.db == nil {
		errs = append(errs, stderrors.New("database handle is nil"))
	}
	if s.users == nil {
		errs = append(errs, stderrors.New("users store is not initialized"))
	}
	if s.tokens == nil {
		errs = append(errs, stderrors.New("verification token store is not initialized"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Wrap(stderrors.Join(errs...), errors.CategoryInternal, "repository manager misconfigured").
		WithTextCode(TextCodeConfiguration)
}

func (s *stores) MustValidate() {
	if err := s.Validate(); err != nil {
		panic(err)
	}
}

// RunInTx runs fn inside a database transaction. A context that is already
// done never opens one.
func (s *stores) RunInTx(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context, tx bun.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.RunInTx(ctx, opts, fn)
}

func (s *stores) InTx(ctx context.Context, fn func(ctx context.Context, stores TxStores) error) error {
	return s.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, TxStores{
			Users:  s.users.WithTx(tx),
			Tokens: s.tokens.WithTx(tx),
		})
	})
}

// Ping reports whether the database answers.
func (s *stores) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("database handle is nil", errors.CategoryInternal)
	}
	if err := s.db.PingContext(ctx); err != nil {
		return errors.Wrap(err, errors.CategoryExternal, "database unavailable")
	}
	return nil
}

func (s *stores) Users() Users {
	return s.users
}

func (s *stores) VerificationTokens() *VerificationTokens {
	return s.tokens
}
