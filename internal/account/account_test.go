package account

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/livechat/internal/identity"
	"github.com/Tyrowin/livechat/internal/mocks"
	"github.com/Tyrowin/livechat/internal/store"
)

var secret = []byte("account-test-secret")

func newService(users store.UserStore) *Service {
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	return NewService(log, users, identity.NewJWT(secret, "livechat"), 0).WithCost(bcrypt.MinCost)
}

func TestService_Register(t *testing.T) {
	ctrl := gomock.NewController(t)
	users := mocks.NewMockUserStore(ctrl)
	svc := newService(users)

	t.Run("should register and return a usable token", func(t *testing.T) {
		req := require.New(t)
		var saved store.User
		users.EXPECT().CreateUser(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, u store.User) error {
				saved = u
				return nil
			})

		res, err := svc.Register(context.Background(), Credentials{Username: "alice", Password: "correct horse"})
		req.NoError(err)
		req.Equal("alice", res.User.Username)
		req.Equal(saved.ID, res.User.ID)
		req.NotEqual("correct horse", saved.PasswordHash)
		req.NoError(bcrypt.CompareHashAndPassword([]byte(saved.PasswordHash), []byte("correct horse")))

		id, err := identity.NewJWT(secret, "livechat").Verify(context.Background(), res.Token)
		req.NoError(err)
		req.Equal(identity.Identity{UserID: saved.ID, Username: "alice"}, id)
	})

	t.Run("should reject invalid input before touching the store", func(t *testing.T) {
		// No CreateUser expectation: reaching the store fails the test.
		for _, c := range []Credentials{
			{Username: "", Password: "long enough"},
			{Username: "al", Password: "long enough"},
			{Username: "has space", Password: "long enough"},
			{Username: "alice", Password: "short"},
			{Username: "alice", Password: strings.Repeat("a", 73)},
			{Username: "alice", Password: strings.Repeat("é", 72)},
		} {
			_, err := svc.Register(context.Background(), c)
			require.ErrorIs(t, err, ErrInvalidRequest, "%+v", c)
		}
	})

	t.Run("should accept a password of exactly 72 bytes", func(t *testing.T) {
		users.EXPECT().CreateUser(gomock.Any(), gomock.Any()).Return(nil)
		_, err := svc.Register(context.Background(), Credentials{Username: "alice", Password: strings.Repeat("é", 36)})
		require.NoError(t, err)
	})

	t.Run("should report a taken username", func(t *testing.T) {
		req := require.New(t)
		users.EXPECT().CreateUser(gomock.Any(), gomock.Any()).Return(store.ErrUserExists)
		_, err := svc.Register(context.Background(), Credentials{Username: "alice", Password: "correct horse"})
		req.ErrorIs(err, ErrUserExists)
	})

	t.Run("should wrap store failures", func(t *testing.T) {
		req := require.New(t)
		boom := errors.New("boom")
		users.EXPECT().CreateUser(gomock.Any(), gomock.Any()).Return(boom)
		_, err := svc.Register(context.Background(), Credentials{Username: "alice", Password: "correct horse"})
		req.ErrorIs(err, boom)
	})
}

func TestService_Login(t *testing.T) {
	ctrl := gomock.NewController(t)
	users := mocks.NewMockUserStore(ctrl)
	svc := newService(users)

	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)
	alice := store.User{ID: "u-1", Username: "alice", PasswordHash: string(hash)}

	t.Run("should login with the right password", func(t *testing.T) {
		req := require.New(t)
		users.EXPECT().UserByName(gomock.Any(), "alice").Return(alice, nil)
		res, err := svc.Login(context.Background(), Credentials{Username: "alice", Password: "correct horse"})
		req.NoError(err)
		req.Equal(User{ID: "u-1", Username: "alice"}, res.User)
		req.NotEmpty(res.Token)
	})

	t.Run("should fail with the wrong password", func(t *testing.T) {
		req := require.New(t)
		users.EXPECT().UserByName(gomock.Any(), "alice").Return(alice, nil)
		_, err := svc.Login(context.Background(), Credentials{Username: "alice", Password: "battery staple"})
		req.ErrorIs(err, ErrInvalidCredentials)
	})

	t.Run("should not reveal unknown users", func(t *testing.T) {
		req := require.New(t)
		users.EXPECT().UserByName(gomock.Any(), "bob").Return(store.User{}, store.ErrNotFound)
		_, err := svc.Login(context.Background(), Credentials{Username: "bob", Password: "whatever1"})
		req.ErrorIs(err, ErrInvalidCredentials)
	})

	t.Run("should fail on empty credentials", func(t *testing.T) {
		_, err := svc.Login(context.Background(), Credentials{})
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})
}

func TestService_Exists(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	users := mocks.NewMockUserStore(ctrl)
	svc := newService(users)

	users.EXPECT().UserByID(gomock.Any(), "u-1").Return(store.User{ID: "u-1"}, nil)
	users.EXPECT().UserByID(gomock.Any(), "u-2").Return(store.User{}, store.ErrNotFound)
	users.EXPECT().UserByID(gomock.Any(), "u-3").Return(store.User{}, errors.New("down"))

	ok, err := svc.Exists(context.Background(), "u-1")
	req.NoError(err)
	req.True(ok)

	ok, err = svc.Exists(context.Background(), "u-2")
	req.NoError(err)
	req.False(ok)

	_, err = svc.Exists(context.Background(), "u-3")
	req.Error(err)
}

func TestService_RoundTripOnBadger(t *testing.T) {
	req := require.New(t)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	backend := store.NewBadger(db, logs.GetLoggerFromLevel(slog.LevelDebug))
	t.Cleanup(func() { _ = backend.Close() })
	svc := newService(backend)
	ctx := context.Background()

	registered, err := svc.Register(ctx, Credentials{Username: "Carol", Password: "s3cret-pass"})
	req.NoError(err)

	_, err = svc.Register(ctx, Credentials{Username: "carol", Password: "other-pass"})
	req.ErrorIs(err, ErrUserExists)

	loggedIn, err := svc.Login(ctx, Credentials{Username: "carol", Password: "s3cret-pass"})
	req.NoError(err)
	req.Equal(registered.User, loggedIn.User)

	ok, err := svc.Exists(ctx, registered.User.ID)
	req.NoError(err)
	req.True(ok)
}
