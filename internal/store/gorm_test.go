package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"tenantgate/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockStore(t *testing.T) (*GormStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("gorm open: %v", err)
	}
	return NewGormStore(db), mock
}

func TestTranslateError(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"not found", gorm.ErrRecordNotFound, ErrNotFound},
		{"wrapped not found", fmt.Errorf("query: %w", gorm.ErrRecordNotFound), ErrNotFound},
		{"duplicated key", gorm.ErrDuplicatedKey, ErrConflict},
		{"pg unique violation", &pgconn.PgError{Code: "23505", ConstraintName: "uk_user_tenant_email"}, ErrConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := translateError(tc.in); !errors.Is(got, tc.want) {
				t.Fatalf("translateError(%v) = %v", tc.in, got)
			}
		})
	}

	other := &pgconn.PgError{Code: "40001"}
	if got := translateError(other); errors.Is(got, ErrConflict) || got != other {
		t.Fatalf("serialization failure must pass through, got %v", got)
	}
	if translateError(nil) != nil {
		t.Fatal("nil should stay nil")
	}
}

func TestGormLockTenantUsesForUpdate(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "tenants" WHERE id = \$1 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status", "plan", "settings"}).
			AddRow(id.String(), "Acme", models.TenantStatusActive, models.TenantPlanBasic, []byte("{}")))
	mock.ExpectCommit()

	err := s.WithinTx(context.Background(), func(tx Tx) error {
		tenant, err := tx.LockTenant(id)
		if err != nil {
			return err
		}
		if tenant.Name != "Acme" || !tenant.IsActive() {
			t.Fatalf("unexpected tenant %+v", tenant)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGormCountActiveUsersWithPermission(t *testing.T) {
	s, mock := newMockStore(t)
	tenantID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(DISTINCT users.id\) FROM users`).
		WithArgs(tenantID, models.UserStatusActive, models.PermIdentityUsersManage).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectCommit()

	var n int64
	err := s.WithinTx(context.Background(), func(tx Tx) error {
		var err error
		n, err = tx.CountActiveUsersWithPermission(tenantID, models.PermIdentityUsersManage)
		return err
	})
	if err != nil || n != 2 {
		t.Fatalf("count = %d, err = %v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGormFindUserByEmailNotFoundRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "users" WHERE tenant_id = \$1 AND email = \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := s.WithinTx(context.Background(), func(tx Tx) error {
		_, err := tx.FindUserByEmail(uuid.New(), " Nobody@Acme.io ")
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGormSessionWritesSkipRevokedRows(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	actor := uuid.New()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "user_sessions" SET "last_seen_at"=\$1,"updated_at"=\$2 WHERE id = \$3 AND revoked_at IS NULL$`).
		WithArgs(now, now, id).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE "user_sessions" SET "revoked_at"=\$1,"revoked_by"=\$2,"updated_at"=\$3 WHERE id = \$4 AND revoked_at IS NULL$`).
		WithArgs(now, &actor, now, id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "user_sessions" SET .* WHERE id = \$4 AND revoked_at IS NULL$`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.WithinTx(context.Background(), func(tx Tx) error {
		if err := tx.TouchSession(id, now); err != nil {
			return err
		}
		ok, err := tx.RevokeSession(id, now, &actor)
		if err != nil || !ok {
			t.Fatalf("first revoke = %v, %v", ok, err)
		}
		ok, err = tx.RevokeSession(id, now, &actor)
		if err != nil || ok {
			t.Fatalf("second revoke = %v, %v", ok, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGormResetTokenRedeemedOnce(t *testing.T) {
	s, mock := newMockStore(t)
	tenantID, tokenID, userID := uuid.New(), uuid.New(), uuid.New()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "password_reset_tokens" WHERE tenant_id = \$1 AND token_hash = \$2 AND purpose = \$3 AND used_at IS NULL AND expires_at > \$4 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "user_id", "purpose", "token_hash", "expires_at"}).
			AddRow(tokenID.String(), tenantID.String(), userID.String(), models.TokenPurposeReset, "h1", now.Add(time.Hour)))
	mock.ExpectExec(`UPDATE "password_reset_tokens" SET "updated_at"=\$1,"used_at"=\$2 WHERE id = \$3 AND used_at IS NULL AND expires_at > \$4$`).
		WithArgs(now, now, tokenID, now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.WithinTx(context.Background(), func(tx Tx) error {
		tok, err := tx.FindUsableResetToken(tenantID, "h1", models.TokenPurposeReset, now)
		if err != nil {
			return err
		}
		// 另一个请求已先行兑换
		ok, err := tx.ConsumeResetToken(tok.ID, now)
		if err != nil || ok {
			t.Fatalf("consume = %v, %v", ok, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
