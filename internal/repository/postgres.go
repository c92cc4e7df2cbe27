// Package repository содержит реализацию хранилища реестра полисов в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/policyledger-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrPolicyNotFound возвращается, если полис с указанным идентификатором не найден.
var (
	ErrPolicyNotFound = errors.New("policy not found")
	// ErrIssuerNotRegistered возвращается при обращении к индексу обязательств
	// незарегистрированного страховщика.
	ErrIssuerNotRegistered = errors.New("issuer obligations not found")
	// ErrSuccessionNotFound возвращается, если запись о мастер-администраторе отсутствует.
	ErrSuccessionNotFound = errors.New("succession record not found")
)

// PostgresRepository предоставляет доступ к хранилищу реестра полисов в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при временных ошибках БД: конфликтах сериализации,
// дедлоках и обрывах соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(1*time.Second))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// SavePolicy выполняет идемпотентный upsert полиса по его идентификатору.
// Последняя запись выигрывает.
func (r *PostgresRepository) SavePolicy(ctx context.Context, p *model.Policy) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}

	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO policies (policy_id, client_id, issuer_id, active, end_date, doc)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (policy_id) DO UPDATE
			 SET client_id = EXCLUDED.client_id,
			     issuer_id = EXCLUDED.issuer_id,
			     active = EXCLUDED.active,
			     end_date = EXCLUDED.end_date,
			     doc = EXCLUDED.doc,
			     updated_at = now()`,
			p.PolicyID, p.Client.ID, p.Issuer.ID, p.Active, p.EndDate, doc,
		)
		if err != nil {
			return fmt.Errorf("upsert policy: %w", err)
		}
		return nil
	})
}

// GetPolicy возвращает полис по идентификатору.
func (r *PostgresRepository) GetPolicy(ctx context.Context, policyID string) (*model.Policy, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx,
		`SELECT doc FROM policies WHERE policy_id = $1`,
		policyID,
	).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPolicyNotFound
		}
		return nil, fmt.Errorf("get policy: %w", err)
	}

	var p model.Policy
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("unmarshal policy: %w", err)
	}

	return &p, nil
}

// RegisterIssuer создаёт пустой индекс обязательств страховщика. Повторная
// регистрация безвредна.
func (r *PostgresRepository) RegisterIssuer(ctx context.Context, issuerID string) error {
	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO issuer_obligations (issuer_id, obligations)
			 VALUES ($1, '[]'::jsonb)
			 ON CONFLICT (issuer_id) DO NOTHING`,
			issuerID,
		)
		if err != nil {
			return fmt.Errorf("register issuer: %w", err)
		}
		return nil
	})
}

// GetIssuerObligations возвращает открытые обязательства страховщика.
// Страховщик должен быть предварительно зарегистрирован.
func (r *PostgresRepository) GetIssuerObligations(ctx context.Context, issuerID string) ([]model.Obligation, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx,
		`SELECT obligations FROM issuer_obligations WHERE issuer_id = $1`,
		issuerID,
	).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIssuerNotRegistered
		}
		return nil, fmt.Errorf("get issuer obligations: %w", err)
	}

	var obligations []model.Obligation
	if err := json.Unmarshal(doc, &obligations); err != nil {
		return nil, fmt.Errorf("unmarshal obligations: %w", err)
	}

	return obligations, nil
}

// SaveIssuerObligations перезаписывает индекс обязательств страховщика.
func (r *PostgresRepository) SaveIssuerObligations(ctx context.Context, issuerID string, obligations []model.Obligation) error {
	if obligations == nil {
		obligations = []model.Obligation{}
	}

	doc, err := json.Marshal(obligations)
	if err != nil {
		return fmt.Errorf("marshal obligations: %w", err)
	}

	return r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE issuer_obligations SET obligations = $2, updated_at = now() WHERE issuer_id = $1`,
			issuerID, doc,
		)
		if err != nil {
			return fmt.Errorf("save issuer obligations: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrIssuerNotRegistered
		}
		return nil
	})
}

// GetClientLossIdentities возвращает ключи убытков клиента, ожидающих решения.
// Отсутствие записи эквивалентно пустому списку.
func (r *PostgresRepository) GetClientLossIdentities(ctx context.Context, clientID string) ([]model.LossIdentity, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx,
		`SELECT identities FROM client_losses WHERE client_id = $1`,
		clientID,
	).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return []model.LossIdentity{}, nil
		}
		return nil, fmt.Errorf("get client losses: %w", err)
	}

	var identities []model.LossIdentity
	if err := json.Unmarshal(doc, &identities); err != nil {
		return nil, fmt.Errorf("unmarshal identities: %w", err)
	}

	return identities, nil
}

// SaveClientLossIdentities перезаписывает список ожидающих решения ключей клиента.
func (r *PostgresRepository) SaveClientLossIdentities(ctx context.Context, clientID string, identities []model.LossIdentity) error {
	if identities == nil {
		identities = []model.LossIdentity{}
	}

	doc, err := json.Marshal(identities)
	if err != nil {
		return fmt.Errorf("marshal identities: %w", err)
	}

	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO client_losses (client_id, identities)
			 VALUES ($1, $2)
			 ON CONFLICT (client_id) DO UPDATE
			 SET identities = EXCLUDED.identities, updated_at = now()`,
			clientID, doc,
		)
		if err != nil {
			return fmt.Errorf("save client losses: %w", err)
		}
		return nil
	})
}

// AddActivator добавляет аккаунт в список доверенных активаторов полисов.
func (r *PostgresRepository) AddActivator(ctx context.Context, account string) error {
	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO activators (account_id) VALUES ($1) ON CONFLICT (account_id) DO NOTHING`,
			account,
		)
		if err != nil {
			return fmt.Errorf("add activator: %w", err)
		}
		return nil
	})
}

// RemoveActivator удаляет аккаунт из списка активаторов.
func (r *PostgresRepository) RemoveActivator(ctx context.Context, account string) error {
	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`DELETE FROM activators WHERE account_id = $1`,
			account,
		)
		if err != nil {
			return fmt.Errorf("remove activator: %w", err)
		}
		return nil
	})
}

// IsActivator проверяет, входит ли аккаунт в список активаторов.
func (r *PostgresRepository) IsActivator(ctx context.Context, account string) (bool, error) {
	var dummy int
	err := r.pool.QueryRow(ctx,
		`SELECT 1 FROM activators WHERE account_id = $1`,
		account,
	).Scan(&dummy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check activator: %w", err)
	}
	return true, nil
}

// GetSuccession возвращает запись о мастер-администраторе.
func (r *PostgresRepository) GetSuccession(ctx context.Context) (*model.Succession, error) {
	var s model.Succession
	var pending *string
	err := r.pool.QueryRow(ctx,
		`SELECT master_admin, new_master_admin FROM succession WHERE id = 1`,
	).Scan(&s.MasterAdmin, &pending)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSuccessionNotFound
		}
		return nil, fmt.Errorf("get succession: %w", err)
	}

	if pending != nil {
		s.NewMasterAdmin = *pending
	}

	return &s, nil
}

// SaveSuccession сохраняет запись о мастер-администраторе.
func (r *PostgresRepository) SaveSuccession(ctx context.Context, s *model.Succession) error {
	var pending *string
	if s.NewMasterAdmin != "" {
		pending = &s.NewMasterAdmin
	}

	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO succession (id, master_admin, new_master_admin)
			 VALUES (1, $1, $2)
			 ON CONFLICT (id) DO UPDATE
			 SET master_admin = EXCLUDED.master_admin,
			     new_master_admin = EXCLUDED.new_master_admin,
			     updated_at = now()`,
			s.MasterAdmin, pending,
		)
		if err != nil {
			return fmt.Errorf("save succession: %w", err)
		}
		return nil
	})
}

// EnsureMasterAdmin создаёт запись о мастер-администраторе, если её ещё нет.
// Существующая запись не перезаписывается.
func (r *PostgresRepository) EnsureMasterAdmin(ctx context.Context, account string) error {
	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO succession (id, master_admin) VALUES (1, $1) ON CONFLICT (id) DO NOTHING`,
			account,
		)
		if err != nil {
			return fmt.Errorf("ensure master admin: %w", err)
		}
		return nil
	})
}

// DeactivateExpiredPolicies снимает флаг активности с полисов, период покрытия
// которых истёк. Возвращает число затронутых полисов.
func (r *PostgresRepository) DeactivateExpiredPolicies(ctx context.Context, now time.Time) (int64, error) {
	var affected int64
	err := r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE policies
			 SET active = false,
			     doc = jsonb_set(doc, '{active}', 'false'),
			     updated_at = now()
			 WHERE active AND end_date < $1`,
			now,
		)
		if err != nil {
			return fmt.Errorf("deactivate expired policies: %w", err)
		}
		affected = cmdTag.RowsAffected()
		return nil
	})
	return affected, err
}
