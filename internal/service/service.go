// Package service реализует бизнес-логику реестра параметрических полисов:
// машину состояний убытка (рассчитан → обязательство/отклонён → выплачен),
// применение результатов удалённого расчёта и административные операции.
//
// Внешние вызовы обрабатываются строго по одному: каждая операция записи
// захватывает общий мьютекс и выполняет чтение-модификацию-запись полиса как
// единое целое. Повторов внутри операций нет — неудавшийся вызов
// переотправляется вызывающей стороной.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/policyledger-system/internal/model"
	"github.com/mmeshcher/policyledger-system/internal/repository"
	"github.com/mmeshcher/policyledger-system/internal/validation"
)

// ErrUnauthorized возвращается, если у вызывающего нет требуемой роли.
var (
	ErrUnauthorized = errors.New("caller is not authorized")
	// ErrComputedLossNotFound возвращается, если рассчитанный убыток не найден в полисе.
	ErrComputedLossNotFound = errors.New("computed loss not found")
	// ErrObligationNotFound возвращается, если обязательство не найдено в полисе.
	ErrObligationNotFound = errors.New("obligation not found")
	// ErrObligationNotInIndex возвращается при расхождении полиса и индекса страховщика.
	ErrObligationNotInIndex = errors.New("obligation not found in issuer index")
	// ErrLossIdentityNotFound возвращается, если ключ убытка отсутствует в индексе клиента.
	ErrLossIdentityNotFound = errors.New("loss identity not found in client index")
	// ErrInsufficientBalance возвращается при выплате, превышающей баланс полиса.
	ErrInsufficientBalance = errors.New("insufficient policy balance")
	// ErrRemoteCallFailed возвращается, если удалённый расчёт убытков завершился неудачей.
	ErrRemoteCallFailed = errors.New("remote loss computation failed")
	// ErrMalformedRemoteResult возвращается при некорректном ответе сервиса расчёта.
	ErrMalformedRemoteResult = errors.New("malformed loss computation result")
	// ErrUnknownComputation возвращается, если обратный вызов не соответствует
	// ни одному ожидающему запросу (в том числе при повторной доставке).
	ErrUnknownComputation = errors.New("unknown or already applied computation request")
	// ErrInvalidPolicy возвращается при попытке сохранить некорректный полис.
	ErrInvalidPolicy = errors.New("invalid policy")
	// ErrInvalidLossContext возвращается при некорректном контексте убытка.
	ErrInvalidLossContext = errors.New("invalid loss context")
	// ErrPolicyInactive возвращается при запросе расчёта по неактивному полису.
	ErrPolicyInactive = errors.New("policy is not active")
	// ErrNoPendingSuccession возвращается, если передача прав не была инициирована.
	ErrNoPendingSuccession = errors.New("no pending succession")
	// ErrInvalidCandidate возвращается при попытке назначить пустого преемника.
	ErrInvalidCandidate = errors.New("invalid succession candidate")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	SavePolicy(ctx context.Context, p *model.Policy) error
	GetPolicy(ctx context.Context, policyID string) (*model.Policy, error)
	RegisterIssuer(ctx context.Context, issuerID string) error
	GetIssuerObligations(ctx context.Context, issuerID string) ([]model.Obligation, error)
	SaveIssuerObligations(ctx context.Context, issuerID string, obligations []model.Obligation) error
	GetClientLossIdentities(ctx context.Context, clientID string) ([]model.LossIdentity, error)
	SaveClientLossIdentities(ctx context.Context, clientID string, identities []model.LossIdentity) error
	AddActivator(ctx context.Context, account string) error
	RemoveActivator(ctx context.Context, account string) error
	IsActivator(ctx context.Context, account string) (bool, error)
	GetSuccession(ctx context.Context) (*model.Succession, error)
	SaveSuccession(ctx context.Context, s *model.Succession) error
	DeactivateExpiredPolicies(ctx context.Context, now time.Time) (int64, error)
}

// Dispatcher описывает контракт шлюза к сервису расчёта убытков.
type Dispatcher interface {
	Dispatch(contexts []model.LossContext) (string, error)
	Consume(requestID string) bool
}

// Service содержит бизнес-логику реестра полисов.
type Service struct {
	repo   Repository
	claims Dispatcher
	logger *zap.Logger
	now    func() time.Time

	// сериализует операции записи: один внешний вызов за раз
	mu sync.Mutex
}

// NewService создаёт новый сервис с указанным репозиторием и шлюзом расчёта убытков.
func NewService(repo Repository, claims Dispatcher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		claims: claims,
		logger: logger,
		now:    time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func (s *Service) authorizeMasterAdmin(ctx context.Context, caller string) error {
	succession, err := s.repo.GetSuccession(ctx)
	if err != nil {
		return err
	}
	if succession.MasterAdmin != caller {
		return ErrUnauthorized
	}
	return nil
}

func (s *Service) authorizeActivator(ctx context.Context, caller string) error {
	ok, err := s.repo.IsActivator(ctx, caller)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

// SavePolicy сохраняет полис, пришедший из сервиса котировок. Вызывающий должен
// быть зарегистрированным активатором. Поля полиса нормализуются из встроенной
// котировки; у нового полиса балансы заполняются лимитом выплат.
func (s *Service) SavePolicy(ctx context.Context, caller string, p *model.Policy) (*model.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.authorizeActivator(ctx, caller); err != nil {
		return nil, err
	}

	normalizePolicy(p)

	if !validation.IsValidPolicy(p) {
		return nil, ErrInvalidPolicy
	}

	if err := s.repo.SavePolicy(ctx, p); err != nil {
		return nil, err
	}

	return p, nil
}

// normalizePolicy приводит денормализованные поля в соответствие котировке и
// заполняет балансы нового полиса лимитом выплат.
func normalizePolicy(p *model.Policy) {
	p.Issuer = p.Quote.Issuer
	p.Client = p.Quote.Client
	p.ClaimsService = p.Quote.ClaimsService
	p.PolicyType = p.Quote.PolicyType
	p.MaxPayout = p.Quote.MaxPayout
	p.Location = p.Quote.Location
	p.StartDate = p.Quote.CoverageStart
	p.EndDate = p.Quote.CoverageEnd

	fresh := p.Balance == 0 && p.PendingBalance == 0 &&
		len(p.Payments) == 0 && len(p.Obligations) == 0 &&
		len(p.RejectedLosses) == 0 && len(p.ComputedLosses) == 0
	if fresh {
		p.Balance = p.Quote.MaxPayout
		p.PendingBalance = p.Quote.MaxPayout
		p.Active = true
	}
}

// GetPolicy возвращает полис по идентификатору.
func (s *Service) GetPolicy(ctx context.Context, policyID string) (*model.Policy, error) {
	return s.repo.GetPolicy(ctx, policyID)
}

// GetPolicyBalance возвращает остаток баланса полиса.
func (s *Service) GetPolicyBalance(ctx context.Context, policyID string) (int64, error) {
	p, err := s.repo.GetPolicy(ctx, policyID)
	if err != nil {
		return 0, err
	}
	return p.Balance, nil
}

// GetIssuerObligations возвращает открытые обязательства страховщика.
func (s *Service) GetIssuerObligations(ctx context.Context, issuerID string) ([]model.Obligation, error) {
	return s.repo.GetIssuerObligations(ctx, issuerID)
}

// ComputeLoss отправляет накопленные контексты убытков одного полиса на расчёт.
// Адресат определяется по последнему контексту списка. Вызов не блокируется:
// результат придёт позже отдельным обратным вызовом, состояние полиса в этой
// фазе не меняется.
func (s *Service) ComputeLoss(ctx context.Context, caller string, contexts []model.LossContext) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.authorizeActivator(ctx, caller); err != nil {
		return "", err
	}

	if len(contexts) == 0 {
		return "", ErrInvalidLossContext
	}
	for _, lc := range contexts {
		if !validation.IsValidLossContext(lc) {
			return "", ErrInvalidLossContext
		}
	}

	last := contexts[len(contexts)-1]
	p, err := s.repo.GetPolicy(ctx, last.Identity.PolicyID)
	if err != nil {
		return "", err
	}
	if !p.Active {
		return "", ErrPolicyInactive
	}

	requestID, err := s.claims.Dispatch(contexts)
	if err != nil {
		return "", fmt.Errorf("dispatch loss computation: %w", err)
	}

	s.logger.Info("loss computation dispatched",
		zap.String("requestID", requestID),
		zap.String("policyID", last.Identity.PolicyID),
		zap.Int("contexts", len(contexts)))

	return requestID, nil
}

// OnLossComputed применяет результат удалённого расчёта убытков. Обратный вызов
// применяется не более одного раза на запрос: неизвестный или уже использованный
// requestID отклоняется. При failed или при несоответствии вызывающего ссылке на
// сервис расчёта хотя бы одного затронутого полиса ни один полис не изменяется.
// Убытки по неизвестным полисам молча пропускаются.
func (s *Service) OnLossComputed(ctx context.Context, caller, requestID string, failed bool, results []model.ComputedLoss) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.claims.Consume(requestID) {
		return ErrUnknownComputation
	}

	if failed {
		return fmt.Errorf("%w: request %s", ErrRemoteCallFailed, requestID)
	}

	// первый проход: загрузка и проверки, никакой записи
	policies := make(map[string]*model.Policy)
	applied := make([]model.ComputedLoss, 0, len(results))
	for _, loss := range results {
		if !validation.IsCompleteIdentity(loss.Identity) {
			return fmt.Errorf("%w: incomplete loss identity", ErrMalformedRemoteResult)
		}

		p, ok := policies[loss.Identity.PolicyID]
		if !ok {
			var err error
			p, err = s.repo.GetPolicy(ctx, loss.Identity.PolicyID)
			if err != nil {
				if errors.Is(err, repository.ErrPolicyNotFound) {
					// полис больше не отслеживается этим реестром
					s.logger.Info("skipping loss for untracked policy",
						zap.String("policyID", loss.Identity.PolicyID))
					continue
				}
				return err
			}
			policies[loss.Identity.PolicyID] = p
		}

		if p.ClaimsService != caller {
			return fmt.Errorf("%w: caller %s is not the claims service of policy %s",
				ErrUnauthorized, caller, p.PolicyID)
		}

		applied = append(applied, loss)
	}

	// второй проход: применение и сохранение
	for _, loss := range applied {
		p := policies[loss.Identity.PolicyID]

		p.ComputedLosses = append(p.ComputedLosses, loss)
		p.PendingBalance -= loss.Calculations.AmountDue

		if err := s.repo.SavePolicy(ctx, p); err != nil {
			return err
		}

		identities, err := s.repo.GetClientLossIdentities(ctx, loss.Identity.ClientID)
		if err != nil {
			return err
		}
		identities = append(identities, loss.Identity)
		if err := s.repo.SaveClientLossIdentities(ctx, loss.Identity.ClientID, identities); err != nil {
			return err
		}

		s.logger.Info("computed loss recorded",
			zap.String("policyID", p.PolicyID),
			zap.String("lossID", loss.Identity.ID),
			zap.Int64("amountDue", loss.Calculations.AmountDue),
			zap.Int64("pendingBalance", p.PendingBalance))
	}

	return nil
}

// GetComputedLoss возвращает рассчитанный убыток, ожидающий решения клиента.
func (s *Service) GetComputedLoss(ctx context.Context, identity model.LossIdentity) (*model.ComputedLoss, error) {
	p, err := s.repo.GetPolicy(ctx, identity.PolicyID)
	if err != nil {
		return nil, err
	}

	for i := range p.ComputedLosses {
		if p.ComputedLosses[i].Identity == identity {
			loss := p.ComputedLosses[i]
			return &loss, nil
		}
	}

	return nil, ErrComputedLossNotFound
}

// PostLossDecision применяет решение клиента по рассчитанному убытку: принятие
// превращает убыток в обязательство (в полисе и в индексе страховщика), отказ
// переносит его в отклонённые и возвращает amount_due в pending_balance.
//
// Удаление ключа из индекса клиента выполняется ПОСЛЕ сохранения полиса;
// ошибка на этом шаге оставляет полис уже изменённым. Это известная
// нетранзакционность, сохранённая намеренно.
func (s *Service) PostLossDecision(ctx context.Context, caller string, decision model.LossDecision) (model.LossDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.repo.GetPolicy(ctx, decision.Identity.PolicyID)
	if err != nil {
		return decision, err
	}

	if p.Quote.Client.AdminAccount != caller {
		return decision, ErrUnauthorized
	}

	idx := -1
	for i := range p.ComputedLosses {
		if p.ComputedLosses[i].Identity == decision.Identity {
			idx = i
			break
		}
	}
	if idx < 0 {
		return decision, ErrComputedLossNotFound
	}

	loss := p.ComputedLosses[idx]
	// удаляем со сдвигом, сохраняя порядок списка
	p.ComputedLosses = append(p.ComputedLosses[:idx], p.ComputedLosses[idx+1:]...)

	if decision.Accept {
		issuerID := loss.Identity.IssuerID
		obligations, err := s.repo.GetIssuerObligations(ctx, issuerID)
		if err != nil {
			// страховщик должен быть зарегистрирован заранее
			return decision, err
		}

		obligation := model.Obligation{
			ComputedLoss:       loss,
			ContractUpdateTime: s.now(),
		}

		p.Obligations = append(p.Obligations, obligation)

		if err := s.repo.SavePolicy(ctx, p); err != nil {
			return decision, err
		}

		obligations = append(obligations, obligation)
		if err := s.repo.SaveIssuerObligations(ctx, issuerID, obligations); err != nil {
			return decision, err
		}
	} else {
		p.RejectedLosses = append(p.RejectedLosses, loss)
		p.PendingBalance += loss.Calculations.AmountDue

		if err := s.repo.SavePolicy(ctx, p); err != nil {
			return decision, err
		}
	}

	if err := s.removeClientLossIdentity(ctx, decision.Identity); err != nil {
		return decision, err
	}

	s.logger.Info("loss decision applied",
		zap.String("policyID", p.PolicyID),
		zap.String("lossID", decision.Identity.ID),
		zap.Bool("accept", decision.Accept))

	return decision, nil
}

func (s *Service) removeClientLossIdentity(ctx context.Context, identity model.LossIdentity) error {
	identities, err := s.repo.GetClientLossIdentities(ctx, identity.ClientID)
	if err != nil {
		return err
	}

	idx := -1
	for i := range identities {
		if identities[i] == identity {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrLossIdentityNotFound
	}

	identities = append(identities[:idx], identities[idx+1:]...)
	return s.repo.SaveClientLossIdentities(ctx, identity.ClientID, identities)
}

// PostPaymentMade закрывает обязательство записью о выплате: обязательство
// удаляется из полиса и из индекса страховщика, баланс уменьшается на
// amount_due. Выплата, превышающая баланс, отклоняется.
func (s *Service) PostPaymentMade(ctx context.Context, caller string, resolve model.ResolveObligation) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.authorizeActivator(ctx, caller); err != nil {
		return nil, err
	}

	p, err := s.repo.GetPolicy(ctx, resolve.Identity.PolicyID)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i := range p.Obligations {
		if p.Obligations[i].ComputedLoss.Identity == resolve.Identity {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrObligationNotFound
	}

	obligation := p.Obligations[idx]
	amountDue := obligation.ComputedLoss.Calculations.AmountDue

	if amountDue > p.Balance {
		return nil, ErrInsufficientBalance
	}

	payment := model.Payment{
		ContractUpdateTime: s.now(),
		PaymentProof:       resolve.PaymentProof,
		Obligation:         obligation,
	}

	p.Payments = append(p.Payments, payment)
	p.Obligations = append(p.Obligations[:idx], p.Obligations[idx+1:]...)
	p.Balance -= amountDue

	if err := s.repo.SavePolicy(ctx, p); err != nil {
		return nil, err
	}

	issuerID := resolve.Identity.IssuerID
	obligations, err := s.repo.GetIssuerObligations(ctx, issuerID)
	if err != nil {
		return nil, err
	}

	idx = -1
	for i := range obligations {
		if obligations[i].ComputedLoss.Identity == resolve.Identity {
			idx = i
			break
		}
	}
	if idx < 0 {
		// расхождение полиса и индекса страховщика
		return nil, ErrObligationNotInIndex
	}

	obligations = append(obligations[:idx], obligations[idx+1:]...)
	if err := s.repo.SaveIssuerObligations(ctx, issuerID, obligations); err != nil {
		return nil, err
	}

	s.logger.Info("obligation resolved",
		zap.String("policyID", p.PolicyID),
		zap.String("lossID", resolve.Identity.ID),
		zap.Int64("amountDue", amountDue),
		zap.Int64("balance", p.Balance))

	return &payment, nil
}

// AddPolicyActivator добавляет аккаунт в список активаторов полисов.
// Доступно только мастер-администратору.
func (s *Service) AddPolicyActivator(ctx context.Context, caller, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.authorizeMasterAdmin(ctx, caller); err != nil {
		return err
	}
	return s.repo.AddActivator(ctx, account)
}

// RemovePolicyActivator удаляет аккаунт из списка активаторов.
// Доступно только мастер-администратору.
func (s *Service) RemovePolicyActivator(ctx context.Context, caller, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.authorizeMasterAdmin(ctx, caller); err != nil {
		return err
	}
	return s.repo.RemoveActivator(ctx, account)
}

// RegisterIssuer создаёт индекс обязательств страховщика.
// Доступно только мастер-администратору.
func (s *Service) RegisterIssuer(ctx context.Context, caller, issuerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.authorizeMasterAdmin(ctx, caller); err != nil {
		return err
	}
	return s.repo.RegisterIssuer(ctx, issuerID)
}

// SuspendMasterAdmin назначает преемника мастер-администратора. Передача прав
// завершается только после того, как преемник подтвердит её вызовом
// ClaimMasterAdmin.
func (s *Service) SuspendMasterAdmin(ctx context.Context, caller, candidate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if candidate == "" {
		return ErrInvalidCandidate
	}

	succession, err := s.repo.GetSuccession(ctx)
	if err != nil {
		return err
	}
	if succession.MasterAdmin != caller {
		return ErrUnauthorized
	}

	succession.NewMasterAdmin = candidate
	return s.repo.SaveSuccession(ctx, succession)
}

// CancelMasterAdminAbdication отменяет незавершённую передачу прав.
func (s *Service) CancelMasterAdminAbdication(ctx context.Context, caller string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	succession, err := s.repo.GetSuccession(ctx)
	if err != nil {
		return err
	}
	if succession.MasterAdmin != caller {
		return ErrUnauthorized
	}

	succession.NewMasterAdmin = ""
	return s.repo.SaveSuccession(ctx, succession)
}

// ClaimMasterAdmin завершает передачу прав: вызывающий должен совпадать с
// назначенным преемником. Срок ожидания не ограничен.
func (s *Service) ClaimMasterAdmin(ctx context.Context, caller string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	succession, err := s.repo.GetSuccession(ctx)
	if err != nil {
		return err
	}
	if succession.NewMasterAdmin == "" {
		return ErrNoPendingSuccession
	}
	if succession.NewMasterAdmin != caller {
		return ErrUnauthorized
	}

	succession.MasterAdmin = caller
	succession.NewMasterAdmin = ""
	return s.repo.SaveSuccession(ctx, succession)
}

// StartExpirySweep запускает фоновый процесс деактивации полисов с истёкшим
// периодом покрытия.
func (s *Service) StartExpirySweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.repo.DeactivateExpiredPolicies(ctx, s.now())
				if err != nil {
					s.logger.Error("expiry sweep failed", zap.Error(err))
					continue
				}
				if n > 0 {
					s.logger.Info("expired policies deactivated", zap.Int64("count", n))
				}
			}
		}
	}()
}
