// Package model содержит доменные сущности реестра параметрических полисов.
package model

import (
	"encoding/json"
	"time"
)

// Role определяет роль участника, зафиксированную в котировке.
type Role string

const (
	RolePayoutAuthority  Role = "PAYOUT_AUTHORITY"
	RolePaymentProcessor Role = "PAYMENT_PROCESSOR"
	RoleClient           Role = "CLIENT"
	RoleIssuer           Role = "ISSUER"
)

// User описывает участника, встроенного в котировку. После встраивания не изменяется.
type User struct {
	ID           string `json:"id"`
	Role         Role   `json:"role"`
	AdminAccount string `json:"admin_account"`
}

// Quote описывает принятую клиентом оферту. Встраивается в полис при активации
// и после этого не мутирует.
type Quote struct {
	ID            string    `json:"id"`
	Issuer        User      `json:"issuer"`
	Client        User      `json:"client"`
	ClaimsService string    `json:"claims_service"`
	PolicyType    string    `json:"policy_type"`
	MaxPayout     int64     `json:"max_payout"`
	CoverageStart time.Time `json:"coverage_start"`
	CoverageEnd   time.Time `json:"coverage_end"`
	Location      string    `json:"location"`
	PolicyManager string    `json:"policy_manager"`
}

// LossIdentity — ключ корреляции убытка между оракулом, сервисом расчёта и реестром.
// Уникален в пределах (полис, событие, расчёт).
type LossIdentity struct {
	ID       string `json:"id"`
	EventID  string `json:"event_id"`
	PolicyID string `json:"policy_id"`
	ClientID string `json:"client_id"`
	IssuerID string `json:"issuer_id"`
}

// LossContext содержит данные оракула, по которым запрашивается расчёт убытка.
type LossContext struct {
	Identity      LossIdentity    `json:"identity"`
	ClaimsService string          `json:"claims_service"`
	OracleData    json.RawMessage `json:"oracle_data"`
}

// Calculations содержит результат расчёта убытка сервисом расчёта.
type Calculations struct {
	PayoutPercent float64 `json:"payout_percent"`
	AmountDue     int64   `json:"amount_due"`
}

// ComputedLoss — рассчитанный убыток, ожидающий решения клиента.
type ComputedLoss struct {
	Identity     LossIdentity    `json:"identity"`
	OracleData   json.RawMessage `json:"oracle_data"`
	Calculations Calculations    `json:"calculations"`
}

// Obligation — принятый клиентом убыток, ожидающий фактической выплаты.
type Obligation struct {
	ComputedLoss       ComputedLoss `json:"computed_loss"`
	ContractUpdateTime time.Time    `json:"contract_update_time"`
}

// Payment — терминальная запись о выплате по обязательству. После создания не изменяется.
type Payment struct {
	ContractUpdateTime time.Time  `json:"contract_update_time"`
	PaymentProof       string     `json:"payment_proof"`
	Obligation         Obligation `json:"obligation"`
}

// Policy описывает активный страховой полис с балансом, привязанный к одной котировке.
// Поля Issuer, Client, ClaimsService, PolicyType, MaxPayout и Location денормализованы
// из котировки при активации.
type Policy struct {
	PolicyID       string         `json:"policy_id"`
	Quote          Quote          `json:"quote"`
	Balance        int64          `json:"balance"`
	PendingBalance int64          `json:"pending_balance"`
	StartDate      time.Time      `json:"start_date"`
	EndDate        time.Time      `json:"end_date"`
	Active         bool           `json:"active"`
	Issuer         User           `json:"issuer"`
	Client         User           `json:"client"`
	ClaimsService  string         `json:"claims_service"`
	PolicyType     string         `json:"policy_type"`
	MaxPayout      int64          `json:"max_payout"`
	Location       string         `json:"location"`
	Payments       []Payment      `json:"payments"`
	Obligations    []Obligation   `json:"obligations"`
	RejectedLosses []ComputedLoss `json:"rejected_losses"`
	ComputedLosses []ComputedLoss `json:"computed_losses"`
}

// LossDecision — решение клиента по рассчитанному убытку.
type LossDecision struct {
	Identity LossIdentity `json:"identity"`
	Accept   bool         `json:"accept"`
}

// ResolveObligation — запрос обработчика платежей на закрытие обязательства.
type ResolveObligation struct {
	Identity     LossIdentity `json:"identity"`
	PaymentProof string       `json:"payment_proof"`
}

// Succession хранит текущего мастер-администратора и, между приостановкой и
// подтверждением передачи, назначенного преемника.
type Succession struct {
	MasterAdmin    string `json:"master_admin"`
	NewMasterAdmin string `json:"new_master_admin,omitempty"`
}
