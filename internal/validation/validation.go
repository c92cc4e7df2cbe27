// Package validation содержит проверки входных данных реестра полисов.
package validation

import "github.com/mmeshcher/policyledger-system/internal/model"

// IsCompleteIdentity проверяет, что ключ корреляции убытка заполнен целиком.
func IsCompleteIdentity(id model.LossIdentity) bool {
	return id.ID != "" &&
		id.EventID != "" &&
		id.PolicyID != "" &&
		id.ClientID != "" &&
		id.IssuerID != ""
}

// IsValidPolicy проверяет минимальную корректность полиса перед сохранением:
// непустой идентификатор, положительный лимит выплат, упорядоченный период
// покрытия и балансы в пределах лимита.
func IsValidPolicy(p *model.Policy) bool {
	if p == nil || p.PolicyID == "" {
		return false
	}
	if p.Quote.MaxPayout <= 0 {
		return false
	}
	if !p.Quote.CoverageEnd.After(p.Quote.CoverageStart) {
		return false
	}
	if p.Balance < 0 || p.Balance > p.Quote.MaxPayout {
		return false
	}
	return true
}

// IsValidLossContext проверяет контекст убытка перед отправкой на расчёт.
func IsValidLossContext(lc model.LossContext) bool {
	return IsCompleteIdentity(lc.Identity) && lc.ClaimsService != ""
}
