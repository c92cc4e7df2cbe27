// Package claims предоставляет шлюз к внешнему сервису расчёта убытков.
//
// Обмен двухфазный: Dispatch отправляет запрос и сразу возвращает управление,
// результат приходит позже отдельным обратным вызовом реестра. Поскольку HTTP
// не гарантирует доставку ровно один раз, шлюз ведёт собственный реестр
// ожидающих корреляционных идентификаторов: повторно доставленный обратный
// вызов не пройдёт Consume.
package claims

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mmeshcher/policyledger-system/internal/model"
)

// Client инкапсулирует HTTP-взаимодействие с сервисом расчёта убытков.
type Client struct {
	callbackBase string
	httpClient   *retryablehttp.Client
	logger       *zap.Logger

	mu      sync.Mutex
	pending map[string]struct{}
}

// ComputeRequest — полезная нагрузка исходящего запроса на расчёт убытков.
type ComputeRequest struct {
	RequestID    string              `json:"request_id"`
	CallbackURL  string              `json:"callback_url,omitempty"`
	LossContexts []model.LossContext `json:"loss_contexts"`
}

// ComputeResult — полезная нагрузка обратного вызова сервиса расчёта.
type ComputeResult struct {
	RequestID string               `json:"request_id"`
	Failed    bool                 `json:"failed,omitempty"`
	Losses    []model.ComputedLoss `json:"losses"`
}

// NewClient создаёт шлюз к сервису расчёта убытков. callbackBase — внешне
// доступный адрес реестра, по которому сервис расчёта доставляет результаты.
func NewClient(callbackBase string, logger *zap.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		callbackBase: strings.TrimRight(callbackBase, "/"),
		httpClient:   rc,
		logger:       logger,
		pending:      make(map[string]struct{}),
	}
}

// Dispatch регистрирует корреляционный идентификатор и асинхронно отправляет
// контексты убытков сервису расчёта. Адресат определяется по ссылке на сервис
// расчёта ПОСЛЕДНЕГО контекста. Ровно один исходящий вызов на обращение;
// отправитель не блокируется.
func (c *Client) Dispatch(contexts []model.LossContext) (string, error) {
	if c == nil {
		return "", fmt.Errorf("claims client not configured")
	}
	if len(contexts) == 0 {
		return "", fmt.Errorf("empty loss context list")
	}

	target := contexts[len(contexts)-1].ClaimsService
	if target == "" {
		return "", fmt.Errorf("last loss context carries no claims service reference")
	}

	requestID := uuid.NewString()

	c.mu.Lock()
	c.pending[requestID] = struct{}{}
	c.mu.Unlock()

	go c.send(target, requestID, contexts)

	return requestID, nil
}

func (c *Client) send(target, requestID string, contexts []model.LossContext) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	base := target
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	payload := ComputeRequest{
		RequestID:    requestID,
		CallbackURL:  c.callbackBase,
		LossContexts: contexts,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("marshal compute request", zap.Error(err), zap.String("requestID", requestID))
		return
	}

	url := fmt.Sprintf("%s/api/losses/compute", base)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		c.logger.Error("create compute request", zap.Error(err), zap.String("requestID", requestID))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("dispatch compute request", zap.Error(err), zap.String("requestID", requestID))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		c.logger.Error("claims service rejected compute request",
			zap.Int("status", resp.StatusCode), zap.String("requestID", requestID))
	}
}

// Consume атомарно изымает ожидающий корреляционный идентификатор. Возвращает
// false, если идентификатор неизвестен или результат по нему уже был применён.
func (c *Client) Consume(requestID string) bool {
	if c == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[requestID]; !ok {
		return false
	}
	delete(c.pending, requestID)
	return true
}

// pendingCount возвращает число запросов, ожидающих обратного вызова.
func (c *Client) pendingCount() int {
	if c == nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
