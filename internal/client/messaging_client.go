package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yajmaan/sevaflow/internal/config"
	"go.uber.org/zap"
)

// TemplateMessage is one personalized WhatsApp template send
type TemplateMessage struct {
	CountryCode  string
	Phone        string
	TemplateName string
	LanguageCode string
	Header       string
	Body         string
	CallbackData string
}

// MessagingProvider sends WhatsApp template messages
type MessagingProvider interface {
	SendTemplated(ctx context.Context, msg TemplateMessage) (string, error)
}

// InteraktClient implements MessagingProvider against the Interakt public API
type InteraktClient struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	languageCode string
	logger       *zap.Logger
}

type interaktTemplate struct {
	Name         string   `json:"name"`
	LanguageCode string   `json:"languageCode"`
	HeaderValues []string `json:"headerValues,omitempty"`
	BodyValues   []string `json:"bodyValues,omitempty"`
}

type interaktMessageRequest struct {
	CountryCode  string           `json:"countryCode"`
	PhoneNumber  string           `json:"phoneNumber"`
	CallbackData string           `json:"callbackData,omitempty"`
	Type         string           `json:"type"`
	Template     interaktTemplate `json:"template"`
}

type interaktMessageResponse struct {
	Result  bool   `json:"result"`
	Message string `json:"message"`
	ID      string `json:"id"`
}

// NewInteraktClient creates a messaging client from config
func NewInteraktClient(cfg *config.MessagingConfig, logger *zap.Logger) *InteraktClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	lang := cfg.LanguageCode
	if lang == "" {
		lang = "en"
	}
	return &InteraktClient{
		httpClient:   &http.Client{Timeout: timeout},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		languageCode: lang,
		logger:       logger.Named("interakt"),
	}
}

// SendTemplated sends msg and returns the provider message ID
func (c *InteraktClient) SendTemplated(ctx context.Context, msg TemplateMessage) (string, error) {
	lang := msg.LanguageCode
	if lang == "" {
		lang = c.languageCode
	}
	body := interaktMessageRequest{
		CountryCode:  normalizeCountryCode(msg.CountryCode),
		PhoneNumber:  msg.Phone,
		CallbackData: msg.CallbackData,
		Type:         "Template",
		Template: interaktTemplate{
			Name:         msg.TemplateName,
			LanguageCode: lang,
			BodyValues:   []string{msg.Body},
		},
	}
	if msg.Header != "" {
		body.Template.HeaderValues = []string{msg.Header}
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/public/message/", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	var result interaktMessageResponse
	if err := c.doRequest(req, &result); err != nil {
		return "", err
	}
	if !result.Result {
		return "", fmt.Errorf("%w: %s", ErrTemplateRejected, result.Message)
	}
	return result.ID, nil
}

// doRequest executes an HTTP request and classifies the failure
func (c *InteraktClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Basic "+c.apiKey)

	c.logger.Debug("request", zap.String("method", req.Method), zap.String("url", req.URL.String()))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("request failed", zap.String("url", req.URL.String()), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", ErrProviderUnavailable, err)
	}

	c.logger.Debug("response", zap.Int("status", resp.StatusCode), zap.String("url", req.URL.String()))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("interakt API error", zap.Int("status", resp.StatusCode), zap.ByteString("body", respBody))
		return classifyMessagingStatus(resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("%w: failed to unmarshal response: %v", ErrProviderUnavailable, err)
	}
	return nil
}

func classifyMessagingStatus(status int, body []byte) error {
	text := string(body)
	var parsed interaktMessageResponse
	if json.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
		text = parsed.Message
	}

	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrProviderRateLimited, text)
	case status >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrProviderUnavailable, status, text)
	case status == http.StatusBadRequest && mentionsRecipient(text):
		return fmt.Errorf("%w: %s", ErrRecipientInvalid, text)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrTemplateRejected, status, text)
	}
}

func mentionsRecipient(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "phone") || strings.Contains(lower, "number")
}

// normalizeCountryCode returns the code with a single leading plus
func normalizeCountryCode(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	return "+" + strings.TrimLeft(code, "+")
}

// MockMessagingClient records sends in memory. Used when no API key is configured.
type MockMessagingClient struct {
	mu   sync.Mutex
	Sent []TemplateMessage
}

// SendTemplated records msg and returns a random message ID
func (m *MockMessagingClient) SendTemplated(_ context.Context, msg TemplateMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, msg)
	return "mock_" + uuid.New().String(), nil
}

// Count returns how many messages were sent
func (m *MockMessagingClient) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}
