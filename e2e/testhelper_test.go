package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yajmaan/sevaflow/internal/auth"
	"github.com/yajmaan/sevaflow/internal/config"
	"github.com/yajmaan/sevaflow/internal/handler"
	"github.com/yajmaan/sevaflow/internal/middleware"
	"github.com/yajmaan/sevaflow/internal/service"
	ws "github.com/yajmaan/sevaflow/internal/websocket"
	"github.com/yajmaan/sevaflow/internal/worker"
)

const (
	testJWTSecret = "test-secret-for-e2e"
	testOperator  = "test-user-123"
)

// testApp holds all components needed for testing
type testApp struct {
	app     *fiber.App
	batches *service.BatchService
	worker  *worker.BatchWorker
}

// setupApp creates a Fiber app wired like main.go with mock providers.
// Batches are queued but not consumed; tests drive the worker directly.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	// Redis on localhost, skipped when unreachable
	redisClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid collision
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { redisClient.Close() })

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr: "localhost:6379",
		DB:   15,
	})
	t.Cleanup(func() { asynqClient.Close() })

	logger := zap.NewNop()
	validate := validator.New()

	hub := ws.NewHub(logger)
	go hub.Run()
	t.Cleanup(hub.Stop)

	cfg := &config.Config{
		Hosting:   config.HostingConfig{KeyPrefix: "seva-videos"},
		Messaging: config.MessagingConfig{LanguageCode: "en"},
		Pipeline: config.PipelineConfig{
			Concurrency:    2,
			MaxAttempts:    1,
			BackoffBaseMs:  1,
			BackoffMaxMs:   1,
			CallTimeoutSec: 5,
		},
	}
	deps, err := worker.NewDependencies(cfg, logger, true)
	if err != nil {
		t.Fatalf("failed to build dependencies: %v", err)
	}

	batchService := service.NewBatchService(service.NewRedisStore(redisClient), asynqClient, service.NewRegistry(), logger)
	batchHandler := handler.NewBatchHandler(batchService, validate)

	// Shared-secret tokens only, no OIDC issuer
	authn := auth.NewAuthenticator(nil, testJWTSecret, "")
	authHandler := handler.NewAuthHandler(authn)
	authMiddleware := middleware.NewAuthMiddleware(authn)
	rateLimiter := middleware.NewRateLimiter(redisClient, logger)

	app := fiber.New(fiber.Config{
		BodyLimit: 25 * 1024 * 1024,
	})

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"hosting":   false,
				"messaging": false,
				"auth":      true,
			},
		})
	})
	app.Get("/auth/verify", authHandler.Verify)

	api := app.Group("/api", authMiddleware.Authenticate())

	// Use very high rate limits so tests don't get blocked
	batches := api.Group("/batches")
	batches.Post("/", rateLimiter.BatchLimit(10000), batchHandler.Start)
	batches.Get("/:batchId/progress", batchHandler.Progress)
	batches.Get("/:batchId/report", batchHandler.Report)
	batches.Post("/:batchId/cancel", batchHandler.Cancel)

	batchWorker := worker.NewBatchWorker(batchService, deps, cfg, hub, logger)

	return &testApp{app: app, batches: batchService, worker: batchWorker}
}

// generateToken signs a token for the default test operator.
func generateToken(t *testing.T) string {
	t.Helper()
	return operatorToken(t, auth.Operator{ID: testOperator, Email: "test@example.com"})
}

// operatorToken signs a token for op with the test secret.
func operatorToken(t *testing.T, op auth.Operator) string {
	t.Helper()
	signed, err := auth.SignOperatorToken(op, testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequest(method, path, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request without a body.
func doAuthRequest(t *testing.T, app *fiber.App, method, path string) (*http.Response, error) {
	t.Helper()
	return doTokenRequest(app, method, path, generateToken(t))
}

// doTokenRequest performs a bodyless request with the given bearer token.
func doTokenRequest(app *fiber.App, method, path, token string) (*http.Response, error) {
	return doRequest(app, method, path, nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// batchUpload is the multipart form accepted by POST /api/batches
type batchUpload struct {
	roster    string
	links     string
	templates string
}

func (u batchUpload) encode(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	files := []struct{ field, name, content string }{
		{"roster", "roster.csv", u.roster},
		{"links", "links.csv", u.links},
	}
	for _, f := range files {
		if f.content == "" {
			continue
		}
		part, err := w.CreateFormFile(f.field, f.name)
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := io.Copy(part, strings.NewReader(f.content)); err != nil {
			t.Fatalf("failed to write form file: %v", err)
		}
	}
	if u.templates != "" {
		if err := w.WriteField("templates", u.templates); err != nil {
			t.Fatalf("failed to write templates field: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

// postBatch uploads a batch, authenticated unless token is empty.
func postBatch(t *testing.T, app *fiber.App, u batchUpload, token string) (*http.Response, error) {
	t.Helper()
	body, contentType := u.encode(t)
	headers := map[string]string{"Content-Type": contentType}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return doRequest(app, http.MethodPost, "/api/batches", body, headers)
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
