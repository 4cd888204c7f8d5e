// Package cloudcode provides Cloud Code API client implementation.
// This file corresponds to src/cloudcode/streaming-handler.js in the Node.js version.
package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/antigravity-proxy/antigravity-proxy-go/internal/account"
	"github.com/antigravity-proxy/antigravity-proxy-go/internal/config"
	"github.com/antigravity-proxy/antigravity-proxy-go/internal/utils"
	"github.com/antigravity-proxy/antigravity-proxy-go/pkg/anthropic"
	"github.com/antigravity-proxy/antigravity-proxy-go/pkg/redis"
)

// StreamingHandler handles streaming message requests
type StreamingHandler struct {
	accountManager *account.Manager
	httpClient     *http.Client
	cfg            *config.Config
}

// NewStreamingHandler creates a new StreamingHandler
func NewStreamingHandler(accountManager *account.Manager, cfg *config.Config) *StreamingHandler {
	return &StreamingHandler{
		accountManager: accountManager,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute, // Long timeout for AI responses
		},
		cfg: cfg,
	}
}

// SendMessageStream sends a streaming request to Cloud Code with multi-account support
// Returns a channel of SSE events
func (h *StreamingHandler) SendMessageStream(ctx context.Context, anthropicRequest *anthropic.MessagesRequest, fallbackEnabled bool) (<-chan *SSEEvent, <-chan error) {
	events := make(chan *SSEEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		err := h.streamWithRetry(ctx, anthropicRequest, fallbackEnabled, events)
		if err != nil {
			errs <- err
		}
	}()

	return events, errs
}

// streamWithRetry handles the streaming with retry logic, following the
// same request handler loop shape as MessageHandler.SendMessage: attempts
// bounded by min(MaxRetryAttempts, pool size), per-request account
// exclusion set, inner 503 retry, and a single grace retry on a 429 with
// a RateLimitExceeded reason.
func (h *StreamingHandler) streamWithRetry(ctx context.Context, anthropicRequest *anthropic.MessagesRequest, fallbackEnabled bool, events chan<- *SSEEvent) error {
	model := anthropicRequest.Model

	poolSize := h.accountManager.GetAccountCount()
	maxAttempts := poolSize
	if maxAttempts > config.MaxRetryAttempts {
		maxAttempts = config.MaxRetryAttempts
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempted := make([]string, 0, maxAttempts)
	usedGraceRetry := false
	var lastError error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		h.accountManager.ClearExpiredLimits(ctx)

		result, err := h.accountManager.SelectAccount(ctx, model, account.SelectOptions{ExcludeEmails: attempted})
		if err != nil {
			lastError = err
			break
		}
		if result.Account == nil {
			if result.WaitMs > 0 {
				utils.Info("[CloudCode] Waiting %s for account...", utils.FormatDuration(result.WaitMs))
				utils.SleepMs(result.WaitMs + 500)
			}
			lastError = fmt.Errorf("no account available for %s", model)
			continue
		}

		selectedAccount := result.Account
		if result.WaitMs > 0 {
			utils.Debug("[CloudCode] Throttling request (%dms) - fallback mode active", result.WaitMs)
			utils.SleepMs(result.WaitMs)
		}

		token, err := h.getTokenForAccount(ctx, selectedAccount)
		if err != nil {
			utils.Warn("[CloudCode] Failed to get token for %s: %v", selectedAccount.Email, err)
			attempted = append(attempted, selectedAccount.Email)
			lastError = err
			continue
		}

		projectID := selectedAccount.ProjectID
		if projectID == "" {
			projectID = config.DefaultProjectID
		}

		payload, err := BuildCloudCodeRequest(anthropicRequest, projectID)
		if err != nil {
			return err
		}

		utils.Debug("[CloudCode] Starting stream for model: %s (attempt %d/%d, account %s)",
			model, attempt+1, maxAttempts, utils.MaskEmail(selectedAccount.Email))

		done, rotate, err := h.streamOnAccount(ctx, anthropicRequest, selectedAccount, token, projectID, payload, model, events, &usedGraceRetry)
		if err != nil {
			if !rotate {
				return err
			}
			lastError = err
			attempted = append(attempted, selectedAccount.Email)
			continue
		}
		if done {
			return nil
		}
	}

	// All retries exhausted - try fallback model if enabled
	if fallbackEnabled {
		fallbackModel, ok := config.GetFallbackModel(model)
		if ok {
			utils.Warn("[CloudCode] All retries exhausted for %s. Attempting fallback to %s (streaming)",
				model, fallbackModel)
			fallbackRequest := *anthropicRequest
			fallbackRequest.Model = fallbackModel
			return h.streamWithRetry(ctx, &fallbackRequest, false, events)
		}
	}

	if lastError == nil {
		lastError = fmt.Errorf("max retries exceeded")
	}
	return fmt.Errorf("429 Too Many Requests: %w", lastError)
}

// streamOnAccount issues the streaming request against every configured
// endpoint for one selected account. done=true means the stream was
// forwarded to completion (caller should return nil); rotate=true means
// the caller should retry on a different account.
func (h *StreamingHandler) streamOnAccount(
	ctx context.Context,
	anthropicRequest *anthropic.MessagesRequest,
	selectedAccount *redis.Account,
	token, projectID string,
	payload *CloudCodePayload,
	model string,
	events chan<- *SSEEvent,
	usedGraceRetry *bool,
) (bool, bool, error) {
	var lastError error

	for endpointIndex := 0; endpointIndex < len(config.AntigravityEndpointFallbacks); endpointIndex++ {
		endpoint := config.AntigravityEndpointFallbacks[endpointIndex]
		url := endpoint + "/v1internal:streamGenerateContent?alt=sse"

		payloadBytes, err := json.Marshal(payload)
		if err != nil {
			return false, false, err
		}
		headers := BuildHeaders(token, model, "text/event-stream")

		innerTries := 0
	retryEndpoint:
		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payloadBytes))
		if err != nil {
			return false, false, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := h.httpClient.Do(req)
		if err != nil {
			if utils.IsNetworkError(err) {
				utils.Warn("[CloudCode] Network error at %s: %v", endpoint, err)
				lastError = err
				continue
			}
			return false, false, err
		}

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			errorText := string(bodyBytes)
			utils.Warn("[CloudCode] Stream error at %s: %d - %.200s", endpoint, resp.StatusCode, errorText)

			switch resp.StatusCode {
			case 503, 529:
				if innerTries < config.Inner503MaxTries {
					tier := innerTries
					if tier > 3 {
						tier = 3
					}
					waitMs := config.Inner503BaseDelayMs * (1 << uint(tier))
					innerTries++
					utils.Info("[CloudCode] %d from %s, inner retry %d/%d after %dms...",
						resp.StatusCode, endpoint, innerTries, config.Inner503MaxTries, waitMs)
					utils.SleepMs(int64(waitMs))
					goto retryEndpoint
				}
				return false, true, rotateOnRateLimit(ctx, h.accountManager, selectedAccount, model, resp.Header, errorText, false)

			case 401:
				if IsPermanentAuthFailure(errorText) {
					utils.Error("[CloudCode] Permanent auth failure for %s: %.100s",
						selectedAccount.Email, errorText)
					_ = h.accountManager.MarkInvalid(ctx, selectedAccount.Email, "Token revoked - re-authentication required")
					return false, false, fmt.Errorf("AUTH_INVALID_PERMANENT: %s", errorText)
				}
				h.accountManager.LockoutAccount(selectedAccount.Email, config.GenericLockout, "AuthError: generic 401")
				return false, true, fmt.Errorf("auth error on %s: %s", selectedAccount.Email, errorText)

			case 403:
				if IsVerificationRequired403(errorText) {
					h.accountManager.LockoutAccount(selectedAccount.Email, config.VerificationLockout, "ServerError: verification required")
					verifyEmail := selectedAccount.Email
					go func() {
						if ferr := h.accountManager.FlagForVerification(context.Background(), verifyEmail); ferr != nil {
							utils.Warn("[CloudCode] Failed to flag %s for verification: %v", verifyEmail, ferr)
						}
					}()
					return false, true, fmt.Errorf("verification required for %s: %s", selectedAccount.Email, errorText)
				}
				h.accountManager.LockoutAccount(selectedAccount.Email, config.GenericLockout, "AuthError: generic 403")
				return false, true, fmt.Errorf("permission error on %s: %s", selectedAccount.Email, errorText)

			case 429:
				reason := ParseRateLimitReason(errorText, 429)
				if reason == RateLimitReasonRateLimitExceeded && !*usedGraceRetry {
					*usedGraceRetry = true
					utils.Info("[CloudCode] Grace retry on %s after 1s (RateLimitExceeded)...", selectedAccount.Email)
					utils.SleepMs(config.GraceRetryDelayMs)
					goto retryEndpoint
				}
				return false, true, rotateOnRateLimit(ctx, h.accountManager, selectedAccount, model, resp.Header, errorText, true)

			case 500:
				return false, true, rotateOnRateLimit(ctx, h.accountManager, selectedAccount, model, resp.Header, errorText, false)

			default:
				if resp.StatusCode >= 400 && resp.StatusCode < 500 {
					return false, false, fmt.Errorf("invalid_request_error: %s", errorText)
				}
				lastError = fmt.Errorf("API error %d: %s", resp.StatusCode, errorText)
				continue
			}
		}

		// Success - stream the response with retry logic for empty responses
		emptyRetries := 0
		currentResp := resp

		for emptyRetries <= config.MaxEmptyResponseRetries {
			peeked, peekErr := PeekSSEStream(currentResp.Body)
			if peekErr != nil {
				currentResp.Body.Close()
				utils.Warn("[CloudCode] SSE peek phase failed: %v", peekErr)

				if emptyRetries >= config.MaxEmptyResponseRetries {
					utils.Error("[CloudCode] Empty response after %d retries", config.MaxEmptyResponseRetries)
					emitEmptyResponseFallback(events, anthropicRequest.Model)
					return true, false, nil
				}

				backoffMs := 500 * (1 << emptyRetries)
				utils.Warn("[CloudCode] Retrying stream %d/%d after %dms...",
					emptyRetries+1, config.MaxEmptyResponseRetries, backoffMs)
				utils.SleepMs(int64(backoffMs))

				newReq, _ := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payloadBytes))
				for k, v := range headers {
					newReq.Header.Set(k, v)
				}
				currentResp, err = h.httpClient.Do(newReq)
				if err != nil || currentResp.StatusCode != http.StatusOK {
					if currentResp != nil {
						currentResp.Body.Close()
					}
					return false, false, fmt.Errorf("retry failed: %v", err)
				}
				emptyRetries++
				continue
			}

			sseEvents, sseErrs := StreamSSEResponse(peeked, anthropicRequest.Model)

			// Forward all events
			hadError := false
			for event := range sseEvents {
				events <- event
			}

			// Check for errors
			select {
			case err := <-sseErrs:
				if err != nil {
					if IsEmptyResponseError(err) {
						currentResp.Body.Close()

						if emptyRetries >= config.MaxEmptyResponseRetries {
							utils.Error("[CloudCode] Empty response after %d retries", config.MaxEmptyResponseRetries)
							// Emit empty response fallback
							emitEmptyResponseFallback(events, anthropicRequest.Model)
							return true, false, nil
						}

						// Exponential backoff
						backoffMs := 500 * (1 << emptyRetries)
						utils.Warn("[CloudCode] Empty response, retry %d/%d after %dms...",
							emptyRetries+1, config.MaxEmptyResponseRetries, backoffMs)
						utils.SleepMs(int64(backoffMs))

						// Refetch
						newReq, _ := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payloadBytes))
						for k, v := range headers {
							newReq.Header.Set(k, v)
						}
						currentResp, err = h.httpClient.Do(newReq)
						if err != nil || currentResp.StatusCode != http.StatusOK {
							if currentResp != nil {
								currentResp.Body.Close()
							}
							return false, false, fmt.Errorf("retry failed: %v", err)
						}
						emptyRetries++
						continue
					}
					hadError = true
					lastError = err
				}
			default:
			}

			if !hadError {
				// Success
				currentResp.Body.Close()
				utils.Debug("[CloudCode] Stream completed")
				ClearRateLimitState(selectedAccount.Email, model)
				h.accountManager.NotifySuccess(selectedAccount, model)
				return true, false, nil
			}
			h.accountManager.NotifyFailure(selectedAccount, model)
			if lastError == nil {
				lastError = fmt.Errorf("stream failed for %s", selectedAccount.Email)
			}
			return false, true, lastError
		}
	}

	if lastError == nil {
		lastError = fmt.Errorf("all endpoints failed for %s", selectedAccount.Email)
	}
	return false, true, lastError
}

// getTokenForAccount gets an access token for the account
func (h *StreamingHandler) getTokenForAccount(ctx context.Context, acc *redis.Account) (string, error) {
	return h.accountManager.GetTokenForAccount(ctx, acc)
}

// emitEmptyResponseFallback emits a fallback message when all retry attempts fail
func emitEmptyResponseFallback(events chan<- *SSEEvent, model string) {
	messageID := "msg_" + generateHexID(16)

	events <- &SSEEvent{
		Type: "message_start",
		Message: &anthropic.MessagesResponse{
			ID:           messageID,
			Type:         "message",
			Role:         "assistant",
			Content:      []anthropic.ContentBlock{},
			Model:        model,
			StopReason:   "",
			StopSequence: nil,
			Usage:        &anthropic.Usage{InputTokens: 0, OutputTokens: 0},
		},
	}

	events <- &SSEEvent{
		Type:  "content_block_start",
		Index: 0,
		ContentBlock: &anthropic.ContentBlock{
			Type: "text",
			Text: "",
		},
	}

	events <- &SSEEvent{
		Type:  "content_block_delta",
		Index: 0,
		Delta: map[string]interface{}{
			"type": "text_delta",
			"text": "[No response after retries - please try again]",
		},
	}

	events <- &SSEEvent{Type: "content_block_stop", Index: 0}

	events <- &SSEEvent{
		Type: "message_delta",
		Delta: map[string]interface{}{
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
		},
		Usage: &anthropic.Usage{OutputTokens: 0},
	}

	events <- &SSEEvent{Type: "message_stop"}
}
