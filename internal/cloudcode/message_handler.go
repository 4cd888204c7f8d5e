// Package cloudcode provides Cloud Code API client implementation.
// This file corresponds to src/cloudcode/message-handler.js in the Node.js version.
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
	"github.com/antigravity-proxy/antigravity-proxy-go/internal/format"
	"github.com/antigravity-proxy/antigravity-proxy-go/internal/utils"
	"github.com/antigravity-proxy/antigravity-proxy-go/pkg/anthropic"
	"github.com/antigravity-proxy/antigravity-proxy-go/pkg/redis"
)

// MessageHandler handles non-streaming message requests
type MessageHandler struct {
	accountManager *account.Manager
	httpClient     *http.Client
	cfg            *config.Config
}

// NewMessageHandler creates a new MessageHandler
func NewMessageHandler(accountManager *account.Manager, cfg *config.Config) *MessageHandler {
	return &MessageHandler{
		accountManager: accountManager,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute, // Long timeout for AI responses
		},
		cfg: cfg,
	}
}

// SendMessage sends a non-streaming request to Cloud Code with multi-account
// failover. Implements the request handler loop's retry shape: attempts are
// bounded by min(MaxRetryAttempts, pool size), each attempt selects a fresh
// account excluding everything already tried this request, a 503 gets up to
// Inner503MaxTries same-account retries before rotating, and a single 429
// with a RateLimitExceeded reason earns one grace retry on the same account.
// Uses the SSE endpoint for thinking models since non-streaming responses
// never carry thinking blocks.
func (h *MessageHandler) SendMessage(ctx context.Context, anthropicRequest *anthropic.MessagesRequest, fallbackEnabled bool) (*anthropic.MessagesResponse, error) {
	model := anthropicRequest.Model
	isThinking := config.IsThinkingModel(model)

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

		token, err := h.accountManager.GetTokenForAccount(ctx, selectedAccount)
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
			return nil, err
		}

		utils.Debug("[CloudCode] Sending request for model: %s (attempt %d/%d, account %s)",
			model, attempt+1, maxAttempts, utils.MaskEmail(selectedAccount.Email))

		response, rotate, nonRetryable, err := h.attemptOnAccount(
			ctx, anthropicRequest, selectedAccount, token, projectID, payload, isThinking, model, &usedGraceRetry)
		if err != nil {
			if nonRetryable {
				return nil, err
			}
			lastError = err
			if rotate {
				attempted = append(attempted, selectedAccount.Email)
			}
			continue
		}

		return response, nil
	}

	// All retries exhausted - try fallback model if enabled
	if fallbackEnabled {
		fallbackModel, ok := config.GetFallbackModel(model)
		if ok {
			utils.Warn("[CloudCode] All retries exhausted for %s. Attempting fallback to %s",
				model, fallbackModel)
			fallbackRequest := *anthropicRequest
			fallbackRequest.Model = fallbackModel
			return h.SendMessage(ctx, &fallbackRequest, false)
		}
	}

	if lastError == nil {
		lastError = fmt.Errorf("max retries exceeded")
	}
	return nil, fmt.Errorf("429 Too Many Requests: %w", lastError)
}

// attemptOnAccount issues the request against every configured endpoint for
// one selected account, applying the inner 503 retry and the single grace
// retry before giving up on this account. Returns rotate=true when the
// caller should pick a different account for the next attempt, and
// nonRetryable=true when err should be surfaced to the client as-is.
func (h *MessageHandler) attemptOnAccount(
	ctx context.Context,
	anthropicRequest *anthropic.MessagesRequest,
	selectedAccount *redis.Account,
	token, projectID string,
	payload *CloudCodePayload,
	isThinking bool,
	model string,
	usedGraceRetry *bool,
) (*anthropic.MessagesResponse, bool, bool, error) {
	var lastErr error

	for endpointIndex := 0; endpointIndex < len(config.AntigravityEndpointFallbacks); endpointIndex++ {
		endpoint := config.AntigravityEndpointFallbacks[endpointIndex]

		var url string
		if isThinking {
			url = endpoint + "/v1internal:streamGenerateContent?alt=sse"
		} else {
			url = endpoint + "/v1internal:generateContent"
		}

		var accept string
		if isThinking {
			accept = "text/event-stream"
		} else {
			accept = "application/json"
		}

		payloadBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, false, true, err
		}
		headers := BuildHeaders(token, model, accept)

		innerTries := 0
		for {
			req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payloadBytes))
			if err != nil {
				return nil, false, true, err
			}
			for k, v := range headers {
				req.Header.Set(k, v)
			}

			resp, err := h.httpClient.Do(req)
			if err != nil {
				if utils.IsNetworkError(err) {
					utils.Warn("[CloudCode] Network error at %s: %v", endpoint, err)
					lastErr = err
					break // try next endpoint
				}
				return nil, false, true, err
			}

			if resp.StatusCode == http.StatusOK {
				defer resp.Body.Close()
				response, err := h.handleSuccess(resp, anthropicRequest, selectedAccount, model, isThinking)
				if err != nil {
					return nil, false, true, err
				}
				return response, false, false, nil
			}

			bodyBytes, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			errorText := string(bodyBytes)
			utils.Warn("[CloudCode] Error at %s: %d - %.200s", endpoint, resp.StatusCode, errorText)

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
					continue // retry same endpoint, same account
				}
				lastErr = rotateOnRateLimit(ctx, h.accountManager, selectedAccount, model, resp.Header, errorText, false)
				return nil, true, false, lastErr

			case 401:
				if IsPermanentAuthFailure(errorText) {
					utils.Error("[CloudCode] Permanent auth failure for %s: %.100s",
						selectedAccount.Email, errorText)
					_ = h.accountManager.MarkInvalid(ctx, selectedAccount.Email, "Token revoked - re-authentication required")
					return nil, false, true, fmt.Errorf("AUTH_INVALID_PERMANENT: %s", errorText)
				}
				h.accountManager.LockoutAccount(selectedAccount.Email, config.GenericLockout, "AuthError: generic 401")
				return nil, true, false, fmt.Errorf("auth error on %s: %s", selectedAccount.Email, errorText)

			case 403:
				if IsVerificationRequired403(errorText) {
					h.accountManager.LockoutAccount(selectedAccount.Email, config.VerificationLockout, "ServerError: verification required")
					verifyEmail := selectedAccount.Email
					go func() {
						if ferr := h.accountManager.FlagForVerification(context.Background(), verifyEmail); ferr != nil {
							utils.Warn("[CloudCode] Failed to flag %s for verification: %v", verifyEmail, ferr)
						}
					}()
					return nil, true, false, fmt.Errorf("verification required for %s: %s", selectedAccount.Email, errorText)
				}
				h.accountManager.LockoutAccount(selectedAccount.Email, config.GenericLockout, "AuthError: generic 403")
				return nil, true, false, fmt.Errorf("permission error on %s: %s", selectedAccount.Email, errorText)

			case 429:
				reason := ParseRateLimitReason(errorText, 429)
				if reason == RateLimitReasonRateLimitExceeded && !*usedGraceRetry {
					*usedGraceRetry = true
					utils.Info("[CloudCode] Grace retry on %s after 1s (RateLimitExceeded)...", selectedAccount.Email)
					utils.SleepMs(config.GraceRetryDelayMs)
					continue // single extra attempt, same account
				}
				lastErr = rotateOnRateLimit(ctx, h.accountManager, selectedAccount, model, resp.Header, errorText, true)
				return nil, true, false, lastErr

			case 500:
				lastErr = rotateOnRateLimit(ctx, h.accountManager, selectedAccount, model, resp.Header, errorText, false)
				return nil, true, false, lastErr

			default:
				if resp.StatusCode >= 400 && resp.StatusCode < 500 {
					// Non-429 4xx: non-retryable, surface to client as-is.
					return nil, false, true, fmt.Errorf("invalid_request_error: %s", errorText)
				}
				lastErr = fmt.Errorf("API error %d: %s", resp.StatusCode, errorText)
				break
			}

			break // fell through from a case that didn't continue: try next endpoint
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("all endpoints failed for %s", selectedAccount.Email)
	}
	return nil, true, false, lastErr
}

// rotateOnRateLimit implements the shared {429, 500, 503, 529} handling:
// mark_rate_limited_async, the matching AIMD signal, extracting retry.delay
// from the body (clamped), sleeping if present, then rotating to the next
// account. Shared by MessageHandler and StreamingHandler.
func rotateOnRateLimit(ctx context.Context, accountManager *account.Manager, acc *redis.Account, model string, headers http.Header, errorText string, is429 bool) error {
	resetMs := ParseResetTime(headers, errorText)
	delayMs := resetMs
	if delayMs < 0 {
		delayMs = 0
	}
	delayMs = utils.Clamp(delayMs, 0, config.RetryDelayClampMs)

	_ = accountManager.MarkRateLimited(ctx, acc.Email, delayMs, model)
	if is429 {
		accountManager.NotifyRateLimit(acc, model)
	} else {
		accountManager.NotifyFailure(acc, model)
	}

	if delayMs > 0 {
		utils.Info("[CloudCode] Rotating off %s after %s delay...", acc.Email, utils.FormatDuration(delayMs))
		utils.SleepMs(delayMs)
	}

	return fmt.Errorf("RATE_LIMITED: %s", errorText)
}

// handleSuccess parses a 200 response (SSE for thinking models, plain JSON
// otherwise), clears rate-limit state, and notifies the strategy/resilience
// layer of the success.
func (h *MessageHandler) handleSuccess(resp *http.Response, anthropicRequest *anthropic.MessagesRequest, acc *redis.Account, model string, isThinking bool) (*anthropic.MessagesResponse, error) {
	if isThinking {
		result, err := ParseThinkingSSEResponse(resp.Body, anthropicRequest.Model)
		if err != nil {
			return nil, err
		}
		ClearRateLimitState(acc.Email, model)
		h.accountManager.NotifySuccess(acc, model)
		return result, nil
	}

	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	utils.Debug("[CloudCode] Response received")
	ClearRateLimitState(acc.Email, model)
	h.accountManager.NotifySuccess(acc, model)
	googleResp := format.GoogleResponseFromMap(data)
	return format.ConvertGoogleToAnthropic(googleResp, anthropicRequest.Model), nil
}

