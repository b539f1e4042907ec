package dify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"NewsScanner/internal/domain"
	"NewsScanner/internal/retry"
)

var fallbackTypes = []string{"custom", "json", "document"}

// ExhaustedError is returned once every attempt has failed.
type ExhaustedError = retry.ExhaustedError

// retryState tracks the attempt counter and the document type cursor.
type retryState struct {
	attempt  int
	variants []string
	cursor   int
}

func newRetryState(detected string) *retryState {
	seen := map[string]bool{}
	var variants []string
	for _, v := range append([]string{detected}, fallbackTypes...) {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		variants = append(variants, v)
	}
	return &retryState{attempt: 1, variants: variants}
}

func (s *retryState) docType() string {
	return s.variants[s.cursor]
}

// nextVariant advances the cursor; false when every variant was rejected.
func (s *retryState) nextVariant() bool {
	if s.cursor+1 >= len(s.variants) {
		return false
	}
	s.cursor++
	return true
}

func (c *Client) runWithRetry(ctx context.Context, profile string, doc domain.UploadedDocument) (domain.ScorerResponse, error) {
	state := newRetryState(doc.Type)
	policy := retry.Policy{Attempts: c.cfg.RetryTimes, Delay: c.cfg.RetryDelay, Sleep: c.sleep}

	var resp domain.ScorerResponse
	notify := func(attempt int, err error, _ time.Duration) {
		c.logger.Warn("dify attempt failed", "attempt", attempt, "of", c.cfg.RetryTimes, "error", err)
	}
	err := retry.Do(ctx, "dify", policy, notify, func(attempt int) error {
		state.attempt = attempt
		r, err := c.attempt(ctx, profile, doc, state)
		if err != nil {
			if isTerminal(err) {
				return retry.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		var exhausted *ExhaustedError
		if errors.As(err, &exhausted) {
			c.logger.Error("dify retries exhausted", "attempts", exhausted.Attempts, "error", exhausted.Last)
		} else {
			c.logger.Error("dify workflow failed", "attempt", state.attempt, "error", err)
		}
		return domain.ScorerResponse{}, err
	}

	c.logger.Info("dify workflow succeeded", "attempt", state.attempt, "run_id", resp.RunID)
	return resp, nil
}

// attempt performs one retry-budget unit; document type rejections re-send immediately.
func (c *Client) attempt(ctx context.Context, profile string, doc domain.UploadedDocument, state *retryState) (domain.ScorerResponse, error) {
	for {
		docType := state.docType()
		c.logger.Debug("calling dify workflow", "attempt", state.attempt, "type", docType)

		code, raw, err := c.post(ctx, profile, doc, docType)
		if err != nil {
			return domain.ScorerResponse{}, err
		}

		switch {
		case code == http.StatusOK:
			return decodeOutputs(raw)
		case code == http.StatusUnauthorized:
			return domain.ScorerResponse{}, ErrAuthentication
		case code == http.StatusNotFound:
			return domain.ScorerResponse{}, ErrWorkflowNotFound
		case code == http.StatusBadRequest && strings.Contains(strings.ToLower(string(raw)), "type"):
			if !state.nextVariant() {
				return domain.ScorerResponse{}, fmt.Errorf("%w: tried %s", ErrDocumentTypeRejected, strings.Join(state.variants, ", "))
			}
			c.logger.Info("document type rejected, switching", "rejected", docType, "next", state.docType())
		default:
			return domain.ScorerResponse{}, &StatusError{Code: code, Body: truncate(string(raw))}
		}
	}
}

func isTerminal(err error) bool {
	return errors.Is(err, ErrAuthentication) ||
		errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrDocumentTypeRejected)
}
