package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/emperorhan/vault-harvester/internal/domain/model"
)

type categoryRule struct {
	category model.FailureCategory
	tokens   []string
}

// Order matters: "replacement transaction underpriced" must not be read as a
// generic server error by a provider that wraps it.
var taxonomy = []categoryRule{
	{model.FailureInsufficientFunds, []string{"insufficient funds", "insufficient_funds"}},
	{model.FailureReplacementUnderpriced, []string{
		"replacement transaction underpriced", "replacement_underpriced", "replacement fee too low",
	}},
	{model.FailureGasLimitReached, []string{
		"gas limit reached", "exceeds block gas limit", "gas required exceeds allowance", "intrinsic gas too low",
	}},
	{model.FailureCallException, []string{"call_exception", "call exception", "execution reverted"}},
	{model.FailureServerError, []string{"server_error", "server error"}},
}

// Categorize matches a transaction error against the known-terminal table.
// Unmatched errors return model.FailureUnknown.
func Categorize(err error) model.FailureCategory {
	if err == nil {
		return ""
	}
	var failed *Error
	if errors.As(err, &failed) {
		return failed.Category
	}
	lower := strings.ToLower(err.Error())
	for _, rule := range taxonomy {
		if containsAny(lower, rule.tokens) {
			return rule.category
		}
	}
	return model.FailureUnknown
}

// Error is the final failure of a retried transaction.
type Error struct {
	Category model.FailureCategory
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", e.Category, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Do runs fn up to attempts times. A categorized failure or one marked with
// Terminal stops immediately; unknown failures are retried until the budget
// is spent.
func Do(ctx context.Context, attempts int, fn func(ctx context.Context, attempt int) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return &Error{Category: Categorize(lastErr), Attempts: attempt - 1, Err: lastErr}
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if category := Categorize(err); category.Known() || markedTerminal(err) {
			return &Error{Category: category, Attempts: attempt, Err: err}
		}
	}
	return &Error{Category: model.FailureUnknown, Attempts: attempts, Err: lastErr}
}
