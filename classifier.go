package taskpipe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"

	"github.com/deepnoodle-ai/taskpipe/retry"
)

// Decision is the handling decision for a failed message.
type Decision string

const (
	// DecisionRetry leaves the message pending so it is redelivered.
	DecisionRetry Decision = "RETRY"

	// DecisionSkip acknowledges and drops the message.
	DecisionSkip Decision = "SKIP"

	// DecisionAbort stops the worker so a supervisor can restart it.
	DecisionAbort Decision = "ABORT"
)

// Rule maps a class of errors to a decision.
type Rule struct {
	Name     string
	Match    func(err error) bool
	Decision Decision
}

// DefaultRules is the classification table used by NewClassifier when no
// rules are given. Rules are evaluated in order and the first match wins.
var DefaultRules = []Rule{
	{Name: "circuit_breaker", Match: isCircuitBreaker, Decision: DecisionSkip},
	{Name: "infrastructure", Match: isInfrastructure, Decision: DecisionAbort},
	{Name: "malformed", Match: isMalformed, Decision: DecisionSkip},
	{Name: "canceled", Match: isCanceled, Decision: DecisionRetry},
	{Name: "transient", Match: isTransient, Decision: DecisionRetry},
}

// ClassifierOptions configures a Classifier
type ClassifierOptions struct {
	Rules    []Rule
	Fallback Decision
	Logger   *slog.Logger
}

// Classifier maps errors raised while handling a message to a Decision.
type Classifier struct {
	rules    []Rule
	fallback Decision
	logger   *slog.Logger
}

// NewClassifier returns a classifier using the given options. Missing options
// default to DefaultRules, a SKIP fallback and a discarding logger.
func NewClassifier(opts ClassifierOptions) *Classifier {
	if opts.Rules == nil {
		opts.Rules = DefaultRules
	}
	if opts.Fallback == "" {
		opts.Fallback = DecisionSkip
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Classifier{
		rules:    opts.Rules,
		fallback: opts.Fallback,
		logger:   opts.Logger,
	}
}

// Classify returns exactly one decision for err. It never panics; a rule
// whose matcher panics is treated as not matching.
func (c *Classifier) Classify(err error, component, taskID string) Decision {
	if err == nil {
		c.logger.Warn("classifying nil error",
			"component", component,
			"task_id", taskID,
			"decision", c.fallback)
		return c.fallback
	}
	for _, rule := range c.rules {
		if !safeMatch(rule, err) {
			continue
		}
		level := slog.LevelWarn
		if rule.Decision == DecisionAbort {
			level = slog.LevelError
		}
		c.logger.Log(context.Background(), level, "classified error",
			"component", component,
			"task_id", taskID,
			"rule", rule.Name,
			"decision", rule.Decision,
			"error", err)
		return rule.Decision
	}
	c.logger.Error("unclassified error",
		"component", component,
		"task_id", taskID,
		"decision", c.fallback,
		"error", err,
		"error_chain", errorChain(err))
	return c.fallback
}

func safeMatch(rule Rule, err error) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
		}
	}()
	return rule.Match != nil && rule.Match(err)
}

func isCircuitBreaker(err error) bool {
	return ErrorType(err) == ErrorTypeCircuitBreaker
}

func isInfrastructure(err error) bool {
	return ErrorType(err) == ErrorTypeInfrastructure
}

func isMalformed(err error) bool {
	if ErrorType(err) == ErrorTypeMalformed {
		return true
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var numErr *strconv.NumError
	return errors.As(err, &syntaxErr) ||
		errors.As(err, &typeErr) ||
		errors.As(err, &numErr)
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

func isTransient(err error) bool {
	return ErrorType(err) == ErrorTypeTransient || retry.IsRecoverable(err)
}

func errorChain(err error) []string {
	var chain []string
	for err != nil && len(chain) < 16 {
		chain = append(chain, err.Error())
		err = errors.Unwrap(err)
	}
	return chain
}
