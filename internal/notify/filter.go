package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrDropped is returned by a sender that deliberately skipped a payload.
var ErrDropped = errors.New("notification dropped")

// Predicate evaluates whether payload args satisfy a condition.
type Predicate func(args map[string]any) (bool, error)

// Args exposes the payload fields predicates can reference.
func (p Payload) Args() map[string]any {
	args := map[string]any{
		"kind":   string(p.Kind),
		"source": p.Source,
		"block":  p.Block,
		"tx":     p.TxHash,
	}
	for k, v := range map[string]string{
		"game_id":   p.GameID,
		"player":    p.Player,
		"winner":    p.Winner,
		"owner":     p.Owner,
		"entry_fee": p.EntryFee,
		"fault":     p.Fault,
	} {
		if v != "" {
			args[k] = v
		}
	}
	if p.MaxPlayers > 0 {
		args["max_players"] = int64(p.MaxPlayers)
	}
	return args
}

// CompilePredicates parses simple expressions into executable predicates.
// Supported operators: ==, !=, >, <, >=, <=, in, contains.
// Examples:
//
//	"entry_fee >= ether(0.1)"
//	"game_id in 1,2,3"
//	"fault contains full"
func CompilePredicates(exprs []string) ([]Predicate, error) {
	var preds []Predicate
	for _, raw := range exprs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := compile(raw)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func compile(expr string) (Predicate, error) {
	if strings.Contains(expr, " contains ") {
		parts := strings.SplitN(expr, " contains ", 2)
		field := strings.TrimSpace(parts[0])
		needle := strings.TrimSpace(parts[1])
		if field == "" || needle == "" {
			return nil, fmt.Errorf("invalid contains expression: %s", expr)
		}
		return func(args map[string]any) (bool, error) {
			val, ok := args[field]
			if !ok {
				return false, nil
			}
			return strings.Contains(fmt.Sprint(val), needle), nil
		}, nil
	}

	if strings.Contains(expr, " in ") {
		parts := strings.SplitN(expr, " in ", 2)
		field := strings.TrimSpace(parts[0])
		values := map[string]struct{}{}
		for _, v := range strings.Split(parts[1], ",") {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			values[strings.ToLower(v)] = struct{}{}
		}
		if field == "" || len(values) == 0 {
			return nil, fmt.Errorf("invalid in expression: %s", expr)
		}
		return func(args map[string]any) (bool, error) {
			arg, ok := args[field]
			if !ok {
				return false, nil
			}
			_, hit := values[strings.ToLower(fmt.Sprint(arg))]
			return hit, nil
		}, nil
	}

	var op string
	switch {
	case strings.Contains(expr, "=="):
		op = "=="
	case strings.Contains(expr, "!="):
		op = "!="
	case strings.Contains(expr, ">="):
		op = ">="
	case strings.Contains(expr, "<="):
		op = "<="
	case strings.Contains(expr, ">"):
		op = ">"
	case strings.Contains(expr, "<"):
		op = "<"
	default:
		return nil, fmt.Errorf("unsupported expression: %s", expr)
	}

	parts := strings.SplitN(expr, op, 2)
	field := strings.TrimSpace(parts[0])
	rhsRaw := strings.TrimSpace(parts[1])
	if field == "" || rhsRaw == "" {
		return nil, fmt.Errorf("invalid expression: %s", expr)
	}

	numRHS, rhsIsNum := evaluateNumber(rhsRaw)

	return func(args map[string]any) (bool, error) {
		val, ok := args[field]
		if !ok {
			return false, nil
		}

		if rhsIsNum {
			lhs, ok := toNumber(val)
			if !ok {
				return false, nil
			}
			switch op {
			case "==":
				return lhs == numRHS, nil
			case "!=":
				return lhs != numRHS, nil
			case ">":
				return lhs > numRHS, nil
			case "<":
				return lhs < numRHS, nil
			case ">=":
				return lhs >= numRHS, nil
			case "<=":
				return lhs <= numRHS, nil
			}
		}

		// addresses compare case-insensitively
		lhs := fmt.Sprint(val)
		switch op {
		case "==":
			return strings.EqualFold(lhs, rhsRaw), nil
		case "!=":
			return !strings.EqualFold(lhs, rhsRaw), nil
		default:
			return false, nil
		}
	}, nil
}

// evaluateNumber evaluates a numeric expression, supporting:
// - Simple numbers: "100", "1e6", "1_000_000"
// - Unit helpers: "wei(1e18)", "gwei(5)", "ether(0.1)"
// - Multiplication: "3 * 1e15"
func evaluateNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "_", "")

	if strings.Contains(s, "*") {
		parts := strings.Split(s, "*")
		if len(parts) != 2 {
			return 0, false
		}
		a, ok1 := evaluateNumber(parts[0])
		b, ok2 := evaluateNumber(parts[1])
		if !ok1 || !ok2 {
			return 0, false
		}
		return a * b, true
	}

	for _, unit := range []struct {
		name  string
		scale float64
	}{
		{"wei", 1},
		{"gwei", 1e9},
		{"ether", 1e18},
	} {
		prefix := unit.name + "("
		if strings.HasPrefix(s, prefix) && strings.HasSuffix(s, ")") {
			v, ok := evaluateNumber(s[len(prefix) : len(s)-1])
			if !ok {
				return 0, false
			}
			return v * unit.scale, true
		}
	}

	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case string:
		return evaluateNumber(n)
	default:
		return 0, false
	}
}

// where forwards payloads that satisfy every predicate.
type where struct {
	next  Sender
	preds []Predicate
}

func (w where) Send(ctx context.Context, payload Payload) error {
	args := payload.Args()
	for _, p := range w.preds {
		ok, err := p(args)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	return w.next.Send(ctx, payload)
}

// TokenBucket is a simple per-sink rate limiter.
type TokenBucket struct {
	capacity float64
	rate     float64 // tokens per second

	tokens     float64
	lastUpdate time.Time
}

// NewTokenBucket creates a token bucket with capacity and refill rate.
func NewTokenBucket(capacity, rate float64) *TokenBucket {
	return &TokenBucket{
		capacity: capacity,
		rate:     rate,
		tokens:   capacity,
	}
}

// Allow consumes one token if available, refilling based on elapsed time.
func (b *TokenBucket) Allow(now time.Time) bool {
	if b.lastUpdate.IsZero() {
		b.lastUpdate = now
	}
	elapsed := now.Sub(b.lastUpdate).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.rate)
		b.lastUpdate = now
	}
	if b.tokens >= 1 {
		b.tokens -= 1
		return true
	}
	return false
}

// limited drops payloads once the bucket is empty.
type limited struct {
	next Sender
	now  func() time.Time

	mu     sync.Mutex
	bucket *TokenBucket
}

func (l *limited) Send(ctx context.Context, payload Payload) error {
	l.mu.Lock()
	ok := l.bucket.Allow(l.now())
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: rate limited: %w", payload.Kind, ErrDropped)
	}
	return l.next.Send(ctx, payload)
}
