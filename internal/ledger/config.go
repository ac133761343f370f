package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/tomasbasham/eoa/internal/errs"
)

// Tunable keys.
const (
	KeyOffersPerDP     = "offers_per_dp"
	KeyWeeklyDPTargets = "weekly_dp_targets"
	KeyRiskThreshold   = "risk_threshold"
	KeyChunkSize       = "chunk_size"
)

// Config is a flat map of tunables. Values are int64, float64, string or
// bool.
type Config map[string]any

// DefaultConfig returns the tunables used when none have been stored.
func DefaultConfig() Config {
	return Config{
		KeyChunkSize:       int64(150),
		KeyOffersPerDP:     int64(3),
		KeyWeeklyDPTargets: int64(2),
		KeyRiskThreshold:   0.25,
	}
}

// Int returns key as an int, or fallback when it is missing or not numeric.
func (c Config) Int(key string, fallback int) int {
	switch v := c[key].(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

// Float returns key as a float64, or fallback when it is missing or not
// numeric.
func (c Config) Float(key string, fallback float64) float64 {
	switch v := c[key].(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return fallback
}

// Merge returns a copy of c with every key of other applied on top.
func (c Config) Merge(other Config) Config {
	out := make(Config, len(c)+len(other))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Keys returns the keys of c in sorted order.
func (c Config) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type bounds struct {
	min, max float64
	integer  bool
}

var tunableBounds = map[string]bounds{
	KeyOffersPerDP:     {min: 1, max: 6, integer: true},
	KeyWeeklyDPTargets: {min: 1, max: 4, integer: true},
	KeyRiskThreshold:   {min: 0.1, max: 1.0},
	KeyChunkSize:       {min: 50, max: 300, integer: true},
}

// Normalize coerces v to one of the stored scalar types and range checks the
// known tunables. Unknown keys accept any scalar.
func Normalize(key string, v any) (any, error) {
	var out any
	switch x := v.(type) {
	case int:
		out = int64(x)
	case int32:
		out = int64(x)
	case int64:
		out = x
	case float32:
		out = float64(x)
	case float64:
		out = x
	case json.Number:
		if i, err := x.Int64(); err == nil {
			out = i
		} else if f, err := x.Float64(); err == nil {
			out = f
		} else {
			return nil, errs.New(errs.ErrInvalid, "ledger: config %q: %q is not a number", key, x)
		}
	case string, bool:
		out = x
	default:
		return nil, errs.New(errs.ErrInvalid, "ledger: config %q: unsupported value type %T", key, v)
	}

	b, ok := tunableBounds[key]
	if !ok {
		return out, nil
	}
	var f float64
	switch x := out.(type) {
	case int64:
		f = float64(x)
	case float64:
		f = x
	default:
		return nil, errs.New(errs.ErrInvalid, "ledger: config %q must be numeric, got %T", key, out)
	}
	if math.IsNaN(f) || f < b.min || f > b.max {
		return nil, errs.New(errs.ErrInvalid, "ledger: config %q = %v is outside %v..%v", key, f, b.min, b.max)
	}
	if b.integer {
		if f != math.Trunc(f) {
			return nil, errs.New(errs.ErrInvalid, "ledger: config %q must be a whole number, got %v", key, f)
		}
		return int64(f), nil
	}
	return f, nil
}

func encodeValue(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("ledger: encode config value: %w", err)
	}
	return string(b), nil
}

func decodeValue(s string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("ledger: decode config value %q: %w", s, err)
	}
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("ledger: decode config value %q: %w", s, err)
		}
		return f, nil
	case string, bool:
		return x, nil
	}
	return nil, fmt.Errorf("ledger: config value %q is not a scalar", s)
}

// GetConfig returns every stored tunable. Values that cannot be decoded are
// logged and left out.
func (l *Ledger) GetConfig(ctx context.Context) (Config, error) {
	raw, err := l.table.ListConfig(ctx)
	if err != nil {
		return nil, err
	}
	cfg := make(Config, len(raw))
	for k, s := range raw {
		v, err := decodeValue(s)
		if err != nil {
			l.logger.WarnContext(ctx, "skipping undecodable config value", "key", k, "error", err)
			continue
		}
		cfg[k] = v
	}
	return cfg, nil
}

// GetConfigValue returns the decoded value stored under key. It fails with
// errs.ErrNotFound when key has never been set.
func (l *Ledger) GetConfigValue(ctx context.Context, key string) (any, error) {
	s, err := l.table.GetConfig(ctx, key)
	if err != nil {
		return nil, err
	}
	return decodeValue(s)
}

// SetConfig upserts every key of values independently. A key that fails
// validation or persistence is reported in Failed without blocking others.
func (l *Ledger) SetConfig(ctx context.Context, values Config) Result {
	res := l.each(ctx, values.Keys(), func(ctx context.Context, key string) error {
		v, err := Normalize(key, values[key])
		if err != nil {
			return err
		}
		s, err := encodeValue(v)
		if err != nil {
			return err
		}
		return l.table.PutConfig(ctx, key, s)
	})
	l.logger.InfoContext(ctx, "uploaded config", "succeeded", res.Succeeded, "failed", res.Failed)
	return res
}

// EffectiveConfig returns the stored tunables layered over DefaultConfig.
func (l *Ledger) EffectiveConfig(ctx context.Context) (Config, error) {
	stored, err := l.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	return DefaultConfig().Merge(stored), nil
}
