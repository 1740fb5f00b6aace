package etl

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Reusable validation rules. Each constructor returns a named
// Validation that pipelines reference through the runtime registry.

// RequiredFields rejects records missing any of the given fields or
// carrying a nil or empty-string value for them.
func RequiredFields(name string, fields ...string) Validation {
	return ruleFunc{name: name, fn: func(_ context.Context, records []Record) (*ValidationResult, error) {
		result := &ValidationResult{Valid: true, Stats: map[string]interface{}{
			"records_checked": len(records),
		}}
		for i, rec := range records {
			for _, field := range fields {
				v, ok := rec[field]
				if !ok || v == nil || v == "" {
					result.Errors = append(result.Errors, ValidationError{
						RecordIndex: i,
						Field:       field,
						Message:     "required field is missing or empty",
					})
				}
			}
		}
		result.Valid = len(result.Errors) == 0
		return result, nil
	}}
}

// Range bounds a numeric field inclusively.
type Range struct {
	Min float64
	Max float64
}

// DataRanges rejects records whose numeric fields fall outside their
// configured bounds. Non-numeric values for a bounded field are
// rejected too.
func DataRanges(name string, ranges map[string]Range) Validation {
	validate := validator.New()
	return ruleFunc{name: name, fn: func(_ context.Context, records []Record) (*ValidationResult, error) {
		result := &ValidationResult{Valid: true}
		for i, rec := range records {
			for field, bounds := range ranges {
				raw, ok := rec[field]
				if !ok {
					continue
				}
				value, ok := asFloat(raw)
				if !ok {
					result.Errors = append(result.Errors, ValidationError{
						RecordIndex: i,
						Field:       field,
						Message:     "value is not numeric",
					})
					continue
				}
				tag := fmt.Sprintf("gte=%v,lte=%v", bounds.Min, bounds.Max)
				if err := validate.Var(value, tag); err != nil {
					result.Errors = append(result.Errors, ValidationError{
						RecordIndex: i,
						Field:       field,
						Message: fmt.Sprintf("value %v outside range [%v, %v]",
							value, bounds.Min, bounds.Max),
					})
				}
			}
		}
		result.Valid = len(result.Errors) == 0
		return result, nil
	}}
}

// ExistsFunc answers whether a referenced value is known.
type ExistsFunc func(ctx context.Context, value interface{}) (bool, error)

// ReferentialIntegrity rejects records whose field references a value
// the lookup does not recognise.
func ReferentialIntegrity(name, field string, exists ExistsFunc) Validation {
	return ruleFunc{name: name, fn: func(ctx context.Context, records []Record) (*ValidationResult, error) {
		result := &ValidationResult{Valid: true}
		for i, rec := range records {
			value, ok := rec[field]
			if !ok {
				continue
			}
			found, err := exists(ctx, value)
			if err != nil {
				return nil, err
			}
			if !found {
				result.Errors = append(result.Errors, ValidationError{
					RecordIndex: i,
					Field:       field,
					Message:     fmt.Sprintf("unknown reference %v", value),
				})
			}
		}
		result.Valid = len(result.Errors) == 0
		return result, nil
	}}
}

// Freshness rejects records whose timestamp field is older than maxAge.
// The field may hold a time.Time or an RFC 3339 string.
func Freshness(name, field string, maxAge time.Duration) Validation {
	return ruleFunc{name: name, fn: func(_ context.Context, records []Record) (*ValidationResult, error) {
		result := &ValidationResult{Valid: true}
		cutoff := time.Now().UTC().Add(-maxAge)
		for i, rec := range records {
			raw, ok := rec[field]
			if !ok {
				result.Errors = append(result.Errors, ValidationError{
					RecordIndex: i, Field: field, Message: "timestamp field is missing",
				})
				continue
			}
			ts, err := asTime(raw)
			if err != nil {
				result.Errors = append(result.Errors, ValidationError{
					RecordIndex: i, Field: field, Message: err.Error(),
				})
				continue
			}
			if ts.Before(cutoff) {
				result.Errors = append(result.Errors, ValidationError{
					RecordIndex: i,
					Field:       field,
					Message:     fmt.Sprintf("record older than %s", maxAge),
				})
			}
		}
		result.Valid = len(result.Errors) == 0
		return result, nil
	}}
}

type ruleFunc struct {
	name string
	fn   func(ctx context.Context, records []Record) (*ValidationResult, error)
}

func (r ruleFunc) Name() string { return r.name }
func (r ruleFunc) Validate(ctx context.Context, records []Record) (*ValidationResult, error) {
	return r.fn(ctx, records)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func asTime(v interface{}) (time.Time, error) {
	switch ts := v.(type) {
	case time.Time:
		return ts, nil
	case string:
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp is not RFC 3339: %v", err)
		}
		return parsed, nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}
