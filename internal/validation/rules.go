package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrInvalidRule = errors.New("validation: invalid rule definition")

// Severity of a rule failure. Only SeverityError rejects a record.
type Severity int32

const (
	SeverityError Severity = iota
	SeverityWarning
	SeverityInfo
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInfo:
		return "info"
	default:
		return "unknown"
	}
}

func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(s) {
	case "error", "":
		return SeverityError, nil
	case "warning":
		return SeverityWarning, nil
	case "info":
		return SeverityInfo, nil
	default:
		return 0, fmt.Errorf("%w: unknown severity %q", ErrInvalidRule, s)
	}
}

type RuleType int32

const (
	RuleRequired RuleType = iota
	RuleRange
	RuleReferential
	RuleBusiness
	RuleCustom
)

func (t RuleType) String() string {
	switch t {
	case RuleRequired:
		return "required"
	case RuleRange:
		return "range"
	case RuleReferential:
		return "referential"
	case RuleBusiness:
		return "business"
	case RuleCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Record is one inbound row keyed by field name.
type Record map[string]any

// References answers existence checks for referential rules.
type References interface {
	Exists(kind, value string) bool
}

// Env is what a rule may consult besides the record.
type Env struct {
	Refs References
	Now  time.Time
}

// Rule is one typed validation rule.
type Rule interface {
	Meta() RuleMeta
	Type() RuleType
	Check(rec Record, env Env) *Result
}

// RuleMeta is shared by every rule type.
type RuleMeta struct {
	ID       uuid.UUID
	Name     string `validate:"required"`
	Target   string `validate:"required"`
	Field    string
	Severity Severity
}

func (m RuleMeta) Meta() RuleMeta { return m }

func (m RuleMeta) fail(code, msg string, value any, expected string) *Result {
	r := &Result{
		RuleID:   m.ID,
		Rule:     m.Name,
		Severity: m.Severity,
		Code:     code,
		Message:  msg,
		Field:    m.Field,
		Expected: expected,
	}
	if value != nil {
		r.Value = fmt.Sprint(value)
	}
	return r
}

// RequiredRule covers presence, pattern and length of a string field.
type RequiredRule struct {
	RuleMeta
	Required  bool   `json:"required"`
	Pattern   string `json:"pattern"`
	MinLength int    `json:"minLength"`
	MaxLength int    `json:"maxLength"`

	re *regexp.Regexp
}

func (r *RequiredRule) Type() RuleType { return RuleRequired }

func (r *RequiredRule) Check(rec Record, _ Env) *Result {
	v, ok := rec[r.Field]
	s, isString := v.(string)
	if r.Required && (!ok || v == nil || (isString && strings.TrimSpace(s) == "")) {
		return r.fail("REQUIRED_FIELD", r.Field+" is required", v, "non-empty value")
	}
	if !isString {
		return nil
	}
	if r.re != nil && !r.re.MatchString(s) {
		return r.fail("PATTERN_MISMATCH", r.Field+" does not match required format", v, "pattern: "+r.Pattern)
	}
	if r.MinLength > 0 && len(s) < r.MinLength {
		return r.fail("TOO_SHORT", fmt.Sprintf("%s must be at least %d characters", r.Field, r.MinLength), v, fmt.Sprintf(">= %d chars", r.MinLength))
	}
	if r.MaxLength > 0 && len(s) > r.MaxLength {
		return r.fail("TOO_LONG", fmt.Sprintf("%s must be at most %d characters", r.Field, r.MaxLength), v, fmt.Sprintf("<= %d chars", r.MaxLength))
	}
	return nil
}

// RangeRule bounds a numeric field, inclusive at both ends.
type RangeRule struct {
	RuleMeta
	Min *decimal.Decimal `json:"min"`
	Max *decimal.Decimal `json:"max"`
}

func (r *RangeRule) Type() RuleType { return RuleRange }

func (r *RangeRule) Check(rec Record, _ Env) *Result {
	v, ok := rec[r.Field]
	if !ok || v == nil {
		return nil
	}
	n, err := toDecimal(v)
	if err != nil {
		return r.fail("INVALID_TYPE", r.Field+" must be numeric for range check", v, "numeric value")
	}
	if r.Min != nil && n.LessThan(*r.Min) {
		return r.fail("BELOW_MINIMUM", fmt.Sprintf("%s must be >= %s", r.Field, r.Min), v, ">= "+r.Min.String())
	}
	if r.Max != nil && n.GreaterThan(*r.Max) {
		return r.fail("ABOVE_MAXIMUM", fmt.Sprintf("%s must be <= %s", r.Field, r.Max), v, "<= "+r.Max.String())
	}
	return nil
}

// ReferentialRule requires the field value to name an existing entity.
type ReferentialRule struct {
	RuleMeta
	Kind string `json:"kind" validate:"required"`
}

func (r *ReferentialRule) Type() RuleType { return RuleReferential }

func (r *ReferentialRule) Check(rec Record, env Env) *Result {
	v, ok := rec[r.Field]
	if !ok || v == nil || env.Refs == nil {
		return nil
	}
	s := fmt.Sprint(v)
	if env.Refs.Exists(r.Kind, s) {
		return nil
	}
	return r.fail("INVALID_REFERENCE", fmt.Sprintf("%s references non-existent %s", r.Field, r.Kind), v, "valid "+r.Kind)
}

// BusinessRule holds the built-in business checks.
type BusinessRule struct {
	RuleMeta
	// NotInFuture rejects timestamps after the evaluation time.
	NotInFuture bool `json:"notInFuture"`
	// NonZero rejects a zero numeric value.
	NonZero bool `json:"nonZero"`
}

func (r *BusinessRule) Type() RuleType { return RuleBusiness }

func (r *BusinessRule) Check(rec Record, env Env) *Result {
	v, ok := rec[r.Field]
	if !ok || v == nil {
		return nil
	}
	if r.NotInFuture {
		if t, ok := v.(time.Time); ok && !env.Now.IsZero() && t.After(env.Now) {
			return r.fail("FUTURE_DATE", r.Field+" cannot be in the future", v, "<= "+env.Now.Format(time.RFC3339))
		}
	}
	if r.NonZero {
		if n, err := toDecimal(v); err == nil && n.IsZero() {
			return r.fail("ZERO_VALUE", r.Field+" must be non-zero", v, "!= 0")
		}
	}
	return nil
}

// CustomRule keeps a rule this engine cannot evaluate. It never fails a
// record and is counted as skipped.
type CustomRule struct {
	RuleMeta
	Raw json.RawMessage
}

func (r *CustomRule) Type() RuleType { return RuleCustom }
func (r *CustomRule) Check(Record, Env) *Result { return nil }

// Definition is the stored form of a rule.
type Definition struct {
	ID       uuid.UUID       `json:"id"`
	Name     string          `json:"name" validate:"required"`
	Type     string          `json:"rule_type" validate:"required"`
	Target   string          `json:"target" validate:"required"`
	Field    string          `json:"field"`
	Severity string          `json:"severity" validate:"omitempty,oneof=error warning info"`
	Config   json.RawMessage `json:"config"`
}

var validate = validator.New()

// Parse builds a typed rule. Unknown rule types become a CustomRule.
func Parse(d Definition) (Rule, error) {
	if err := validate.Struct(d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	sev, err := ParseSeverity(d.Severity)
	if err != nil {
		return nil, err
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	meta := RuleMeta{ID: d.ID, Name: d.Name, Target: d.Target, Field: d.Field, Severity: sev}
	cfg := d.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage("{}")
	}

	var r Rule
	switch strings.ToLower(d.Type) {
	case "required", "schema":
		rr := &RequiredRule{RuleMeta: meta}
		if err := json.Unmarshal(cfg, rr); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, d.Name, err)
		}
		if rr.Pattern != "" {
			if rr.re, err = regexp.Compile(rr.Pattern); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, d.Name, err)
			}
		}
		r = rr
	case "range":
		rr := &RangeRule{RuleMeta: meta}
		if err := json.Unmarshal(cfg, rr); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, d.Name, err)
		}
		r = rr
	case "referential":
		rr := &ReferentialRule{RuleMeta: meta}
		if err := json.Unmarshal(cfg, rr); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, d.Name, err)
		}
		if err := validate.Struct(rr); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, d.Name, err)
		}
		r = rr
	case "business":
		rr := &BusinessRule{RuleMeta: meta}
		if err := json.Unmarshal(cfg, rr); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, d.Name, err)
		}
		r = rr
	default:
		r = &CustomRule{RuleMeta: meta, Raw: append(json.RawMessage(nil), cfg...)}
	}
	if r.Type() != RuleCustom && d.Field == "" {
		return nil, fmt.Errorf("%w: %s: field is required", ErrInvalidRule, d.Name)
	}
	return r, nil
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case string:
		return decimal.NewFromString(n)
	default:
		return decimal.Decimal{}, fmt.Errorf("not numeric: %T", v)
	}
}
