package validation

import (
	"encoding/json"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Targets of the built-in rule sets.
const (
	TargetPositions = "positions"
	TargetMetrics   = "metrics"
)

// Result is one rule failure.
type Result struct {
	RuleID   uuid.UUID
	Rule     string
	Severity Severity
	Code     string
	Message  string
	Field    string
	Value    string
	Expected string
	Record   map[string]string // identifies the failing row
	Row      int
}

// Summary counts the results of one batch.
type Summary struct {
	Results          []Result
	ErrorCount       int
	WarningCount     int
	InfoCount        int
	SkippedRules     int
	RecordsValidated int
	RecordsFailed    int

	failed map[int]bool
}

func (s *Summary) add(r Result) {
	s.Results = append(s.Results, r)
	switch r.Severity {
	case SeverityError:
		s.ErrorCount++
		if s.failed == nil {
			s.failed = make(map[int]bool)
		}
		if !s.failed[r.Row] {
			s.failed[r.Row] = true
			s.RecordsFailed++
		}
	case SeverityWarning:
		s.WarningCount++
	default:
		s.InfoCount++
	}
}

// IsValid reports whether no error-severity result was raised.
func (s *Summary) IsValid() bool { return s.ErrorCount == 0 }

// Failed reports whether row i produced an error-severity result.
func (s *Summary) Failed(i int) bool { return s.failed[i] }

// ForRow returns the results raised for row i.
func (s *Summary) ForRow(i int) []Result {
	var out []Result
	for _, r := range s.Results {
		if r.Row == i {
			out = append(out, r)
		}
	}
	return out
}

// Validator evaluates typed rules grouped by target.
type Validator struct {
	mu    sync.RWMutex
	rules map[string][]Rule
	refs  References
	now   func() time.Time
}

func NewValidator(refs References) *Validator {
	return &Validator{
		rules: make(map[string][]Rule),
		refs:  refs,
		now:   time.Now,
	}
}

// Add registers rules, kept ordered by name within a target.
func (v *Validator) Add(rules ...Rule) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, r := range rules {
		t := r.Meta().Target
		v.rules[t] = append(v.rules[t], r)
		sort.SliceStable(v.rules[t], func(i, j int) bool {
			return v.rules[t][i].Meta().Name < v.rules[t][j].Meta().Name
		})
	}
}

// Load parses a JSON array of rule definitions and registers them.
func (v *Validator) Load(data []byte) error {
	var defs []Definition
	if err := json.Unmarshal(data, &defs); err != nil {
		return err
	}
	rules := make([]Rule, 0, len(defs))
	for _, d := range defs {
		r, err := Parse(d)
		if err != nil {
			return err
		}
		rules = append(rules, r)
	}
	v.Add(rules...)
	return nil
}

func (v *Validator) Rules(target string) []Rule {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]Rule(nil), v.rules[target]...)
}

// Validate checks every record against the target's rules. ids supplies
// the identifying fields reported with each failure and may be nil.
func (v *Validator) Validate(target string, records []Record, ids func(i int) map[string]string) Summary {
	rules := v.Rules(target)
	env := Env{Refs: v.refs, Now: v.now()}
	sum := Summary{RecordsValidated: len(records)}
	for _, r := range rules {
		if r.Type() == RuleCustom {
			sum.SkippedRules++
		}
	}
	for i, rec := range records {
		for _, r := range rules {
			res := r.Check(rec, env)
			if res == nil {
				continue
			}
			res.Row = i
			if ids != nil {
				res.Record = ids(i)
			}
			sum.add(*res)
		}
	}
	return sum
}

var currencyRE = regexp.MustCompile("^[A-Z]{3}$")

// DefaultPositionRules is the rule set applied to inbound positions when
// none is configured.
func DefaultPositionRules() []Rule {
	meta := func(name, field string, sev Severity) RuleMeta {
		return RuleMeta{ID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)), Name: name, Target: TargetPositions, Field: field, Severity: sev}
	}
	return []Rule{
		&RequiredRule{RuleMeta: meta("book_required", "book", SeverityError), Required: true},
		&ReferentialRule{RuleMeta: meta("book_exists", "book", SeverityError), Kind: "book"},
		&RequiredRule{RuleMeta: meta("currency_format", "currency", SeverityError), Required: true, Pattern: "^[A-Z]{3}$", re: currencyRE},
		&BusinessRule{RuleMeta: meta("as_of_not_future", "as_of", SeverityError), NotInFuture: true},
	}
}

// DefaultMetricRules is the rule set applied to inbound book metrics.
func DefaultMetricRules() []Rule {
	meta := func(name, field string) RuleMeta {
		return RuleMeta{ID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)), Name: name, Target: TargetMetrics, Field: field, Severity: SeverityError}
	}
	return []Rule{
		&RequiredRule{RuleMeta: meta("metric_book_required", "book"), Required: true},
		&ReferentialRule{RuleMeta: meta("metric_book_exists", "book"), Kind: "book"},
		&RequiredRule{RuleMeta: meta("metric_kind_required", "kind"), Required: true},
		&BusinessRule{RuleMeta: meta("metric_as_of_not_future", "as_of"), NotInFuture: true},
	}
}
