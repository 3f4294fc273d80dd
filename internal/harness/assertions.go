package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/cdcrun/internal/engine"
	"github.com/roach88/cdcrun/internal/frame"
	"github.com/roach88/cdcrun/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s vb=%d %s\n", i+1, event.Type, event.Partition, event.Body)
		}
	}

	return buf.String()
}

// eventKeys returns the keys an event refers to: written keys for store
// acks, the reference and callback for timer creations.
func eventKeys(ev TraceEvent) []string {
	switch ev.Type {
	case EventStoreAck:
		var ack frame.StoreAck
		if err := json.Unmarshal(ev.Body, &ack); err != nil {
			return nil
		}
		keys := make([]string, len(ack.Writes))
		for i, w := range ack.Writes {
			keys[i] = w.Key
		}
		return keys
	case EventTimerCreate:
		var t frame.TimerEntry
		if err := json.Unmarshal(ev.Body, &t); err != nil {
			return nil
		}
		return []string{t.Reference, t.Callback}
	}
	return nil
}

// assertTraceContains checks if the trace contains an event of the given
// type, optionally one that refers to Key.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Type != assertion.Event {
			continue
		}
		if assertion.Key == "" {
			return nil
		}
		for _, k := range eventKeys(event) {
			if k == assertion.Key {
				return nil
			}
		}
	}

	expected := assertion.Event
	if assertion.Key != "" {
		expected = fmt.Sprintf("%s referring to %q", assertion.Event, assertion.Key)
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that event types appear in the specified order.
// Events don't need to be consecutive (intervening events are allowed).
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	next := 0
	for _, event := range trace {
		if next < len(assertion.Events) && event.Type == assertion.Events[next] {
			next++
		}
	}
	if next == len(assertion.Events) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("events in order: %v", assertion.Events),
		Actual:   fmt.Sprintf("matched %d of %d, missing %s", next, len(assertion.Events), assertion.Events[next]),
		Trace:    trace,
	}
}

// assertTraceCount checks if the event type appears exactly the specified number of times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == assertion.Event {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Event),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertCounter checks a worker counter. Counters absent from the result
// are zero.
func assertCounter(counters map[string]int64, assertion Assertion) error {
	got := counters[assertion.Name]
	if got != assertion.Value {
		return &AssertionError{
			Type:     AssertCounter,
			Expected: fmt.Sprintf("%s = %d", assertion.Name, assertion.Value),
			Actual:   fmt.Sprintf("%s = %d", assertion.Name, got),
		}
	}
	return nil
}

// assertCheckpoint checks a partition's acknowledged checkpoint.
func assertCheckpoint(tr *engine.Tracker, assertion Assertion) error {
	got, ok := tr.Checkpoint(assertion.VB)
	if !ok {
		return &AssertionError{
			Type:     AssertCheckpoint,
			Expected: fmt.Sprintf("vb %d checkpoint = %d", assertion.VB, assertion.Seq),
			Actual:   "no checkpoint",
		}
	}
	if got != assertion.Seq {
		return &AssertionError{
			Type:     AssertCheckpoint,
			Expected: fmt.Sprintf("vb %d checkpoint = %d", assertion.VB, assertion.Seq),
			Actual:   fmt.Sprintf("vb %d checkpoint = %d", assertion.VB, got),
		}
	}
	return nil
}

// assertDocument compares a stored document with the expected value as
// JSON, or checks that it is absent.
func assertDocument(ctx context.Context, st *store.SQLite, assertion Assertion) error {
	c, err := st.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial store: %w", err)
	}
	defer c.Close()

	raw, err := c.Get(ctx, assertion.Key)
	if errors.Is(err, store.ErrNotFound) {
		if assertion.Absent {
			return nil
		}
		return &AssertionError{
			Type:     AssertDocument,
			Expected: fmt.Sprintf("document %q", assertion.Key),
			Actual:   "not found",
		}
	}
	if err != nil {
		return fmt.Errorf("read %q: %w", assertion.Key, err)
	}
	if assertion.Absent {
		return &AssertionError{
			Type:     AssertDocument,
			Expected: fmt.Sprintf("document %q absent", assertion.Key),
			Actual:   string(raw),
		}
	}

	var actual any
	if err := json.Unmarshal(raw, &actual); err != nil {
		return &AssertionError{
			Type:     AssertDocument,
			Expected: fmt.Sprintf("JSON document %q", assertion.Key),
			Actual:   fmt.Sprintf("%q is not JSON: %v", raw, err),
		}
	}
	expected, err := normalizeJSON(assertion.Expect)
	if err != nil {
		return fmt.Errorf("document %q: %w", assertion.Key, err)
	}
	if !valuesEqual(actual, expected) {
		want, _ := json.Marshal(expected)
		return &AssertionError{
			Type:     AssertDocument,
			Expected: fmt.Sprintf("%q = %s", assertion.Key, want),
			Actual:   fmt.Sprintf("%q = %s", assertion.Key, raw),
		}
	}
	return nil
}

// normalizeJSON round-trips a YAML-decoded value through JSON so it
// compares equal to a decoded document.
func normalizeJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// assertFinalState checks if a store table contains expected values.
// Queries with parameterized SQL and validates expected values using
// subset semantics.
//
// Security: Table and column names are validated against a whitelist pattern
// to prevent SQL injection via identifier interpolation.
func assertFinalState(ctx context.Context, st *store.SQLite, assertion Assertion) error {
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}

	whereSQL, whereArgs, err := buildWhereClause(assertion.Where)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT * FROM %s", assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	c, err := st.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial store: %w", err)
	}
	defer c.Close()
	q, ok := c.(store.Querier)
	if !ok {
		return fmt.Errorf("final_state: store does not support queries")
	}

	rows, err := q.Query(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}

	whereDesc := formatWhereClause(assertion.Where)
	switch len(rows) {
	case 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, whereDesc),
			Actual:   "row not found",
		}
	case 1:
	default:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, whereDesc),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}
	actualRow := rows[0]

	expect, _ := assertion.Expect.(map[string]any)
	keys := make([]string, 0, len(expect))
	for k := range expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Subset semantics - only check fields in Expect
	for _, key := range keys {
		expectedValue := expect[key]
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in row", key),
			}
		}

		if !stateValuesEqual(expectedValue, actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expectedValue, expectedValue),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}

	return nil
}

// buildWhereClause constructs parameterized WHERE clause from assertion.Where.
// Returns SQL fragment, arguments slice, and error. Keys are sorted for determinism.
//
// Security: Column names are validated against a whitelist pattern to prevent
// SQL injection via identifier interpolation.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))

	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}

	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts a YAML-decoded value to a SQL-compatible value.
func toSQLValue(v any) any {
	switch val := v.(type) {
	case string, int, int64, bool:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares expected and actual values from store tables.
// Handles type coercion for SQLite values which may be returned as different types.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil && actual == nil {
		return true
	}
	if expected == nil || actual == nil {
		return false
	}

	switch exp := expected.(type) {
	case string:
		if actualStr, ok := actual.(string); ok {
			return exp == actualStr
		}
		return false
	case int:
		if actualInt, ok := actual.(int64); ok {
			return int64(exp) == actualInt
		}
		if actualInt, ok := actual.(int); ok {
			return exp == actualInt
		}
		return false
	case int64:
		if actualInt, ok := actual.(int64); ok {
			return exp == actualInt
		}
		return false
	case bool:
		if actualBool, ok := actual.(bool); ok {
			return exp == actualBool
		}
		// SQLite stores booleans as integers
		if actualInt, ok := actual.(int64); ok {
			return exp == (actualInt != 0)
		}
		return false
	}

	return reflect.DeepEqual(expected, actual)
}

// valuesEqual compares two decoded JSON values for equality.
func valuesEqual(actual, expected any) bool {
	if actual == nil && expected == nil {
		return true
	}
	if actual == nil || expected == nil {
		return false
	}
	return reflect.DeepEqual(actual, expected)
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store   *store.SQLite
	Tracker *engine.Tracker
	Ctx     context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides store and tracker access for state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertCounter:
			err = assertCounter(result.Counters, assertion)
		case AssertCheckpoint:
			if actx == nil || actx.Tracker == nil {
				err = fmt.Errorf("assertion[%d]: checkpoint requires tracker context", i)
			} else {
				err = assertCheckpoint(actx.Tracker, assertion)
			}
		case AssertDocument, AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: %s requires database context", i, assertion.Type)
			} else if assertion.Type == AssertDocument {
				err = assertDocument(actx.Ctx, actx.Store, assertion)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	return errs
}
