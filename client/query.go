package client

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/prilive-com/botgate/tg"
)

// Result is the terminal outcome of one query. Exactly one of Body or Err is
// set.
type Result struct {
	Body json.RawMessage
	Err  *tg.APIError
}

// Query is one inbound bot API request together with its single-use answer
// promise. The front server creates it, the manager routes it, and exactly
// one component answers it; a query dropped without an answer resolves to a
// retryable 429 so the HTTP connection is never leaked.
type Query struct {
	ID       string
	Method   string
	Params   url.Values
	Files    map[string]string // form field name -> spooled temp file path
	PeerIP   string
	Internal bool
	Size     int64 // request body size, for upload accounting
	Start    time.Time

	answered  atomic.Bool
	resultCh  chan Result
	observers []func(Result)
}

// NewQuery builds a query with a fresh correlation id.
func NewQuery(method string, params url.Values) *Query {
	if params == nil {
		params = url.Values{}
	}
	return &Query{
		ID:       uuid.NewString(),
		Method:   method,
		Params:   params,
		Start:    time.Now(),
		resultCh: make(chan Result, 1),
	}
}

// Observe registers a completion callback. Must be called before the query
// is handed off for routing.
func (q *Query) Observe(fn func(Result)) {
	q.observers = append(q.observers, fn)
}

func (q *Query) fulfill(res Result) {
	if q.answered.CompareAndSwap(false, true) {
		for _, fn := range q.observers {
			fn(res)
		}
		q.resultCh <- res
	}
}

// Answer fulfills the promise with a result document. Only the first answer
// wins.
func (q *Query) Answer(body json.RawMessage) {
	q.fulfill(Result{Body: body})
}

// AnswerBool fulfills the promise with a bare true result.
func (q *Query) AnswerBool() {
	q.Answer(json.RawMessage(`true`))
}

// Fail fulfills the promise with an error.
func (q *Query) Fail(err error) {
	q.fulfill(Result{Err: tg.AsAPIError(err)})
}

// Abandon resolves a never-answered query with the retryable default. Called
// on actor teardown and by the front server when a component drops the query.
func (q *Query) Abandon() {
	q.Fail(tg.RetryAfterError(1))
}

// Wait blocks until the query is answered or ctx expires.
func (q *Query) Wait(ctx context.Context) Result {
	select {
	case res := <-q.resultCh:
		return res
	case <-ctx.Done():
		return Result{Err: tg.RetryAfterError(1)}
	}
}

// Answered reports whether the promise was already fulfilled.
func (q *Query) Answered() bool {
	return q.answered.Load()
}

// Param returns the raw string value of a form field.
func (q *Query) Param(name string) string {
	return q.Params.Get(name)
}

// HasParam reports whether the field was supplied at all.
func (q *Query) HasParam(name string) bool {
	return q.Params.Has(name)
}

// IntParam parses an integer field, falling back to def when absent.
func (q *Query) IntParam(name string, def int) (int, error) {
	raw := q.Params.Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, tg.BadRequest("invalid parameter " + strconv.Quote(name))
	}
	return v, nil
}

// Int64Param parses a 64-bit integer field.
func (q *Query) Int64Param(name string, def int64) (int64, error) {
	raw := q.Params.Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, tg.BadRequest("invalid parameter " + strconv.Quote(name))
	}
	return v, nil
}

// BoolParam parses a boolean field.
func (q *Query) BoolParam(name string) bool {
	switch q.Params.Get(name) {
	case "true", "True", "1", "yes":
		return true
	}
	return false
}

// JSONParam unmarshals a JSON-valued field into v. Absent fields are left
// untouched and reported as not found.
func (q *Query) JSONParam(name string, v any) (bool, error) {
	raw := q.Params.Get(name)
	if raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, tg.BadRequest("can't parse parameter " + strconv.Quote(name))
	}
	return true, nil
}

// ParamsJSON renders the form fields as a flat JSON object for the upstream
// boundary. Values that are themselves valid JSON documents are embedded
// verbatim, everything else as a string.
func (q *Query) ParamsJSON() json.RawMessage {
	obj := make(map[string]json.RawMessage, len(q.Params))
	for key, values := range q.Params {
		if len(values) == 0 {
			continue
		}
		raw := values[0]
		if json.Valid([]byte(raw)) {
			obj[key] = json.RawMessage(raw)
		} else {
			quoted, _ := json.Marshal(raw)
			obj[key] = quoted
		}
	}
	body, _ := json.Marshal(obj)
	return body
}
