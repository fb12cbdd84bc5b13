package estimate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roadside/internal/model"
)

func TestRulesScalesByPriority(t *testing.T) {
	q, err := Rules{}.Estimate(context.Background(), Input{IssueType: model.IssueFlatTire, Priority: model.PriorityEmergency})
	require.NoError(t, err)
	assert.Equal(t, 75.0, q.Quotation)
	assert.Equal(t, 30, q.EstimatedDuration)

	q, err = Rules{}.Estimate(context.Background(), Input{IssueType: model.IssueEngine})
	require.NoError(t, err)
	assert.Equal(t, 180.0, q.Quotation, "unknown priority prices at base")

	for _, it := range model.IssueTypes {
		_, err := Rules{}.Estimate(context.Background(), Input{IssueType: it, Priority: model.PriorityMedium})
		assert.NoError(t, err, "issue %s has no rate", it)
	}
}

func TestHTTPEstimator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in Input
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.IssueType != model.IssueBattery {
			http.Error(w, "bad input", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(Quote{Quotation: 99.5, EstimatedDuration: 40})
	}))
	defer srv.Close()

	q, err := NewHTTP(srv.URL).Estimate(context.Background(), Input{IssueType: model.IssueBattery})
	require.NoError(t, err)
	assert.Equal(t, Quote{Quotation: 99.5, EstimatedDuration: 40}, q)

	_, err = NewHTTP(srv.URL).Estimate(context.Background(), Input{IssueType: model.IssueEngine})
	assert.ErrorContains(t, err, "status 400")
}

type stuck struct{}

func (stuck) Estimate(context.Context, Input) (Quote, error) {
	time.Sleep(time.Second)
	return Quote{Quotation: 1}, nil
}

type fixed struct {
	q   Quote
	err error
}

func (f fixed) Estimate(context.Context, Input) (Quote, error) { return f.q, f.err }

func TestBounded(t *testing.T) {
	start := time.Now()
	_, err := Bounded(context.Background(), stuck{}, 20*time.Millisecond, Input{})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	q, err := Bounded(context.Background(), fixed{q: Quote{Quotation: 10}}, time.Second, Input{})
	require.NoError(t, err)
	assert.Equal(t, 10.0, q.Quotation)

	_, err = Bounded(context.Background(), fixed{err: errors.New("down")}, time.Second, Input{})
	assert.EqualError(t, err, "down")

	_, err = Bounded(context.Background(), fixed{q: Quote{Quotation: -1}}, time.Second, Input{})
	assert.Error(t, err)
}

func TestBoundedHTTPTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()
	_, err := Bounded(context.Background(), NewHTTP(srv.URL), 30*time.Millisecond, Input{})
	assert.Error(t, err)
}
