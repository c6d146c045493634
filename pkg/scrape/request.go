package scrape

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/chenjianrui-111/trend-agent/pkg/source"
)

// Request asks for one merged, ranked batch across sources.
type Request struct {
	// Sources to scrape. Empty means every registered source.
	Sources      []string            `json:"sources" validate:"omitempty,dive,required"`
	Query        string              `json:"query,omitempty" validate:"max=512"`
	Limit        int                 `json:"limit" validate:"gte=0,lte=1000"`
	CaptureMode  source.CaptureMode  `json:"capture_mode" validate:"omitempty,oneof=by_time by_hot hybrid"`
	Start        *time.Time          `json:"start_time,omitempty"`
	End          *time.Time          `json:"end_time,omitempty"`
	SortStrategy source.SortStrategy `json:"sort_strategy" validate:"omitempty,oneof=engagement recency hybrid"`
	// Priorities override the per-source base priority for this request.
	Priorities map[string]int `json:"source_priorities,omitempty"`
}

// Meta describes how a Result was produced.
type Meta struct {
	CaptureMode  source.CaptureMode  `json:"capture_mode"`
	SortStrategy source.SortStrategy `json:"sort_strategy"`
	Start        *time.Time          `json:"start_time,omitempty"`
	End          *time.Time          `json:"end_time,omitempty"`
	Sources      []string            `json:"sources"`
	RawCount     int                 `json:"raw_count"`
	UniqueCount  int                 `json:"unique_count"`
	QueueDepth   int                 `json:"queue_size"`
	// Failures maps a failed source to its error kind.
	Failures map[string]Kind `json:"failures,omitempty"`
}

// Result is the merged outcome of a Request. Error is set for soft failures such as
// no matching sources; per-source failures are reported in Meta.Failures.
type Result struct {
	Items []source.Item `json:"items"`
	Meta  Meta          `json:"meta"`
	Error string        `json:"error,omitempty"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// withDefaults fills unset fields. Hybrid is the default for both mode and strategy.
func (r Request) withDefaults(defaultLimit int) Request {
	if r.Limit <= 0 {
		r.Limit = defaultLimit
	}
	if r.CaptureMode == "" {
		r.CaptureMode = source.CaptureHybrid
	}
	if r.SortStrategy == "" {
		r.SortStrategy = source.SortHybrid
	}
	r.Query = strings.TrimSpace(r.Query)
	return r
}

// Validate checks r before any job is created.
func (r Request) Validate() error {
	if err := requestValidator().Struct(r); err != nil {
		return newError(KindInvalidRequest, "", fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	if r.Start != nil && r.End != nil && r.End.Before(*r.Start) {
		return newError(KindInvalidRequest, "", fmt.Errorf("%w: end_time before start_time", ErrInvalidRequest))
	}
	return nil
}

func (r Request) query() source.Query {
	return source.Query{
		Text:         r.Query,
		Limit:        r.Limit,
		CaptureMode:  r.CaptureMode,
		Start:        r.Start,
		End:          r.End,
		SortStrategy: r.SortStrategy,
	}
}

// effectiveSort maps an explicit hybrid strategy to recency under by_time and to
// engagement under by_hot.
func effectiveSort(mode source.CaptureMode, strategy source.SortStrategy) source.SortStrategy {
	if strategy != source.SortHybrid {
		return strategy
	}
	switch mode {
	case source.CaptureByTime:
		return source.SortRecency
	case source.CaptureByHot:
		return source.SortEngagement
	}
	return strategy
}
