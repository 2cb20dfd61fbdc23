// Package estimator converts turn text into a token count, a USD cost and the
// integer credit amount charged for it.
package estimator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"github.com/shopspring/decimal"
)

const (
	// DefaultModel is the model turns are priced against.
	DefaultModel = "gpt-4o"
	// DefaultCompletionTokens stands in for the unknown reply length.
	DefaultCompletionTokens = 300
	// DefaultMarkup converts USD cost into credits with margin.
	DefaultMarkup = 10
)

// ErrUnsupportedModel is returned for models without a tokenizer or price.
var ErrUnsupportedModel = errors.New("estimator: unsupported model")

// Price is the USD cost per 1000 tokens.
type Price struct {
	Prompt     decimal.Decimal
	Completion decimal.Decimal
}

var priceTable = map[string]Price{
	"gpt-4o": {
		Prompt:     decimal.RequireFromString("0.005"),
		Completion: decimal.RequireFromString("0.015"),
	},
	"gpt-3.5-turbo": {
		Prompt:     decimal.RequireFromString("0.0005"),
		Completion: decimal.RequireFromString("0.0015"),
	},
}

var (
	thousand = decimal.NewFromInt(1000)

	loaderOnce sync.Once
	encMu      sync.Mutex
	encCache   = map[string]*tiktoken.Tiktoken{}
)

// Supported reports whether model has a price entry.
func Supported(model string) bool {
	_, ok := priceTable[model]
	return ok
}

// CountTokens returns the number of tokens text encodes to under model's
// tokenizer.
func CountTokens(text, model string) (int, error) {
	if !Supported(model) {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedModel, model)
	}
	enc, err := encoding(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// encoding loads BPE ranks from the embedded assets rather than the network.
func encoding(model string) (*tiktoken.Tiktoken, error) {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	encMu.Lock()
	defer encMu.Unlock()
	if enc, ok := encCache[model]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, fmt.Errorf("estimator: load tokenizer for %q: %w", model, err)
	}
	encCache[model] = enc
	return enc, nil
}

// EstimateCost prices a prompt/completion token pair in USD.
func EstimateCost(promptTokens, completionTokens int, model string) (decimal.Decimal, error) {
	price, ok := priceTable[model]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnsupportedModel, model)
	}
	prompt := decimal.NewFromInt(int64(promptTokens)).Div(thousand).Mul(price.Prompt)
	completion := decimal.NewFromInt(int64(completionTokens)).Div(thousand).Mul(price.Completion)
	return prompt.Add(completion), nil
}

// RequiredCredits is ceil(costUSD * 1000 * markup). Existing balances were
// computed with this formula, so it must not change.
func RequiredCredits(costUSD decimal.Decimal, markup int) int {
	return int(costUSD.Mul(thousand).Mul(decimal.NewFromInt(int64(markup))).Ceil().IntPart())
}

// Estimate is the pre-execution price of a turn.
type Estimate struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          decimal.Decimal
	Credits          int
}

// TotalTokens is the token figure recorded on the debit entry.
func (e Estimate) TotalTokens() int {
	return e.PromptTokens + e.CompletionTokens
}

// Estimator prices turns for one configured model.
type Estimator struct {
	model            string
	completionTokens int
	markup           int

	count func(text, model string) (int, error)
}

// Option customises an Estimator.
type Option func(*Estimator)

// WithTokenCounter replaces the tokenizer, mainly for tests.
func WithTokenCounter(fn func(text, model string) (int, error)) Option {
	return func(e *Estimator) {
		if fn != nil {
			e.count = fn
		}
	}
}

// New returns an Estimator. Zero completionTokens or markup fall back to the
// defaults.
func New(model string, completionTokens, markup int, opts ...Option) (*Estimator, error) {
	if model == "" {
		model = DefaultModel
	}
	if !Supported(model) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedModel, model)
	}
	if completionTokens <= 0 {
		completionTokens = DefaultCompletionTokens
	}
	if markup <= 0 {
		markup = DefaultMarkup
	}
	e := &Estimator{
		model:            model,
		completionTokens: completionTokens,
		markup:           markup,
		count:            CountTokens,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Model returns the model turns are priced against.
func (e *Estimator) Model() string {
	return e.model
}

// Estimate prices text as a prompt followed by the fixed completion length.
func (e *Estimator) Estimate(text string) (Estimate, error) {
	promptTokens, err := e.count(text, e.model)
	if err != nil {
		return Estimate{}, err
	}
	cost, err := EstimateCost(promptTokens, e.completionTokens, e.model)
	if err != nil {
		return Estimate{}, err
	}
	return Estimate{
		Model:            e.model,
		PromptTokens:     promptTokens,
		CompletionTokens: e.completionTokens,
		CostUSD:          cost,
		Credits:          RequiredCredits(cost, e.markup),
	}, nil
}
