// Package currency converts between currencies using the Frankfurter
// exchange-rate API (ECB reference rates, no API key).
package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gryag "github.com/ThatHunky/gryag-sub007"
)

// Overridden in tests.
var apiURL = "https://api.frankfurter.dev/v1"

// Tool converts amounts between currencies at the current rate.
type Tool struct {
	client *http.Client
}

// New creates the currency tool with a 10-second timeout.
func New() *Tool {
	return &Tool{client: &http.Client{Timeout: 10 * time.Second}}
}

func (t *Tool) Definitions() []gryag.ToolDefinition {
	return []gryag.ToolDefinition{{
		Name:        "currency_convert",
		Description: "Convert an amount between currencies at the current exchange rate. Use for price conversions and rate questions.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"amount":{"type":"number","description":"Amount to convert, default 1"},
			"from":{"type":"string","description":"ISO 4217 code of the source currency, e.g. USD"},
			"to":{"type":"string","description":"ISO 4217 code of the target currency, e.g. UAH"}},
			"required":["from","to"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (gryag.ToolResult, error) {
	var params struct {
		Amount float64 `json:"amount"`
		From   string  `json:"from"`
		To     string  `json:"to"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return gryag.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.Amount == 0 {
		params.Amount = 1
	}
	if params.Amount < 0 {
		return gryag.ToolResult{Error: "amount must be positive"}, nil
	}

	from, to := normalizeCode(params.From), normalizeCode(params.To)
	if from == "" || to == "" {
		return gryag.ToolResult{Error: "from and to must be 3-letter currency codes"}, nil
	}
	if from == to {
		return gryag.ToolResult{Content: fmt.Sprintf("%.2f %s = %.2f %s (rate 1)", params.Amount, from, params.Amount, to)}, nil
	}

	content, err := t.convert(ctx, params.Amount, from, to)
	if err != nil {
		return gryag.ToolResult{Error: err.Error()}, nil
	}
	return gryag.ToolResult{Content: content}, nil
}

func (t *Tool) convert(ctx context.Context, amount float64, from, to string) (string, error) {
	q := url.Values{}
	q.Set("amount", fmt.Sprintf("%g", amount))
	q.Set("from", from)
	q.Set("to", to)

	req, err := http.NewRequestWithContext(ctx, "GET", apiURL+"/latest?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("exchange API error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 404 {
		return "", fmt.Errorf("unknown currency pair %s/%s", from, to)
	}
	if resp.StatusCode != 200 {
		return "", fmt.Errorf("exchange API %d", resp.StatusCode)
	}

	var data struct {
		Amount float64            `json:"amount"`
		Date   string             `json:"date"`
		Rates  map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("exchange API parse error: %w", err)
	}
	converted, ok := data.Rates[to]
	if !ok {
		return "", fmt.Errorf("no rate for %s", to)
	}

	rate := converted / amount
	return fmt.Sprintf("%.2f %s = %.2f %s (rate %.4f, %s)", amount, from, converted, to, rate, data.Date), nil
}

// normalizeCode uppercases a 3-letter ISO code; anything else is
// rejected.
func normalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return ""
	}
	for _, c := range code {
		if c < 'A' || c > 'Z' {
			return ""
		}
	}
	return code
}
