// Package weather answers weather questions via the Open-Meteo public
// API: geocode the location, then fetch current conditions and a
// two-day outlook. No API key required.
package weather

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
var (
	geocodeURL  = "https://geocoding-api.open-meteo.com/v1/search"
	forecastURL = "https://api.open-meteo.com/v1/forecast"
)

// Tool reports current weather and a short outlook for a location.
type Tool struct {
	client *http.Client
}

// New creates the weather tool with a 10-second timeout.
func New() *Tool {
	return &Tool{client: &http.Client{Timeout: 10 * time.Second}}
}

func (t *Tool) Definitions() []gryag.ToolDefinition {
	return []gryag.ToolDefinition{{
		Name:        "weather",
		Description: "Current weather and a short forecast for a city or place. Use when someone asks about weather, temperature, or whether to take an umbrella.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"location":{"type":"string","description":"City or place name, e.g. Kyiv"}},"required":["location"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (gryag.ToolResult, error) {
	var params struct {
		Location string `json:"location"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return gryag.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	loc := strings.TrimSpace(params.Location)
	if loc == "" {
		return gryag.ToolResult{Error: "location is required"}, nil
	}

	report, err := t.Report(ctx, loc)
	if err != nil {
		return gryag.ToolResult{Error: err.Error()}, nil
	}
	return gryag.ToolResult{Content: report}, nil
}

type place struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Country   string  `json:"country"`
}

type forecast struct {
	Current struct {
		Temperature float64 `json:"temperature_2m"`
		FeelsLike   float64 `json:"apparent_temperature"`
		Humidity    float64 `json:"relative_humidity_2m"`
		WindSpeed   float64 `json:"wind_speed_10m"`
		WeatherCode int     `json:"weather_code"`
	} `json:"current"`
	Daily struct {
		Time        []string  `json:"time"`
		TempMin     []float64 `json:"temperature_2m_min"`
		TempMax     []float64 `json:"temperature_2m_max"`
		WeatherCode []int     `json:"weather_code"`
	} `json:"daily"`
}

// Report geocodes the location and renders a compact weather summary.
func (t *Tool) Report(ctx context.Context, location string) (string, error) {
	p, err := t.geocode(ctx, location)
	if err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.4f", p.Latitude))
	q.Set("longitude", fmt.Sprintf("%.4f", p.Longitude))
	q.Set("current", "temperature_2m,apparent_temperature,relative_humidity_2m,wind_speed_10m,weather_code")
	q.Set("daily", "temperature_2m_min,temperature_2m_max,weather_code")
	q.Set("forecast_days", "2")
	q.Set("timezone", "auto")

	var fc forecast
	if err := t.getJSON(ctx, forecastURL+"?"+q.Encode(), &fc); err != nil {
		return "", err
	}

	var b strings.Builder
	name := p.Name
	if p.Country != "" {
		name += ", " + p.Country
	}
	fmt.Fprintf(&b, "%s: %.1f°C (feels like %.1f°C), humidity %.0f%%, wind %.1f km/h, %s",
		name, fc.Current.Temperature, fc.Current.FeelsLike, fc.Current.Humidity,
		fc.Current.WindSpeed, describeCode(fc.Current.WeatherCode))

	labels := []string{"today", "tomorrow"}
	for i := range fc.Daily.Time {
		if i >= len(labels) || i >= len(fc.Daily.TempMin) || i >= len(fc.Daily.TempMax) {
			break
		}
		desc := ""
		if i < len(fc.Daily.WeatherCode) {
			desc = ", " + describeCode(fc.Daily.WeatherCode[i])
		}
		fmt.Fprintf(&b, "\n%s: %.0f..%.0f°C%s", labels[i], fc.Daily.TempMin[i], fc.Daily.TempMax[i], desc)
	}
	return b.String(), nil
}

func (t *Tool) geocode(ctx context.Context, location string) (place, error) {
	q := url.Values{}
	q.Set("name", location)
	q.Set("count", "1")

	var data struct {
		Results []place `json:"results"`
	}
	if err := t.getJSON(ctx, geocodeURL+"?"+q.Encode(), &data); err != nil {
		return place{}, err
	}
	if len(data.Results) == 0 {
		return place{}, fmt.Errorf("location %q not found", location)
	}
	return data.Results[0], nil
}

func (t *Tool) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("weather API error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("weather API %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// describeCode maps WMO weather interpretation codes to short text.
func describeCode(code int) string {
	switch {
	case code == 0:
		return "clear sky"
	case code <= 2:
		return "partly cloudy"
	case code == 3:
		return "overcast"
	case code == 45 || code == 48:
		return "fog"
	case code >= 51 && code <= 57:
		return "drizzle"
	case code >= 61 && code <= 67:
		return "rain"
	case code >= 71 && code <= 77:
		return "snow"
	case code >= 80 && code <= 82:
		return "rain showers"
	case code == 85 || code == 86:
		return "snow showers"
	case code >= 95:
		return "thunderstorm"
	default:
		return fmt.Sprintf("weather code %d", code)
	}
}
