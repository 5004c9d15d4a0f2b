package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Open-Meteo endpoints used when no override is configured.
const (
	DefaultGeocodingURL = "https://geocoding-api.open-meteo.com/v1/search"
	DefaultForecastURL  = "https://api.open-meteo.com/v1/forecast"
)

// WeatherEndpoint is the metrics label for weather lookups.
const WeatherEndpoint = "/weather"

const maxCityLength = 200

// ErrMissingCity is returned for a blank city name.
var ErrMissingCity = errors.New("city is required")

// ErrInvalidCity is returned for a city name that is not valid UTF-8.
var ErrInvalidCity = errors.New("city must be valid UTF-8")

// WeatherConfig selects the geocoding and forecast services.
type WeatherConfig struct {
	GeocodingURL string
	ForecastURL  string
}

// DefaultWeatherConfig returns the Open-Meteo endpoints.
func DefaultWeatherConfig() WeatherConfig {
	return WeatherConfig{
		GeocodingURL: DefaultGeocodingURL,
		ForecastURL:  DefaultForecastURL,
	}
}

// Coordinates locate a geocoded place.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// WeatherReport is the payload produced by a weather lookup.
type WeatherReport struct {
	City           string          `json:"city"`
	Country        string          `json:"country"`
	Coordinates    Coordinates     `json:"coordinates"`
	CurrentWeather json.RawMessage `json:"current_weather"`
	Timezone       string          `json:"timezone"`
}

type geocodeResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Country   string  `json:"country"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"results"`
}

type forecastResponse struct {
	CurrentWeather json.RawMessage `json:"current_weather"`
	Timezone       string          `json:"timezone"`
}

// WeatherOperation geocodes a city and fetches its current weather.
type WeatherOperation struct {
	city   string
	config WeatherConfig
}

// NewWeatherOperation creates a lookup for city.
func NewWeatherOperation(city string, cfg WeatherConfig) *WeatherOperation {
	if cfg.GeocodingURL == "" {
		cfg.GeocodingURL = DefaultGeocodingURL
	}
	if cfg.ForecastURL == "" {
		cfg.ForecastURL = DefaultForecastURL
	}
	return &WeatherOperation{city: strings.TrimSpace(city), config: cfg}
}

// City returns the trimmed city name.
func (o *WeatherOperation) City() string { return o.city }

// Endpoint implements Operation.
func (o *WeatherOperation) Endpoint() string { return WeatherEndpoint }

// Idempotent implements Operation.
func (o *WeatherOperation) Idempotent() bool { return true }

// Validate implements Operation.
func (o *WeatherOperation) Validate() error {
	if o.city == "" {
		return ErrMissingCity
	}
	if len(o.city) > maxCityLength {
		return errors.New("city name too long")
	}
	if !utf8.ValidString(o.city) {
		return ErrInvalidCity
	}
	return nil
}

// Attempt implements Operation. Each attempt repeats both calls.
func (o *WeatherOperation) Attempt(ctx context.Context, client *http.Client) (*Response, *AttemptError) {
	geoURL, err := withQuery(o.config.GeocodingURL, url.Values{
		"name":     {o.city},
		"count":    {"1"},
		"language": {"en"},
		"format":   {"json"},
	})
	if err != nil {
		return nil, MalformedError(0, err)
	}

	var geo geocodeResponse
	status, aerr := getJSON(ctx, client, geoURL, &geo)
	if aerr != nil {
		return nil, aerr
	}
	if len(geo.Results) == 0 {
		return nil, NotFoundError(status, "city not found")
	}
	place := geo.Results[0]

	forecastURL, err := withQuery(o.config.ForecastURL, url.Values{
		"latitude":        {strconv.FormatFloat(place.Latitude, 'f', -1, 64)},
		"longitude":       {strconv.FormatFloat(place.Longitude, 'f', -1, 64)},
		"current_weather": {"true"},
		"timezone":        {"auto"},
	})
	if err != nil {
		return nil, MalformedError(0, err)
	}

	var forecast forecastResponse
	status, aerr = getJSON(ctx, client, forecastURL, &forecast)
	if aerr != nil {
		return nil, aerr
	}
	if len(forecast.CurrentWeather) == 0 {
		forecast.CurrentWeather = json.RawMessage("{}")
	}

	payload, err := json.Marshal(WeatherReport{
		City:           place.Name,
		Country:        place.Country,
		Coordinates:    Coordinates{Latitude: place.Latitude, Longitude: place.Longitude},
		CurrentWeather: forecast.CurrentWeather,
		Timezone:       forecast.Timezone,
	})
	if err != nil {
		return nil, MalformedError(status, err)
	}

	return &Response{StatusCode: status, Payload: payload}, nil
}

func withQuery(base string, params url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
