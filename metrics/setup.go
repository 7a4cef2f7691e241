// Package metrics предоставляет функции для настройки экспорта метрик.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Config конфигурация экспорта метрик
type Config struct {
	ServiceName   string
	ResourceAttrs map[string]string
}

// DefaultConfig возвращает конфигурацию метрик по умолчанию
func DefaultConfig() Config {
	return Config{
		ServiceName: "conductor",
	}
}

// Setup настраивает Prometheus exporter и глобальный MeterProvider
func Setup(ctx context.Context, config Config) (*metric.MeterProvider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		attribute.String("service.name", config.ServiceName),
	}
	for key, value := range config.ResourceAttrs {
		attrs = append(attrs, attribute.String(key, value))
	}

	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	return provider, nil
}
