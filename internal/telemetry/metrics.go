// Package telemetry устанавливает глобальный MeterProvider OpenTelemetry.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Metrics владеет MeterProvider и должен быть остановлен при завершении процесса.
type Metrics struct {
	provider *sdkmetric.MeterProvider
}

// NewMetrics создаёт MeterProvider с периодической выгрузкой в w в формате JSON
// и делает его глобальным.
func NewMetrics(serviceName string, w io.Writer, interval time.Duration) (*Metrics, error) {
	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(interval),
		)),
	)
	otel.SetMeterProvider(provider)

	return &Metrics{provider: provider}, nil
}

// ForceFlush выгружает накопленные значения, не дожидаясь интервала.
func (m *Metrics) ForceFlush(ctx context.Context) error {
	return m.provider.ForceFlush(ctx)
}

// Shutdown выгружает последние значения и останавливает провайдер.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
