package tracing

import (
	"fmt"
	"io"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	jCfg "github.com/uber/jaeger-client-go/config"
	"github.com/uber/jaeger-lib/metrics"
)

var (
	// Неверное не самое элегантное решение, но лучше чем выносить константу в отдельный пакет
	// лучше инициализирвоать при инстанцировании через аргументы.
	serviceName = "default"
)

func SetServiceName(newName string) string {
	oldName := serviceName
	serviceName = newName

	return oldName
}

type Config struct {
	Host string
	Port int
	// LogSpans mirrors every finished span to the reporter log.
	LogSpans bool
}

// InitTracer builds a jaeger tracer reporting to the agent at Host:Port and
// installs it as the global tracer. The closer flushes buffered spans.
func InitTracer(conf Config) (opentracing.Tracer, io.Closer, error) {
	if conf.Host == "" || conf.Port <= 0 {
		return nil, nil, errors.Errorf("jaeger agent address %q:%d", conf.Host, conf.Port)
	}

	cfg := &jCfg.Configuration{
		ServiceName: serviceName,
		Sampler: &jCfg.SamplerConfig{
			Type:  "const",
			Param: 1,
		},
		Reporter: &jCfg.ReporterConfig{
			LogSpans:           conf.LogSpans,
			LocalAgentHostPort: fmt.Sprintf("%s:%d", conf.Host, conf.Port),
		},
	}

	jMetricsFactory := metrics.NullFactory
	tracer, closer, err := cfg.NewTracer(
		jCfg.Metrics(jMetricsFactory),
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "new jaeger tracer")
	}

	opentracing.SetGlobalTracer(tracer)
	return tracer, closer, nil
}
