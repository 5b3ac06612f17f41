package tracing

import (
	"errors"
	"fmt"
)

// Samplers understood by the provider.
const (
	SamplerRatio     = "probabilistic"
	SamplerAlwaysOn  = "always_on"
	SamplerAlwaysOff = "always_off"
)

// Config describes the exporter and the resource every span is tagged with.
// The process config fills it from OTEL_* variables.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	InstanceID     string

	OTLPExporterEndpoint string
	OTLPExporterInsecure bool

	SamplingRatio float64
	SamplingType  string
}

var ErrInvalidConfig = errors.New("invalid tracing config")

func (c *Config) Validate() error {
	switch {
	case c.ServiceName == "":
		return fmt.Errorf("%w: service name is empty", ErrInvalidConfig)
	case c.OTLPExporterEndpoint == "":
		return fmt.Errorf("%w: exporter endpoint is empty", ErrInvalidConfig)
	case c.SamplingRatio < 0 || c.SamplingRatio > 1:
		return fmt.Errorf("%w: sampling ratio %v outside [0,1]", ErrInvalidConfig, c.SamplingRatio)
	}
	switch c.SamplingType {
	case "", SamplerRatio, SamplerAlwaysOn, SamplerAlwaysOff:
		return nil
	default:
		return fmt.Errorf("%w: unknown sampler %q", ErrInvalidConfig, c.SamplingType)
	}
}
