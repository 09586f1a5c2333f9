package telemetry

type Config struct {
	// The URL to the Jaeger instance.
	JaegerURL string `yaml:"jaegerUrl"`
	// The package name to use for the telemetry.
	Package string `yaml:"package"`
	// ID of the service instance.
	ID string `yaml:"id"`
	// OTLP exporter settings; used instead of Jaeger when Host is set.
	OTLP OTLP `yaml:"otlp"`
}

type OTLP struct {
	// Host (and optional port) of the OTLP HTTP collector, without protocol or path.
	Host string `yaml:"host"`
	// Whether to connect over TLS.
	Secure bool `yaml:"secure"`
}
