package mainboilerplate

import (
	"fmt"
	"os"

	petname "github.com/dustinkirkland/golang-petname"
)

// ServiceConfig represents identification and addressing configuration of
// the process.
type ServiceConfig struct {
	ID   string `long:"id" env:"ID" description:"Unique ID of this process. Auto-generated if not set"`
	Host string `long:"host" env:"HOST" description:"Addressable, advertised hostname or IP of this process. Hostname is used if not set"`
	Port uint16 `long:"port" env:"PORT" default:"8080" description:"Service port for HTTP requests"`
}

// ProcessID returns the configured ID, generating a memorable default if
// none was set.
func (cfg *ServiceConfig) ProcessID() string {
	if cfg.ID == "" {
		cfg.ID = petname.Generate(2, "-")
	}
	return cfg.ID
}

// Endpoint returns the advertised "host:port" of the process.
func (cfg *ServiceConfig) Endpoint() string {
	if cfg.Host == "" {
		var host, err = os.Hostname()
		Must(err, "failed to determine hostname")
		cfg.Host = host
	}
	return fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
}
