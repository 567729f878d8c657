package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	dotenv "github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PLCMONITOR_"

// LoadEnv loads a .env file into the process environment. A missing
// file is not an error; variables already set are not overwritten.
func LoadEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := dotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides settings from PLCMONITOR_* variables. Broker
// credentials and the InfluxDB token are usually kept out of the YAML
// file and supplied this way. Overrides apply to the running config only:
// Save writes the values they replaced.
func ApplyEnv(c *Config) error {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()

	if v, ok := lookup("NAMESPACE"); ok {
		override(c, func(f *Config) *string { return &f.Namespace }, v)
	}
	if err := envDuration(c, "POLL_INTERVAL", func(f *Config) *time.Duration { return &f.PollInterval }); err != nil {
		return err
	}
	if err := envDuration(c, "READ_TIMEOUT", func(f *Config) *time.Duration { return &f.ReadTimeout }); err != nil {
		return err
	}
	if err := envDuration(c, "RECONNECT_DELAY", func(f *Config) *time.Duration { return &f.ReconnectDelay }); err != nil {
		return err
	}
	if v, ok := lookup("COPY_ON_REFRESH"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sCOPY_ON_REFRESH: %w", EnvPrefix, err)
		}
		override(c, func(f *Config) *bool { return &f.CopyOnRefresh }, b)
	}
	if v, ok := lookup("WEB_HOST"); ok {
		override(c, func(f *Config) *string { return &f.Web.Host }, v)
	}
	if v, ok := lookup("WEB_PORT"); ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sWEB_PORT: %w", EnvPrefix, err)
		}
		override(c, func(f *Config) *int { return &f.Web.Port }, p)
	}

	user, hasUser := lookup("MQTT_USERNAME")
	pass, hasPass := lookup("MQTT_PASSWORD")
	for _, m := range c.MQTT {
		name := m.Name
		if hasUser {
			override(c, func(f *Config) *string {
				if m := f.FindMQTT(name); m != nil {
					return &m.Username
				}
				return nil
			}, user)
		}
		if hasPass {
			override(c, func(f *Config) *string {
				if m := f.FindMQTT(name); m != nil {
					return &m.Password
				}
				return nil
			}, pass)
		}
	}
	if v, ok := lookup("VALKEY_PASSWORD"); ok {
		for _, vc := range c.Valkey {
			name := vc.Name
			override(c, func(f *Config) *string {
				if vc := f.FindValkey(name); vc != nil {
					return &vc.Password
				}
				return nil
			}, v)
		}
	}
	kuser, hasKUser := lookup("KAFKA_USERNAME")
	kpass, hasKPass := lookup("KAFKA_PASSWORD")
	for _, k := range c.Kafka {
		name := k.Name
		if hasKUser {
			override(c, func(f *Config) *string {
				if k := f.FindKafka(name); k != nil {
					return &k.Username
				}
				return nil
			}, kuser)
		}
		if hasKPass {
			override(c, func(f *Config) *string {
				if k := f.FindKafka(name); k != nil {
					return &k.Password
				}
				return nil
			}, kpass)
		}
	}

	if v, ok := lookup("INFLUX_TOKEN"); ok {
		for _, in := range c.Influx {
			name := in.Name
			override(c, func(f *Config) *string {
				if in := f.FindInflux(name); in != nil {
					return &in.Token
				}
				return nil
			}, v)
		}
	}
	// A URL with no configured writer creates one from the environment.
	if url, ok := lookup("INFLUX_URL"); ok && len(c.Influx) == 0 {
		in := InfluxConfig{Name: EnvInfluxName, Enabled: true, URL: url}
		in.Token, _ = lookup("INFLUX_TOKEN")
		in.Org, _ = lookup("INFLUX_ORG")
		in.Bucket, _ = lookup("INFLUX_BUCKET")
		c.Influx = append(c.Influx, in)
		c.envRestores = append(c.envRestores, func(f *Config) {
			for i := range f.Influx {
				if f.Influx[i].Name == EnvInfluxName {
					f.Influx = append(f.Influx[:i], f.Influx[i+1:]...)
					return
				}
			}
		})
	}
	return nil
}

// EnvInfluxName names the InfluxDB writer created from PLCMONITOR_INFLUX_URL.
const EnvInfluxName = "env"

// override sets the field selected by field and records how to put the
// replaced value back on a copy being saved. field may return nil.
func override[T any](c *Config, field func(*Config) *T, v T) {
	dst := field(c)
	if dst == nil {
		return
	}
	old := *dst
	*dst = v
	c.envRestores = append(c.envRestores, func(f *Config) {
		if p := field(f); p != nil {
			*p = old
		}
	})
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func envDuration(c *Config, key string, field func(*Config) *time.Duration) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	override(c, field, d)
	return nil
}
