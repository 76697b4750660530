// Package config loads carlink HCL configuration.
package config

import (
	"io/ioutil"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"

	"github.com/carlink-io/carlink/session"
	"github.com/carlink-io/carlink/tele"
)

type Config struct {
	Car struct {
		Addr              string `hcl:"addr"` // host:port of the command channel
		DialTimeoutSec    int    `hcl:"dial_timeout_sec"`
		NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
		RetryDelaySec     int    `hcl:"retry_delay_sec"`
		LogDebug          bool   `hcl:"log_debug"`
	} `hcl:"car"`

	Tele tele.Config `hcl:"tele"`
}

func FromString(input string) (*Config, error) {
	c := &Config{}
	if err := hcl.Unmarshal([]byte(input), c); err != nil {
		return nil, errors.Annotate(err, "config unmarshal")
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func ReadFile(path string) (*Config, error) {
	bs, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "config read path=%s", path)
	}
	c, err := FromString(string(bs))
	return c, errors.Annotatef(err, "config path=%s", path)
}

func (c *Config) validate() error {
	if c.Car.Addr == "" {
		return errors.NotValidf("config car.addr empty")
	}
	return nil
}

// SessionOptions translates the car section into session defaults,
// zero fields fall back to session package defaults.
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		Addr:           c.Car.Addr,
		DialTimeout:    time.Duration(c.Car.DialTimeoutSec) * time.Second,
		NetworkTimeout: time.Duration(c.Car.NetworkTimeoutSec) * time.Second,
		RetryDelay:     time.Duration(c.Car.RetryDelaySec) * time.Second,
	}
}
