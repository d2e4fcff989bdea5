// Package timebp provides encoding helpers between time types and the
// integer-second representation the secret store speaks on the wire
// (lease_duration, ttl) and the config files use for refresh intervals.
package timebp

import (
	"encoding/json"
	"strconv"
	"time"
)

var (
	_ json.Unmarshaler = (*DurationSecond)(nil)
	_ json.Marshaler   = DurationSecond(0)
)

// DurationSecond implements json and yaml encoding/decoding using whole
// number of seconds, the unit used by Vault's lease_duration and ttl fields.
type DurationSecond time.Duration

func (d DurationSecond) String() string {
	return d.ToDuration().String()
}

// ToDuration converts DurationSecond back to time.Duration.
func (d DurationSecond) ToDuration() time.Duration {
	return time.Duration(d)
}

// Seconds returns the whole number of seconds represented.
func (d DurationSecond) Seconds() int64 {
	return int64(d.ToDuration() / time.Second)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *DurationSecond) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		*d = 0
		return nil
	}

	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*d = DurationSecond(time.Duration(sec) * time.Second)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d DurationSecond) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(d.Seconds(), 10)), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *DurationSecond) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var sec int64
	if err := unmarshal(&sec); err != nil {
		return err
	}
	*d = DurationSecond(time.Duration(sec) * time.Second)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d DurationSecond) MarshalYAML() (interface{}, error) {
	return d.Seconds(), nil
}
