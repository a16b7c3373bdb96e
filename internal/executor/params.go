package executor

import "time"

// Params wraps one config section (map[string]any as decoded by
// go-toml/v2: integers as int64, floats as float64) with typed
// accessors and defaults, since every executor config section is read
// this way before the stepping loop starts.
type Params map[string]any

// Int returns the integer value of key, or def if absent or the wrong
// type. TOML integers decode as int64; floats are truncated.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

// Float returns the float value of key, or def if absent or the wrong type.
func (p Params) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return def
	}
}

// String returns the string value of key, or def if absent.
func (p Params) String(key, def string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return def
}

// Bool returns the bool value of key, or def if absent.
func (p Params) Bool(key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

// Seconds returns key interpreted as a count of seconds, as a
// time.Duration. Every *_delay/*_duration/*_interval config key in
// spec §4.5.1/§4.5.2 is expressed this way.
func (p Params) Seconds(key string, def time.Duration) time.Duration {
	switch v := p[key].(type) {
	case float64:
		return time.Duration(v * float64(time.Second))
	case int64:
		return time.Duration(v) * time.Second
	default:
		return def
	}
}
