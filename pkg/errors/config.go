// pkg/errors/config.go
package errors

import "fmt"

// ConfigErrInvalid indicates a configuration value failed validation
const ConfigErrInvalid = "CONFIG_INVALID"

// Config domain name
const ConfigDomain = "config"

// ConfigErrorf creates a configuration validation error
func ConfigErrorf(field string, format string, args ...interface{}) error {
	return &Error{
		Domain:  ConfigDomain,
		Code:    ConfigErrInvalid,
		Message: sprintf(format, args...),
		Fields:  map[string]interface{}{"field": field},
	}
}

func sprintf(format string, args ...interface{}) string {
	return fmt.Sprintf(format, args...)
}

// ConfigWrap wraps err as a configuration error for field
func ConfigWrap(err error, field string, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{
		Domain:   ConfigDomain,
		Code:     ConfigErrInvalid,
		Message:  sprintf(format, args...),
		Fields:   map[string]interface{}{"field": field},
		Original: err,
	}
}
