package log

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// redacted replaces the value of any key naming keyring or session secrets.
const redacted = "<redacted>"

var secretKeys = []string{"accesskey", "blob", "sessionkey", "password", "secret"}

func isSecret(key string) bool {
	k := strings.ToLower(key)
	for _, s := range secretKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// toFields turns logr style key/value pairs into zap fields. Bare errors and
// zap.Fields may appear anywhere in the list. An unpaired trailing value is
// kept under "arg#N".
func toFields(args ...any) []zap.Field {
	if len(args) == 0 {
		return nil
	}

	fields := make([]zap.Field, 0, len(args)/2+1)
	for i := 0; i < len(args); {
		switch v := args[i].(type) {
		case zap.Field:
			fields = append(fields, v)
			i++
			continue
		case error:
			fields = append(fields, zap.Error(v))
			i++
			continue
		}

		if i == len(args)-1 {
			fields = append(fields, zap.Any(fmt.Sprintf("arg#%d", i), args[i]))
			break
		}

		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("badkey#%d", i)
		}
		fields = append(fields, field(key, args[i+1]))
		i += 2
	}
	return fields
}

func field(key string, val any) zap.Field {
	if isSecret(key) {
		return zap.String(key, redacted)
	}

	switch v := val.(type) {
	case string:
		return zap.String(key, v)
	case bool:
		return zap.Bool(key, v)
	case int:
		return zap.Int(key, v)
	case int64:
		return zap.Int64(key, v)
	case uint8:
		return zap.Uint8(key, v)
	case uint16:
		return zap.Uint16(key, v)
	case uint32:
		return zap.Uint32(key, v)
	case uint64:
		return zap.Uint64(key, v)
	case float64:
		return zap.Float64(key, v)
	case time.Duration:
		return zap.Duration(key, v)
	case time.Time:
		return zap.Time(key, v)
	case error:
		return zap.NamedError(key, v)
	case fmt.Stringer:
		return zap.Stringer(key, v)
	case []byte:
		// Frames are logged by size only.
		return zap.Int(key+"Len", len(v))
	case []string:
		return zap.Strings(key, v)
	case []int:
		return zap.Ints(key, v)
	}
	return zap.Any(key, val)
}
