package coerce

import (
	"encoding/json"
	"errors"
	"math"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/neomorfeo/farmconf/internal/domain"
)

var languageCode = regexp.MustCompile(`^[a-z]{2,3}(-[a-z0-9]{2,8})*$`)

func isBlank(raw any) bool {
	if raw == nil {
		return true
	}
	s, ok := raw.(string)
	return ok && strings.TrimSpace(s) == ""
}

func coerceCheck(raw any, _ domain.TypeOptions) (any, error) {
	switch v := raw.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "", "0", "false", "no", "off":
			return false, nil
		case "1", "true", "yes", "on":
			return true, nil
		}
		return nil, invalid(domain.ValidationMalformed, "%q is not a boolean", v)
	}
	if n, err := toFloat(raw); err == nil {
		return n != 0, nil
	}
	return nil, invalid(domain.ValidationMalformed, "%T is not a boolean", raw)
}

func coerceInteger(raw any, opts domain.TypeOptions) (any, error) {
	if isBlank(raw) {
		if raw = opts.Default; isBlank(raw) {
			return int64(0), nil
		}
	}
	n, err := toInt(raw)
	if err != nil {
		return nil, err
	}
	if err := checkRange(float64(n), opts); err != nil {
		return nil, err
	}
	return n, nil
}

func coerceFloat(raw any, opts domain.TypeOptions) (any, error) {
	if isBlank(raw) {
		if raw = opts.Default; isBlank(raw) {
			return float64(0), nil
		}
	}
	f, err := toFloat(raw)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, invalid(domain.ValidationMalformed, "%v is not a finite number", f)
	}
	if err := checkRange(f, opts); err != nil {
		return nil, err
	}
	return f, nil
}

func coerceText(raw any, _ domain.TypeOptions) (any, error) {
	if raw == nil {
		return "", nil
	}
	return toString(raw)
}

// coerceName trims a single user, group, or page name.
func coerceName(raw any, _ domain.TypeOptions) (any, error) {
	if raw == nil {
		return "", nil
	}
	s, err := toString(raw)
	if err != nil {
		return nil, err
	}
	return strings.TrimSpace(s), nil
}

func coerceURL(raw any, _ domain.TypeOptions) (any, error) {
	if raw == nil {
		return "", nil
	}
	s, err := toString(raw)
	if err != nil {
		return nil, err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, invalid(domain.ValidationMalformed, "%q is not a URL", s)
	}
	switch {
	case u.Scheme == "http" || u.Scheme == "https":
		if u.Host == "" {
			return nil, invalid(domain.ValidationMalformed, "%q has no host", s)
		}
	case u.Scheme == "" && strings.HasPrefix(s, "//"):
		if u.Host == "" {
			return nil, invalid(domain.ValidationMalformed, "%q has no host", s)
		}
	case u.Scheme == "" && strings.HasPrefix(s, "/"):
	default:
		return nil, invalid(domain.ValidationMalformed, "%q must be an http(s), protocol-relative, or root-relative URL", s)
	}
	return s, nil
}

func coerceLanguage(raw any, opts domain.TypeOptions) (any, error) {
	if isBlank(raw) {
		if raw = opts.Default; isBlank(raw) {
			return "", nil
		}
	}
	s, err := toString(raw)
	if err != nil {
		return nil, err
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if !languageCode.MatchString(s) {
		return nil, invalid(domain.ValidationMalformed, "%q is not a language code", s)
	}
	if len(opts.Options) > 0 && !slices.Contains(opts.Options, s) {
		return nil, invalid(domain.ValidationInvalidOption, "%q", s)
	}
	return s, nil
}

func coerceTimezone(raw any, opts domain.TypeOptions) (any, error) {
	if isBlank(raw) {
		if raw = opts.Default; isBlank(raw) {
			return "UTC", nil
		}
	}
	s, err := toString(raw)
	if err != nil {
		return nil, err
	}
	s = strings.TrimSpace(s)
	if _, err := time.LoadLocation(s); err != nil {
		return nil, invalid(domain.ValidationMalformed, "%q is not a time zone", s)
	}
	return s, nil
}

func coerceList(raw any, opts domain.TypeOptions) (any, error) {
	if raw == nil {
		return "", nil
	}
	s, err := toString(raw)
	if err != nil {
		return nil, err
	}
	if len(opts.Options) > 0 && !slices.Contains(opts.Options, s) {
		return nil, invalid(domain.ValidationInvalidOption, "%q", s)
	}
	return s, nil
}

func checkRange(v float64, opts domain.TypeOptions) error {
	if opts.Min != nil && v < *opts.Min {
		return invalid(domain.ValidationOutOfRange, "%v is below the minimum %v", v, *opts.Min)
	}
	if opts.Max != nil && v > *opts.Max {
		return invalid(domain.ValidationOutOfRange, "%v is above the maximum %v", v, *opts.Max)
	}
	return nil
}

func toString(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.Number:
		return v.String(), nil
	case int, int32, int64, float64, bool:
		b, _ := json.Marshal(v)
		return string(b), nil
	}
	return "", invalid(domain.ValidationMalformed, "%T is not text", raw)
}

func toInt(raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return toInt(uint64(v))
	case uint64:
		if v > math.MaxInt64 {
			return 0, invalid(domain.ValidationOutOfRange, "%d overflows", v)
		}
		return int64(v), nil
	case float64:
		if math.IsNaN(v) || (!math.IsInf(v, 0) && v != math.Trunc(v)) {
			return 0, invalid(domain.ValidationMalformed, "%v is not an integer", v)
		}
		// float64(MaxInt64) rounds up to 2^63, so the bound is exclusive.
		if v >= 1<<63 || v < -(1<<63) {
			return 0, invalid(domain.ValidationOutOfRange, "%v overflows", v)
		}
		return int64(v), nil
	case json.Number:
		return toInt(v.String())
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if errors.Is(err, strconv.ErrRange) {
			return 0, invalid(domain.ValidationOutOfRange, "%q overflows", v)
		}
		if err != nil {
			return 0, invalid(domain.ValidationMalformed, "%q is not an integer", v)
		}
		return n, nil
	}
	return 0, invalid(domain.ValidationMalformed, "%T is not an integer", raw)
}

func toFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return toFloat(v.String())
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, invalid(domain.ValidationMalformed, "%q is not a number", v)
		}
		return f, nil
	}
	return 0, invalid(domain.ValidationMalformed, "%T is not a number", raw)
}
