package secrets

import "os"

// EnvLoader returns a Loader that reads the specified environment variables.
// Missing variables are silently omitted from the result map.
func EnvLoader(keys ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}

// WithFallback layers loaders: values from primary win, and keys primary
// does not provide are taken from fallback. Used to seed the vault from the
// YAML config while still letting a reload pick up rotated env values.
func WithFallback(primary Loader, fallback map[string]string) Loader {
	return func() (map[string]string, error) {
		vals, err := primary()
		if err != nil {
			return nil, err
		}
		out := make(map[string]string, len(vals)+len(fallback))
		for k, v := range fallback {
			if v != "" {
				out[k] = v
			}
		}
		for k, v := range vals {
			out[k] = v
		}
		return out, nil
	}
}
