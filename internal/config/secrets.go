package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Venues: the map is rebuilt so redaction never touches the original.
	if cfg.Venues != nil {
		out.Venues = make(map[string]VenueConfig, len(cfg.Venues))
		for id, v := range cfg.Venues {
			redact(&v.APIKey)
			redact(&v.APISecret)
			if v.Prices != nil {
				prices := make(map[string]float64, len(v.Prices))
				for k, p := range v.Prices {
					prices[k] = p
				}
				v.Prices = prices
			}
			out.Venues[id] = v
		}
	}

	// Credentials
	redact(&out.Credentials.Password)

	// Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	redact(&out.Redis.Password)

	// S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Server
	redact(&out.Server.APIKey)

	// Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	out.Notify.Events = cloneStrings(cfg.Notify.Events)
	out.Server.CORSOrigins = cloneStrings(cfg.Server.CORSOrigins)
	out.Scan.Venues = cloneStrings(cfg.Scan.Venues)
	out.Scan.QuoteAssets = cloneStrings(cfg.Scan.QuoteAssets)

	// Copy maps so mutations to the redacted copy do not affect the original.
	if cfg.Fees.PerVenue != nil {
		out.Fees.PerVenue = make(map[string]float64, len(cfg.Fees.PerVenue))
		for k, v := range cfg.Fees.PerVenue {
			out.Fees.PerVenue[k] = v
		}
	}
	if cfg.Aliases != nil {
		out.Aliases = make(map[string]string, len(cfg.Aliases))
		for k, v := range cfg.Aliases {
			out.Aliases[k] = v
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
