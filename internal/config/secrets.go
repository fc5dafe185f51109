package config

import (
	"net/url"
	"slices"
)

const redacted = "***"

// RedactedConfig returns a copy of cfg that is safe to log. Plain secrets are
// replaced with "***"; connection URLs keep their host and drop the password.
func RedactedConfig(cfg *Config) Config {
	out := *cfg
	for _, s := range []*string{
		&out.Postgres.Password,
		&out.Redis.Password,
		&out.S3.AccessKey,
		&out.S3.SecretKey,
		&out.Server.APIKey,
		&out.Notify.TelegramToken,
		&out.Notify.DiscordWebhookURL,
	} {
		if *s != "" {
			*s = redacted
		}
	}
	out.Postgres.DSN = redactURL(out.Postgres.DSN)
	out.Redis.URL = redactURL(out.Redis.URL)

	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	return out
}

// redactURL masks the password of a URL-form DSN. Anything that does not
// parse as a URL with a scheme is masked entirely.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return redacted
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), redacted)
	}
	return u.String()
}
