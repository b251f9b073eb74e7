package mcpcage

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Environment variable names read by LoadConfig.
const (
	EnvSiteURL        = "ATLASSIAN_SITE_URL"
	EnvEmail          = "ATLASSIAN_EMAIL"
	EnvAPIToken       = "ATLASSIAN_API_TOKEN"
	EnvWriteEnabled   = "MCPCAGE_WRITE_ENABLED"
	EnvSpacesFilter   = "CONFLUENCE_SPACES_FILTER"
	EnvProjectsFilter = "JIRA_PROJECTS_FILTER"
)

// Config holds the credentials and switches passed into the sandbox.
// Values are opaque; only presence is checked.
type Config struct {
	SiteURL  string `env:"ATLASSIAN_SITE_URL" validate:"required"`
	Email    string `env:"ATLASSIAN_EMAIL" validate:"required"`
	APIToken string `env:"ATLASSIAN_API_TOKEN" validate:"required"`

	WriteEnabled   bool   `env:"MCPCAGE_WRITE_ENABLED"`
	SpacesFilter   string `env:"CONFLUENCE_SPACES_FILTER"`
	ProjectsFilter string `env:"JIRA_PROJECTS_FILTER"`
}

var configValidator = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("env"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

// LoadConfig reads Config from getenv. A nil getenv reads the process environment.
// All missing required variables are named in one error.
func LoadConfig(getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := Config{
		SiteURL:        strings.TrimSpace(getenv(EnvSiteURL)),
		Email:          strings.TrimSpace(getenv(EnvEmail)),
		APIToken:       getenv(EnvAPIToken),
		SpacesFilter:   strings.TrimSpace(getenv(EnvSpacesFilter)),
		ProjectsFilter: strings.TrimSpace(getenv(EnvProjectsFilter)),
	}

	if raw := strings.TrimSpace(getenv(EnvWriteEnabled)); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s=%q is not a boolean", ErrConfigInvalid, EnvWriteEnabled, raw)
		}
		cfg.WriteEnabled = b
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every missing required field by its variable name.
func (c Config) Validate() error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	names := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		names = append(names, fe.Field())
	}
	return fmt.Errorf("%w: %s", ErrConfigMissing, strings.Join(names, ", "))
}

// ConfluenceURL is the Confluence base URL derived from the site URL.
func (c Config) ConfluenceURL() string {
	u := strings.TrimRight(c.SiteURL, "/")
	if strings.HasSuffix(u, "/wiki") {
		return u
	}
	return u + "/wiki"
}
